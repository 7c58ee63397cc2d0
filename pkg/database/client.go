// Package database provides the embedded SQLite client, schema migrations,
// and the full-text index shared by every repository.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	// Register the CGO-free SQLite driver and its embedded build (FTS5 included).
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Client wraps the single database handle. Writes are serialised by SQLite
// itself (WAL journalling, one writer); callers share this handle freely.
type Client struct {
	db   *sql.DB
	path string
}

// DB returns the underlying handle for health checks and direct queries.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Path returns the database file path ("" for in-memory databases).
func (c *Client) Path() string {
	return c.path
}

// Open opens (creating if needed) the database at path, enables foreign
// keys and WAL journalling, and applies all pending migrations.
func Open(ctx context.Context, path string) (*Client, error) {
	connStr, inMemory, err := buildConnString(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// In-memory databases are per-connection; force a single connection
		// so every caller sees the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus concurrent readers; a small pool is
		// enough and bounds goroutine pile-up on write-lock contention.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{db: db, path: path}
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// OpenMemory opens a private in-memory database, used by tests and dry
// runs. Each call gets its own database.
func OpenMemory(ctx context.Context) (*Client, error) {
	return Open(ctx, ":memory:")
}

// Close checkpoints the WAL and closes the handle.
func (c *Client) Close() error {
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}

func buildConnString(path string) (connStr string, inMemory bool, err error) {
	const pragmas = "_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"

	switch {
	case path == ":memory:":
		// A named shared-cache database keeps the data alive for the life of
		// the pool; the random name isolates concurrent opens.
		name := "mem-" + uuid.NewString()
		return "file:" + name + "?mode=memory&cache=shared&" + pragmas, true, nil
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&" + pragmas
		}
		return connStr, strings.Contains(path, "mode=memory"), nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", false, fmt.Errorf("failed to create database directory: %w", err)
		}
		return "file:" + path + "?" + pragmas, false, nil
	}
}
