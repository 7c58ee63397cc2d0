package database

import (
	"context"
	"fmt"
	"strings"
)

// ContentType names the three kinds of rows in the search index.
type ContentType string

// Indexed content kinds.
const (
	ContentAction    ContentType = "action"
	ContentKnowledge ContentType = "knowledge"
	ContentEpic      ContentType = "epic"
)

// SearchHit is one ranked result from the full-text index. Rank is the
// bm25 score; lower means a better match.
type SearchHit struct {
	ContentType ContentType
	ContentID   string
	Title       string
	Snippet     string
	Rank        float64
}

// ftsDelimiters are replaced with spaces before a user-supplied term
// reaches the FTS5 query parser.
const ftsDelimiters = "[](){}:^*,./;!?@#$%&=+~`|\\-"

// SanitizeQuery prepares a user-supplied search term for FTS5: embedded
// double quotes are doubled and delimiter characters become spaces. An
// empty result means the caller should skip the query entirely.
func SanitizeQuery(q string) string {
	q = strings.ReplaceAll(q, `"`, `""`)
	var b strings.Builder
	b.Grow(len(q))
	for _, r := range q {
		if strings.ContainsRune(ftsDelimiters, r) {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Search runs a ranked query over the index. An empty sanitised query
// returns no results. contentType "" searches all kinds.
func (c *Client) Search(ctx context.Context, query string, contentType ContentType, limit int) ([]SearchHit, error) {
	sanitized := SanitizeQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	return c.searchMatch(ctx, sanitized, contentType, limit)
}

// SearchPhrase wraps the sanitised query in double quotes for phrase-safe
// matching before searching. Used by the epic matcher.
func (c *Client) SearchPhrase(ctx context.Context, query string, contentType ContentType, limit int) ([]SearchHit, error) {
	sanitized := SanitizeQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	return c.searchMatch(ctx, `"`+sanitized+`"`, contentType, limit)
}

// searchMatch runs a prepared FTS5 match expression.
func (c *Client) searchMatch(ctx context.Context, matchExpr string, contentType ContentType, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := `SELECT content_type, content_id, title,
            snippet(search_index, 3, '', '', '…', 12) AS snip, rank
        FROM search_index
        WHERE search_index MATCH ?`
	args := []any{matchExpr}
	if contentType != "" {
		sqlQuery += ` AND content_type = ?`
		args = append(args, string(contentType))
	}
	sqlQuery += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var ct string
		if err := rows.Scan(&ct, &h.ContentID, &h.Title, &h.Snippet, &h.Rank); err != nil {
			return nil, fmt.Errorf("scanning fts row: %w", err)
		}
		h.ContentType = ContentType(ct)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// RebuildSearchIndex deterministically repopulates the index from the
// source tables. Produces the same contents as the incremental triggers.
func (c *Client) RebuildSearchIndex(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM search_index`,
		`INSERT INTO search_index (content_type, content_id, title, content)
         SELECT 'action', id, title, body FROM actions`,
		`INSERT INTO search_index (content_type, content_id, title, content)
         SELECT 'knowledge', id, title, body_md FROM knowledge_items`,
		`INSERT INTO search_index (content_type, content_id, title, content)
         SELECT 'epic', id, title, description FROM epics`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index rebuild failed: %w", err)
		}
	}
	return tx.Commit()
}
