package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// The schema is usable without an explicit Migrate call.
	var n int
	require.NoError(t, db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n))
	assert.Zero(t, n)

	// Re-running Migrate is a no-op.
	require.NoError(t, db.Migrate(ctx))
}
