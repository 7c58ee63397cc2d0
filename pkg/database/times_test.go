package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Stored timestamps are compared as strings in SQL, so the format must be
// fixed-width: lexicographic order has to equal temporal order.
func TestFormatTimeOrdering(t *testing.T) {
	times := []time.Time{
		time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.UTC),
		time.Date(2026, 1, 2, 3, 4, 5, 60e6, time.UTC),
		time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		time.Date(2026, 12, 31, 23, 59, 59, 999e6, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		a, b := FormatTime(times[i-1]), FormatTime(times[i])
		assert.Less(t, a, b)
		assert.Len(t, a, len(b), "format must be fixed width")
	}
}

func TestFormatTimeNormalisesZone(t *testing.T) {
	zone := time.FixedZone("plus2", 2*3600)
	local := time.Date(2026, 6, 1, 12, 0, 0, 0, zone)
	utc := local.UTC()
	assert.Equal(t, FormatTime(utc), FormatTime(local))
}

func TestParseTimeRoundTrip(t *testing.T) {
	orig := time.Date(2026, 3, 15, 10, 30, 45, 123e6, time.UTC)
	parsed, err := ParseTime(FormatTime(orig))
	require.NoError(t, err)
	assert.True(t, orig.Equal(parsed))
}

func TestParseTimeAcceptsRFC3339(t *testing.T) {
	parsed, err := ParseTime("2026-03-15T10:30:45Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, parsed.Year())

	_, err = ParseTime("not a time")
	assert.Error(t, err)
}
