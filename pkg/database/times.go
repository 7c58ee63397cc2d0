package database

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeFormat is the fixed-width UTC timestamp format used for every
// timestamp column. Fixed width keeps lexicographic SQL comparisons
// equivalent to temporal ones.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// FormatTimePtr renders a nullable timestamp for storage.
func FormatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		// Tolerate plain RFC3339 written by older tooling.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// TimeFromNull converts a scanned nullable column into *time.Time.
func TimeFromNull(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
