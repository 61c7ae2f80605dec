package db

import (
	"fmt"
	"time"
)

// storageTimeLayout pads to a fixed nine fractional digits so every
// stored timestamp has the same width. Variable-width fractions break
// string comparison: "...00.1Z" sorts after "...00.12Z".
const storageTimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders a timestamp for storage. Fixed-width UTC keeps
// lexicographic order equal to chronological order, which the queue's
// creation-order reads rely on.
func FormatTime(t time.Time) string {
	return t.UTC().Format(storageTimeLayout)
}

// ParseTime tries the storage format first, then common SQLite formats
// for rows written by CURRENT_TIMESTAMP defaults.
func ParseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
