package daemon

import (
	"fmt"
	"time"
)

// tsLayout is the stored timestamp format: RFC3339 UTC with microseconds and
// an explicit +00:00 offset. The layout is fixed-width, so lexicographic
// comparison of stored strings matches chronological order and the rollup SQL
// can bucket by substring.
const tsLayout = "2006-01-02T15:04:05.000000+00:00"

// formatTS renders t in the stored timestamp layout.
func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// parseTS parses a stored timestamp. Falls back to RFC3339 variants for
// values written by hand (e.g. settings edited externally).
func parseTS(s string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// floorMinute truncates t to the start of its minute, in UTC.
func floorMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// floor15m truncates t to the start of its 15-minute bucket, in UTC.
func floor15m(t time.Time) time.Time {
	return t.UTC().Truncate(15 * time.Minute)
}
