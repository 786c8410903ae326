package codetable

import (
	"fmt"
	"strings"
	"time"
)

var zonelessLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseDate parses the ISO-8601-like timestamps found in code-table exports.
// Values without a zone are read in loc (time.Local when nil); the result is UTC.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", value)
}

// DefaultNewerThan is the cutoff used when none is configured: one year
// before now, truncated to midnight in now's location.
func DefaultNewerThan(now time.Time) time.Time {
	y, m, d := now.AddDate(-1, 0, 0).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// DateError reports a validity boundary that could not be parsed.
type DateError struct {
	File      string
	EntryID   string
	Attribute string
	Value     string
	Err       error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("%s: entry %q: attribute %s=%q: %v", e.File, e.EntryID, e.Attribute, e.Value, e.Err)
}

func (e *DateError) Unwrap() error { return e.Err }
