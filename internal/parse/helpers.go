package parse

import (
	"strconv"
	"strings"
	"time"
)

// ParseFloat parses a trimmed numeric string, nil when empty or malformed.
func ParseFloat(val string) *float64 {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil
	}
	return &f
}

// ParseAmount parses an operator-entered money amount. Group separators are
// tolerated; zero and negative amounts are rejected.
func ParseAmount(val string) *float64 {
	val = strings.ReplaceAll(strings.TrimSpace(val), ",", "")
	val = strings.TrimPrefix(val, "$")
	f := ParseFloat(val)
	if f == nil || *f <= 0 {
		return nil
	}
	return f
}

// ParseInstant parses an operator-entered instant: RFC3339, a bare date
// (midnight UTC), or unix seconds.
func ParseInstant(val string) *time.Time {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}

	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", val); err == nil {
		t = t.UTC()
		return &t
	}
	if ts, err := strconv.ParseFloat(val, 64); err == nil && ts > 1_000_000_000 {
		t := time.Unix(int64(ts), 0).UTC()
		return &t
	}

	return nil
}
