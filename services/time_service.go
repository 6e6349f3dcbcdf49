package services

import "time"

// FormatTimestamp renders t as UTC RFC3339 with sub-second precision, the
// layout every backend stores. Lexical order matches chronological order.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp accepts FormatTimestamp output and plain RFC3339.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Fixed-width fraction keeps string comparison chronological.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
