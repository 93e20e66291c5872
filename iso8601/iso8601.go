// Package iso8601 formats timestamps as ISO 8601 strings in UTC.
package iso8601

import "time"

// Layout is the ISO 8601 timestamp layout used across Citadel logs.
const Layout = "2006-01-02T15:04:05Z"

// Format renders t as an ISO 8601 timestamp in UTC.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a timestamp produced by Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}
