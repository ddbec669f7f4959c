package utils

import (
	"fmt"
	"strings"
	"time"
)

// Now returns the current time in UTC timezone
func Now() time.Time {
	return time.Now().UTC()
}

// UnixToTime converts a unix timestamp in seconds to a UTC time.Time
func UnixToTime(timestamp int64) time.Time {
	if timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(timestamp, 0).UTC()
}

// FormatISO8601 formats a time.Time to ISO8601 format in UTC
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// BackupStamp formats t for use in backup file names.
func BackupStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// ParseTimestamp parses the date formats found in lead exports and API
// query strings. Values without a zone are taken as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
