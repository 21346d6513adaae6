package utils

import (
	"fmt"
	"strconv"
	"time"
)

// DateLayout is the day format accepted by report filters
const DateLayout = "2006-01-02"

// FormatDuration formats a duration for display
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour

	m := d / time.Minute
	d -= m * time.Minute

	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	} else if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatDateTime formats a time for reports
func FormatDateTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// ParseTimestamp parses a timestamp in the formats operators tend to type
func ParseTimestamp(timestamp string) (time.Time, error) {
	// Unix seconds or milliseconds
	if sec, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		if sec > 1000000000000 {
			return time.UnixMilli(sec), nil
		}
		return time.Unix(sec, 0), nil
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		DateLayout,
	}

	for _, format := range formats {
		if t, err := time.ParseInLocation(format, timestamp, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", timestamp)
}

// ParseRangeEnd parses an upper bound. A bare date covers the whole day.
func ParseRangeEnd(timestamp string) (time.Time, error) {
	if d, err := time.ParseInLocation(DateLayout, timestamp, time.Local); err == nil {
		return EndOfDay(d), nil
	}
	return ParseTimestamp(timestamp)
}

// EndOfDay returns the end of the day for the given time
func EndOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 23, 59, 59, 999999999, t.Location())
}
