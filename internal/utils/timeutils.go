package utils

import "time"

// FormatEpoch renders a device epoch (seconds) as an RFC3339 UTC timestamp.
func FormatEpoch(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}

// FormatTime renders t in UTC, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// DurationMinutes is the absolute gap between two instants in minutes.
func DurationMinutes(a, b time.Time) float64 {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d.Minutes()
}
