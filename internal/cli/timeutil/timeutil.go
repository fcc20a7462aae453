// Package timeutil formats times for CLI listings.
package timeutil

import (
	"fmt"
	"time"
)

// LocalTimeFormat is the layout for timestamps in command output.
const LocalTimeFormat = "Mon Jan 2 15:04:05 2006"

// FormatTime renders t in local time. The zero time prints as "-".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(LocalTimeFormat)
}

// FormatAge renders how long ago t was, coarsened to the largest unit,
// e.g. "3d" or "12h". Future or zero times print as "-".
func FormatAge(t time.Time, now time.Time) string {
	if t.IsZero() || now.Before(t) {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
