package printer

import (
	"fmt"
	"time"
)

// TimeAgo returns a human-readable relative time string in UTC.
// Examples: "5 seconds ago (UTC)", "2 minutes ago (UTC)", "3 hours ago (UTC)".
func TimeAgo(t time.Time) string {
	diff := time.Now().UTC().Sub(t.UTC())

	if diff < 0 {
		return "in the future (UTC)"
	}

	switch {
	case diff < time.Minute:
		return pluralAgo(int(diff.Seconds()), "second")
	case diff < time.Hour:
		return pluralAgo(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return pluralAgo(int(diff.Hours()), "hour")
	}
	return pluralAgo(int(diff.Hours()/24), "day")
}

func pluralAgo(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago (UTC)", unit)
	}
	return fmt.Sprintf("%d %ss ago (UTC)", n, unit)
}

// FormatTimestamp returns a formatted timestamp string in UTC.
// Format: "2006-01-02 15:04:05 UTC".
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// FormatDuration renders a millisecond duration compactly: "842ms", "12.4s",
// "3m12s".
func FormatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond

	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", ms)
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
