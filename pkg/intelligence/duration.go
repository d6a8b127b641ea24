package intelligence

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration renders a duration as natural language for companion
// responses, e.g. 520s becomes "8 minutes 40 seconds".
//
// At most the two most significant units are shown; sub-second durations
// round down to "0 seconds".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	parts := []struct {
		value int64
		unit  string
	}{
		{days, "day"},
		{hours, "hour"},
		{minutes, "minute"},
		{seconds, "second"},
	}

	var out []string
	for _, p := range parts {
		if p.value == 0 {
			continue
		}
		out = append(out, pluralize(p.value, p.unit))
		if len(out) == 2 {
			break
		}
	}

	if len(out) == 0 {
		return "0 seconds"
	}
	return strings.Join(out, " ")
}

// FormatSince renders the elapsed time between two instants, e.g.
// "2 days 3 hours ago". A non-positive elapsed time renders "just now".
func FormatSince(then, now time.Time) string {
	elapsed := now.Sub(then)
	if elapsed < time.Second {
		return "just now"
	}
	return FormatDuration(elapsed) + " ago"
}

func pluralize(value int64, unit string) string {
	if value == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", value, unit)
}
