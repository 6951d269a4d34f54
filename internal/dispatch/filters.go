package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// quietHoursActive reports whether now falls inside the configured window.
// Misconfigured times fail open: dropping alerts because an operator typo'd
// "25:00" would be worse than a little noise.
func quietHoursActive(now time.Time, qh QuietHours) bool {
	if !qh.Enabled {
		return false
	}
	start, err := parseHHMM(qh.Start)
	if err != nil {
		return false
	}
	end, err := parseHHMM(qh.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	loc := qh.Location
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	cur := t.Hour()*60 + t.Minute()

	if start < end {
		return cur >= start && cur < end
	}
	// Window crosses midnight, e.g. 22:00–08:00.
	return cur >= start || cur < end
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %q", s)
	}
	return h*60 + m, nil
}

// matchesAny reports whether any keyword appears in the payload's title or
// message, case-insensitive.
func matchesAny(p Payload, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	haystack := strings.ToLower(p.Title + " " + p.Message)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
