package search

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var relativePattern = regexp.MustCompile(`^(\d+)([hdw])$`)

// ParseTimeFilter resolves a user-supplied time filter to an RFC 3339
// UTC lower bound. Accepted forms: a relative window like "24h", "7d",
// or "2w"; a date "2026-03-01"; or a full RFC 3339 timestamp. An empty
// filter means no bound.
func ParseTimeFilter(filter string, now time.Time) (string, error) {
	if filter == "" {
		return "", nil
	}

	if m := relativePattern.FindStringSubmatch(filter); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return "", fmt.Errorf("invalid time filter %q", filter)
		}
		var d time.Duration
		switch m[2] {
		case "h":
			d = time.Duration(n) * time.Hour
		case "d":
			d = time.Duration(n) * 24 * time.Hour
		case "w":
			d = time.Duration(n) * 7 * 24 * time.Hour
		}
		return now.UTC().Add(-d).Format(time.RFC3339), nil
	}

	if t, err := time.Parse("2006-01-02", filter); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}

	if t, err := time.Parse(time.RFC3339, filter); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}

	return "", fmt.Errorf("invalid time filter %q: want <n>h/<n>d/<n>w, YYYY-MM-DD, or RFC 3339", filter)
}
