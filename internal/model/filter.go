package model

import "strings"

// Filter returns the events whose title, location or start contains query,
// case-insensitively. A blank query matches everything.
func Filter(events []Event, query string) []Event {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return events
	}
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if strings.Contains(strings.ToLower(e.Title), q) ||
			strings.Contains(strings.ToLower(e.Location), q) ||
			strings.Contains(strings.ToLower(e.Start), q) {
			out = append(out, e)
		}
	}
	return out
}
