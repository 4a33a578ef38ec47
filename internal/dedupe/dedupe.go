// Package dedupe collapses near-duplicate events, typically produced by
// repeated extraction runs or model variance, into one record each.
//
// Two events are the same when title, start, end, all-day flag and source
// URL agree after normalization, and their locations agree or at least one
// of them has none. The first event seen in a group is kept; later ones only
// fill its empty end, location and description.
package dedupe

import (
	"fmt"
	"net/url"
	"strings"

	"ezcal/internal/datetime"
	"ezcal/internal/model"
)

// sep joins key parts; it does not occur in extracted text.
const sep = "\x1f"

// Spaces collapses whitespace runs to one space and trims.
func Spaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func text(s string) string {
	return strings.ToLower(Spaces(s))
}

// SourceURL keys a URL on origin and path, lowercased. Strings that are not
// absolute URLs fall back to normalized text.
func SourceURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return text(raw)
	}
	host := u.Hostname()
	if port := u.Port(); port != "" && !defaultPort(u.Scheme, port) {
		host += ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Scheme + "://" + host + path)
}

func defaultPort(scheme, port string) bool {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return port == "80"
	case "https", "wss":
		return port == "443"
	}
	return false
}

// DateKey is the comparison form of a date value: canonical date or
// date-time when it parses, normalized text otherwise.
func DateKey(v string, allDay bool) string {
	if strings.TrimSpace(v) == "" {
		return ""
	}
	t, ok := datetime.ParseLoose(v)
	if !ok {
		return text(v)
	}
	return datetime.FormatKey(t, allDay)
}

// baseKey covers every key component except the location.
func baseKey(e model.Event) string {
	allDay := "0"
	if e.AllDay {
		allDay = "1"
	}
	return strings.Join([]string{
		text(e.Title),
		DateKey(e.Start, e.AllDay),
		DateKey(e.End, e.AllDay),
		allDay,
		SourceURL(e.SourceURL),
	}, sep)
}

// Key is the canonical key of e.
func Key(e model.Event) string {
	allDay := "0"
	if e.AllDay {
		allDay = "1"
	}
	return strings.Join([]string{
		text(e.Title),
		DateKey(e.Start, e.AllDay),
		DateKey(e.End, e.AllDay),
		allDay,
		text(e.Location),
		SourceURL(e.SourceURL),
	}, sep)
}

// Dedupe merges events that share a canonical key. Output order is the order
// in which each surviving event was first seen. The surviving record's
// start and end are rewritten to their canonical keys.
func Dedupe(events []model.Event) []model.Event {
	out := make([]model.Event, 0, len(events))
	groups := make(map[string][]int)

	for _, e := range events {
		bk := baseKey(e)
		loc := text(e.Location)

		merged := false
		for _, i := range groups[bk] {
			existing := text(out[i].Location)
			if loc != "" && existing != "" && loc != existing {
				continue
			}
			out[i] = fill(out[i], e)
			merged = true
			break
		}
		if merged {
			continue
		}

		groups[bk] = append(groups[bk], len(out))
		out = append(out, canonical(e))
	}
	return out
}

func canonical(e model.Event) model.Event {
	if k := DateKey(e.Start, e.AllDay); k != "" {
		e.Start = k
	}
	if k := DateKey(e.End, e.AllDay); k != "" {
		e.End = k
	}
	return e
}

// fill copies end, location and description from later into base where
// base has none. Nothing else on base changes.
func fill(base, later model.Event) model.Event {
	if strings.TrimSpace(base.End) == "" && strings.TrimSpace(later.End) != "" {
		base.End = later.End
		if k := DateKey(later.End, base.AllDay); k != "" {
			base.End = k
		}
	}
	if strings.TrimSpace(base.Location) == "" && strings.TrimSpace(later.Location) != "" {
		base.Location = later.Location
	}
	if strings.TrimSpace(base.Description) == "" && strings.TrimSpace(later.Description) != "" {
		base.Description = later.Description
	}
	return base
}

// Merge dedupes existing followed by incoming and renumbers the result
// "event_0", "event_1", ... so ids are unique within the merged list.
func Merge(existing, incoming []model.Event) []model.Event {
	all := make([]model.Event, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)

	merged := Dedupe(all)
	for i := range merged {
		merged[i].ID = fmt.Sprintf("event_%d", i)
	}
	return merged
}
