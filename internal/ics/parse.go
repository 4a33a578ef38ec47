package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "ezcal/internal/log"
)

// ParsedEvent is one VEVENT as read from a calendar file. Recurrence is
// recorded but not expanded; see Expand.
type ParsedEvent struct {
	// Origin is the file path or URL the calendar came from.
	Origin string

	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	URL         string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, when this VEVENT overrides one instance
	IsOverride bool
}

// Parse reads every VEVENT in body. Events that cannot be read are logged
// and skipped.
func Parse(origin string, body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("ics: empty calendar body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(origin, comp)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "origin", appLog.RedactURL(origin), "err", perr)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "origin", appLog.RedactURL(origin), "event_count", len(events))
	return events, nil
}

func parseVEvent(origin string, ve *ical.VEvent) (ParsedEvent, error) {
	out := ParsedEvent{Origin: origin}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	out.Summary = text(ve, ical.ComponentPropertySummary)
	out.Description = text(ve, ical.ComponentPropertyDescription)
	out.Location = text(ve, ical.ComponentPropertyLocation)
	out.URL = text(ve, ical.ComponentPropertyUrl)

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.Start = start
	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	}

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if vs, ok := dtStart.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.AllDay = true
		}
	}
	if out.End.IsZero() || !out.End.After(out.Start) {
		if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, out.Start.Location()); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if t, err := parseICSTime(p.Value, out.Start.Location()); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

func text(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

// parseICSTime parses DATE and DATE-TIME values without parameter context.
// Floating values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
