package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"ezcal/internal/datetime"
	appLog "ezcal/internal/log"
	"ezcal/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// DisplayLocation is the zone occurrences are converted to. If nil,
	// datetime.Location is used.
	DisplayLocation *time.Location

	// RangeStart and RangeEnd bound the occurrences kept, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of a (possibly recurring) event.
type Occurrence struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string
	AllDay      bool
	Start       time.Time
	End         time.Time
}

// ExpandResult holds the occurrences, sorted by start, and the UIDs that
// hit the occurrence cap.
type ExpandResult struct {
	Occurrences     []Occurrence
	TruncatedEvents []string
}

// Expand turns parsed events into occurrences within the configured range.
// It handles RRULE recurrence, EXDATE exclusions and RECURRENCE-ID
// overrides.
func Expand(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("ics: range end is before range start")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = datetime.Location
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	for _, uid := range uids {
		truncated := false
		for _, ev := range baseByUID[uid] {
			occ, hitCap := expandEvent(ev, overridesByUID[uid], cfg)
			truncated = truncated || hitCap
			result.Occurrences = append(result.Occurrences, occ...)
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("ics occurrences truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
		}
	}

	sort.SliceStable(result.Occurrences, func(i, j int) bool {
		return result.Occurrences[i].Start.Before(result.Occurrences[j].Start)
	})
	return result, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
			return nil, false
		}
		return []Occurrence{makeOccurrence(ev, ev.Start, ev.End, cfg.DisplayLocation)}, false
	}
	return expandRecurring(ev, overrides, cfg)
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Warn("ics rrule rejected", "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	times := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(times))
	for _, start := range times {
		base, s, e := ev, start, start.Add(dur)
		if o, ok := findOverride(overrides, start); ok {
			base, s, e = o, o.Start, o.End
		}
		out = append(out, makeOccurrence(base, s, e, cfg.DisplayLocation))
	}
	return out, hitCap
}

func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// makeOccurrence converts to displayLoc. All-day values keep their calendar
// date instead, since midnight in one zone is another day elsewhere.
func makeOccurrence(ev ParsedEvent, start, end time.Time, displayLoc *time.Location) Occurrence {
	occ := Occurrence{
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		URL:         ev.URL,
		AllDay:      ev.AllDay,
	}
	if ev.AllDay {
		occ.Start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, displayLoc)
		occ.End = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, displayLoc)
	} else {
		occ.Start = start.In(displayLoc)
		occ.End = end.In(displayLoc)
	}
	return occ
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}

// ToEvents converts occurrences to event records. The record's source URL
// is the event's own URL when it has one, otherwise origin. All-day end
// dates are exclusive in calendar files and inclusive on records, and are
// dropped for single-day events.
func ToEvents(occs []Occurrence, origin string) []model.Event {
	events := make([]model.Event, 0, len(occs))
	for _, o := range occs {
		if o.Summary == "" {
			continue
		}
		e := model.Event{
			ID:          fmt.Sprintf("event_%d", len(events)),
			Title:       o.Summary,
			Start:       datetime.FormatKey(o.Start, o.AllDay),
			Location:    o.Location,
			AllDay:      o.AllDay,
			SourceURL:   o.URL,
			Description: o.Description,
		}
		if e.SourceURL == "" {
			e.SourceURL = origin
		}
		if o.AllDay {
			if last := o.End.AddDate(0, 0, -1); last.After(o.Start) {
				e.End = datetime.FormatKey(last, true)
			}
		} else if o.End.After(o.Start) {
			e.End = datetime.FormatKey(o.End, false)
		}
		events = append(events, e)
	}
	return events
}

// Events parses body and returns its occurrences within cfg's range as
// event records.
func Events(origin string, body []byte, cfg ExpandConfig) ([]model.Event, error) {
	parsed, err := Parse(origin, body)
	if err != nil {
		return nil, fmt.Errorf("ics: parse %s: %w", appLog.RedactURL(origin), err)
	}
	res, err := Expand(parsed, cfg)
	if err != nil {
		return nil, err
	}
	return ToEvents(res.Occurrences, origin), nil
}
