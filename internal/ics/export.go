package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"ezcal/internal/datetime"
	"ezcal/internal/dedupe"
	appLog "ezcal/internal/log"
	"ezcal/internal/model"
)

const ProductID = "-//EzCal//EN"

// uidNamespace scopes the name-based UIDs of exported events.
var uidNamespace = uuid.MustParse("6f1c9a53-8a0e-4f7c-9d2b-3e5b1f0a7c21")

// Export renders events as a VCALENDAR. Wall-clock values are read in loc
// and written as UTC. Events whose start cannot be read are skipped. UIDs
// are derived from the canonical event key, so re-exporting the same event
// yields the same UID.
func Export(events []model.Event, loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = datetime.Location
	}

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	cal.SetMethod(ical.MethodPublish)

	for _, e := range events {
		start, ok := wallClock(e.Start, loc)
		if !ok {
			appLog.Warn("ics export skipped event", "id", e.ID, "start", e.Start)
			continue
		}

		uid := uuid.NewSHA1(uidNamespace, []byte(dedupe.Key(e))).String() + "@ezcal"
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(now)
		ev.SetSummary(e.Title)
		ev.SetStartAt(start)
		if end, ok := wallClock(e.End, loc); ok {
			ev.SetEndAt(end)
		}
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}
		if e.SourceURL != "" {
			ev.SetURL(e.SourceURL)
		}
		if e.Description != "" {
			ev.SetDescription(e.Description)
		}
	}

	return cal.Serialize()
}

// wallClock parses v and places its wall-clock fields in loc.
func wallClock(v string, loc *time.Location) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, ok := datetime.ParseLoose(v)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
}
