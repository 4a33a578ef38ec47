// Package datetime turns the loosely formatted dates a language model
// produces into the canonical "YYYY-MM-DD" / "YYYY-MM-DDTHH:MM" strings
// stored on events, and parses them back into time values for comparison.
package datetime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04"
)

// Location is the local zone. Values without an offset are read in it and
// values with one are converted to it.
var Location = time.Local

var (
	// D/M/YYYY, D-M-YYYY, D.M.YYYY with an optional " H:MM" or "TH:MM".
	dmyPattern = regexp.MustCompile(`^(\d{1,2})[./-](\d{1,2})[./-](\d{4})(?:[ T](\d{1,2}):(\d{2}))?$`)
	// YYYY-M-D with an optional " H:MM" or "TH:MM".
	ymdPattern = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})(?:[ T](\d{1,2}):(\d{2}))?$`)

	looseYMD = regexp.MustCompile(`^(\d{4})[./-](\d{1,2})[./-](\d{1,2})(?:(?:\s+|\s*T\s*)(\d{1,2}):(\d{2})(?::\d{2})?)?$`)
	looseDMY = regexp.MustCompile(`^(\d{1,2})[./-](\d{1,2})[./-](\d{4})(?:(?:\s+|\s*T\s*)(\d{1,2}):(\d{2})(?::\d{2})?)?$`)
)

// Normalize returns the canonical form of raw. Inputs that match no known
// layout and cannot be parsed loosely are returned trimmed but otherwise
// unchanged; Normalize never fails.
func Normalize(raw string) string {
	s := strings.TrimSpace(strings.ReplaceAll(raw, " ", " "))
	if s == "" {
		return ""
	}

	if m := dmyPattern.FindStringSubmatch(s); m != nil {
		if out, ok := fromParts(m[3], m[2], m[1], m[4], m[5]); ok {
			return out
		}
	}
	if m := ymdPattern.FindStringSubmatch(s); m != nil {
		if out, ok := fromParts(m[1], m[2], m[3], m[4], m[5]); ok {
			return out
		}
	}

	t, err := dateparse.ParseIn(s, Location)
	if err != nil {
		return s
	}
	t = t.In(Location)
	if t.Hour() == 0 && t.Minute() == 0 && !strings.Contains(s, ":") {
		return t.Format(dateLayout)
	}
	return t.Format(dateTimeLayout)
}

// fromParts formats already-split components. The time part is emitted only
// when the input carried one, even when it is midnight.
func fromParts(year, month, day, hour, minute string) (string, bool) {
	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	hasTime := hour != "" && minute != ""
	hh, mm := 0, 0
	if hasTime {
		hh, _ = strconv.Atoi(hour)
		mm, _ = strconv.Atoi(minute)
	}
	if !valid(y, mo, d, hh, mm) {
		return "", false
	}
	if hasTime {
		return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d", y, mo, d, hh, mm), true
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, mo, d), true
}

func valid(y, mo, d, hh, mm int) bool {
	if mo < 1 || mo > 12 || d < 1 || hh > 23 || mm > 59 {
		return false
	}
	t := time.Date(y, time.Month(mo), d, hh, mm, 0, 0, time.UTC)
	return t.Day() == d && int(t.Month()) == mo
}

// ParseLoose parses raw into a point in time for comparison only. It accepts
// "/", "-" and "." separators in both year-first and day-first order (a
// four-digit first group means year-first) plus an optional H:MM suffix, and
// falls back to a generic parser. ok is false when nothing matched.
func ParseLoose(raw string) (time.Time, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, " ", " "))
	if s == "" {
		return time.Time{}, false
	}

	if m := looseYMD.FindStringSubmatch(s); m != nil {
		return fromMatch(m[1], m[2], m[3], m[4], m[5])
	}
	if m := looseDMY.FindStringSubmatch(s); m != nil {
		return fromMatch(m[3], m[2], m[1], m[4], m[5])
	}

	t, err := dateparse.ParseIn(s, Location)
	if err != nil {
		return time.Time{}, false
	}
	return t.In(Location), true
}

func fromMatch(year, month, day, hour, minute string) (time.Time, bool) {
	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	hh, mm := 0, 0
	if hour != "" {
		hh, _ = strconv.Atoi(hour)
		mm, _ = strconv.Atoi(minute)
	}
	if !valid(y, mo, d, hh, mm) {
		return time.Time{}, false
	}
	return time.Date(y, time.Month(mo), d, hh, mm, 0, 0, Location), true
}

// FormatKey renders t at date granularity for all-day values and at minute
// granularity otherwise, using t's own wall clock.
func FormatKey(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(dateLayout)
	}
	return t.Format(dateTimeLayout)
}
