// Package timeparse turns free-form reminder time phrases into absolute
// instants. It is pure: the reference time and timezone always come from
// the caller, never from the system clock.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a resolution failure.
type Kind int

const (
	Unparseable Kind = iota
	InvalidOffset
	PastDate
)

func (k Kind) String() string {
	switch k {
	case InvalidOffset:
		return "invalid offset"
	case PastDate:
		return "past date"
	default:
		return "unparseable"
	}
}

// ResolutionError describes why a phrase could not be resolved.
type ResolutionError struct {
	Kind  Kind
	Input string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Input, e.Kind)
}

// Confidence tells whether a disambiguation rule had to be applied.
type Confidence int

const (
	Exact Confidence = iota
	Inferred
)

// Resolved is the outcome of a successful resolution.
type Resolved struct {
	DueAt      time.Time     // UTC
	Recurrence time.Duration // 0 means single-fire
	Confidence Confidence
}

// Hour of day used when a phrase names a day but no clock time.
const defaultHour = 9

var units = []struct {
	prefixes []string
	d        time.Duration
}{
	{[]string{"sec", "сек"}, time.Second},
	{[]string{"min", "мин"}, time.Minute},
	{[]string{"hour", "час"}, time.Hour},
	{[]string{"day", "день", "дня", "дней", "ден"}, 24 * time.Hour},
	{[]string{"week", "недел"}, 7 * 24 * time.Hour},
}

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "mon": time.Monday, "понедельник": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "вторник": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "среда": time.Wednesday, "среду": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "четверг": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "пятница": time.Friday, "пятницу": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "суббота": time.Saturday, "субботу": time.Saturday,
	"sunday": time.Sunday, "sun": time.Sunday, "воскресенье": time.Sunday,
}

var (
	clockRe   = regexp.MustCompile(`^(?:(today|tomorrow|сегодня|завтра)\s+)?(?:(?:at|в)\s+)?(\d{1,2}):(\d{2})(?:\s+(today|tomorrow|сегодня|завтра))?$`)
	weekdayRe = regexp.MustCompile(`^(?:next|в следующ(?:ий|ую|ее))\s+([\pL]+)(?:\s+(?:at|в)\s+(\d{1,2}):(\d{2}))?$`)
	dateRe    = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})(?:\.(\d{4}))?(?:\s+(?:(?:at|в)\s+)?(\d{1,2}):(\d{2}))?$`)
)

// Resolve parses text against the supported pattern families, in fixed
// priority order: recurring interval, relative offset, clock time, weekday
// reference, fixed date. The first family whose grammar matches wins.
//
// The returned instant is converted to UTC and is strictly after now.
func Resolve(text string, now time.Time, loc *time.Location) (Resolved, error) {
	raw := text
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	if text == "" {
		return Resolved{}, &ResolutionError{Kind: Unparseable, Input: raw}
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var (
		res     Resolved
		matched bool
		err     error
	)
	switch {
	case hasAnyPrefix(text, "every ", "каждые ", "каждый ", "каждую "):
		res, err = parseRecurring(text, now)
		matched = true
	case hasAnyPrefix(text, "in ", "через "):
		res, err = parseRelative(text, now)
		matched = true
	case clockRe.MatchString(text):
		res, err = parseClock(clockRe.FindStringSubmatch(text), local)
		matched = true
	case weekdayRe.MatchString(text):
		res, err = parseWeekday(weekdayRe.FindStringSubmatch(text), local)
		matched = true
	case dateRe.MatchString(text):
		res, err = parseDate(dateRe.FindStringSubmatch(text), local)
		matched = true
	}
	if !matched {
		return Resolved{}, &ResolutionError{Kind: Unparseable, Input: raw}
	}
	if err != nil {
		if re, ok := err.(*ResolutionError); ok {
			re.Input = raw
		}
		return Resolved{}, err
	}
	if !res.DueAt.After(now) {
		return Resolved{}, &ResolutionError{Kind: PastDate, Input: raw}
	}
	res.DueAt = res.DueAt.UTC()
	return res, nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// parseOffset handles the shared "N <unit>" tail of relative and recurring
// phrases.
func parseOffset(fields []string) (time.Duration, error) {
	if len(fields) != 2 {
		return 0, &ResolutionError{Kind: InvalidOffset}
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, &ResolutionError{Kind: InvalidOffset}
	}
	unit := fields[1]
	for _, u := range units {
		for _, p := range u.prefixes {
			if strings.HasPrefix(unit, p) {
				return time.Duration(n) * u.d, nil
			}
		}
	}
	return 0, &ResolutionError{Kind: InvalidOffset}
}

func parseRelative(text string, now time.Time) (Resolved, error) {
	fields := strings.Fields(text)
	d, err := parseOffset(fields[1:])
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{DueAt: now.Add(d), Confidence: Exact}, nil
}

func parseRecurring(text string, now time.Time) (Resolved, error) {
	fields := strings.Fields(text)
	d, err := parseOffset(fields[1:])
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{DueAt: now.Add(d), Recurrence: d, Confidence: Exact}, nil
}

func parseHHMM(hs, ms string) (int, int, error) {
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, &ResolutionError{Kind: Unparseable}
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, &ResolutionError{Kind: Unparseable}
	}
	return h, m, nil
}

func parseClock(m []string, local time.Time) (Resolved, error) {
	h, min, err := parseHHMM(m[2], m[3])
	if err != nil {
		return Resolved{}, err
	}
	qualifier := m[1]
	if qualifier == "" {
		qualifier = m[4]
	}

	due := time.Date(local.Year(), local.Month(), local.Day(), h, min, 0, 0, local.Location())
	switch qualifier {
	case "tomorrow", "завтра":
		return Resolved{DueAt: due.AddDate(0, 0, 1), Confidence: Exact}, nil
	case "today", "сегодня":
		// No rolling: an already-passed time today is the caller's mistake.
		if !due.After(local) {
			return Resolved{}, &ResolutionError{Kind: PastDate}
		}
		return Resolved{DueAt: due, Confidence: Exact}, nil
	}
	// No qualifier: a time already passed today means tomorrow.
	if !due.After(local) {
		return Resolved{DueAt: due.AddDate(0, 0, 1), Confidence: Inferred}, nil
	}
	return Resolved{DueAt: due, Confidence: Exact}, nil
}

func parseWeekday(m []string, local time.Time) (Resolved, error) {
	target, ok := weekdays[m[1]]
	if !ok {
		return Resolved{}, &ResolutionError{Kind: Unparseable}
	}
	h, min := defaultHour, 0
	hasTime := m[2] != ""
	if hasTime {
		var err error
		h, min, err = parseHHMM(m[2], m[3])
		if err != nil {
			return Resolved{}, err
		}
	}

	ahead := (int(target) - int(local.Weekday()) + 7) % 7
	due := time.Date(local.Year(), local.Month(), local.Day(), h, min, 0, 0, local.Location()).AddDate(0, 0, ahead)
	conf := Exact
	if !hasTime {
		conf = Inferred
	}
	// Same weekday with the time already behind us means next week.
	if !due.After(local) {
		due = due.AddDate(0, 0, 7)
		conf = Inferred
	}
	return Resolved{DueAt: due, Confidence: conf}, nil
}

func parseDate(m []string, local time.Time) (Resolved, error) {
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return Resolved{}, &ResolutionError{Kind: Unparseable}
	}
	h, min := defaultHour, 0
	if m[4] != "" {
		var err error
		h, min, err = parseHHMM(m[4], m[5])
		if err != nil {
			return Resolved{}, err
		}
	}

	if m[3] != "" {
		year, _ := strconv.Atoi(m[3])
		due := time.Date(year, time.Month(month), day, h, min, 0, 0, local.Location())
		if due.Day() != day {
			return Resolved{}, &ResolutionError{Kind: Unparseable}
		}
		if !due.After(local) {
			return Resolved{}, &ResolutionError{Kind: PastDate}
		}
		return Resolved{DueAt: due, Confidence: Exact}, nil
	}

	due := time.Date(local.Year(), time.Month(month), day, h, min, 0, 0, local.Location())
	if due.Day() != day {
		return Resolved{}, &ResolutionError{Kind: Unparseable}
	}
	conf := Exact
	if m[4] == "" {
		conf = Inferred
	}
	// Year omitted and the date already behind us: next year.
	if !due.After(local) {
		due = due.AddDate(1, 0, 0)
		conf = Inferred
	}
	return Resolved{DueAt: due, Confidence: conf}, nil
}
