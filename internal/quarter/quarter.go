package quarter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleet-patch-backend/config"
)

// MonthDay is a recurring calendar date within a year.
type MonthDay struct {
	Month time.Month
	Day   int
}

// At resolves the MonthDay to midnight of the given year in loc.
func (md MonthDay) At(year int, loc *time.Location) time.Time {
	return time.Date(year, md.Month, md.Day, 0, 0, 0, 0, loc)
}

// ClockTime is a recurring time of day.
type ClockTime struct {
	Hour, Minute int
}

// FreezeSpan is a recurring weekly span during which non-administrator
// schedule edits are rejected. The span may wrap over the weekend
// (e.g. Friday 17:00 through Monday 08:00).
type FreezeSpan struct {
	StartWeekday time.Weekday
	Start        ClockTime
	EndWeekday   time.Weekday
	End          ClockTime
}

// Contains reports whether t falls inside the weekly span.
func (f FreezeSpan) Contains(t time.Time) bool {
	// Minutes since the start of the week (Sunday 00:00).
	minuteOfWeek := func(wd time.Weekday, c ClockTime) int {
		return int(wd)*24*60 + c.Hour*60 + c.Minute
	}
	now := minuteOfWeek(t.Weekday(), ClockTime{t.Hour(), t.Minute()})
	start := minuteOfWeek(f.StartWeekday, f.Start)
	end := minuteOfWeek(f.EndWeekday, f.End)
	if start <= end {
		return now >= start && now < end
	}
	// Span wraps around the end of the week.
	return now >= start || now < end
}

// Quarter is one of the four fixed patching periods, parsed from config.
type Quarter struct {
	ID                 string
	Start              MonthDay
	End                MonthDay
	ApprovalDeadline   MonthDay
	EscalationNotice   MonthDay
	EscalationDeadline MonthDay
	FallbackWeekday    time.Weekday
	FallbackTime       ClockTime
	Freeze             FreezeSpan
}

// Fallback returns the quarter's default patch slot for the given cycle
// year: the first occurrence of the fallback weekday strictly after the
// final escalation deadline, at the fallback time of day.
func (q Quarter) Fallback(year int, loc *time.Location) time.Time {
	d := q.EscalationDeadline.At(year, loc).AddDate(0, 0, 1)
	for d.Weekday() != q.FallbackWeekday {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), q.FallbackTime.Hour, q.FallbackTime.Minute, 0, 0, loc)
}

// Contains reports whether t falls within the quarter's calendar window.
func (q Quarter) Contains(t time.Time) bool {
	start := q.Start.At(t.Year(), t.Location())
	end := q.End.At(t.Year(), t.Location()).AddDate(0, 0, 1)
	return !t.Before(start) && t.Before(end)
}

// Calendar holds the four parsed quarters.
type Calendar struct {
	quarters map[string]Quarter
	loc      *time.Location
}

// NewCalendar parses the configured quarter definitions. The location is
// used to resolve deadline dates and fallback slots.
func NewCalendar(cfgs map[string]config.QuarterConfig, loc *time.Location) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	quarters := make(map[string]Quarter, len(cfgs))
	for id, qc := range cfgs {
		q, err := parseQuarter(id, qc)
		if err != nil {
			return nil, fmt.Errorf("quarter %s: %w", id, err)
		}
		quarters[id] = q
	}
	return &Calendar{quarters: quarters, loc: loc}, nil
}

// Location returns the calendar's reference location.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// ByID returns the quarter with the given ID.
func (c *Calendar) ByID(id string) (Quarter, bool) {
	q, ok := c.quarters[id]
	return q, ok
}

// Current returns the quarter containing now.
func (c *Calendar) Current(now time.Time) (Quarter, bool) {
	t := now.In(c.loc)
	for _, q := range c.quarters {
		if q.Contains(t) {
			return q, true
		}
	}
	return Quarter{}, false
}

// IDs returns the quarter IDs in lexical order.
func (c *Calendar) IDs() []string {
	ids := make([]string, 0, len(c.quarters))
	for id := range c.quarters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeadlineTimes resolves the quarter's three escalation timestamps for a
// cycle year, in calendar order: approval deadline, escalation notice,
// escalation deadline.
func (c *Calendar) DeadlineTimes(q Quarter, year int) (approval, notice, deadline time.Time) {
	return q.ApprovalDeadline.At(year, c.loc),
		q.EscalationNotice.At(year, c.loc),
		q.EscalationDeadline.At(year, c.loc)
}

func parseQuarter(id string, qc config.QuarterConfig) (Quarter, error) {
	q := Quarter{ID: id}
	var err error
	if q.Start, err = ParseMonthDay(qc.Start); err != nil {
		return q, fmt.Errorf("start: %w", err)
	}
	if q.End, err = ParseMonthDay(qc.End); err != nil {
		return q, fmt.Errorf("end: %w", err)
	}
	// Cycles are keyed by calendar year, so a window cannot span the year
	// boundary.
	if q.End.Month < q.Start.Month || (q.End.Month == q.Start.Month && q.End.Day < q.Start.Day) {
		return q, fmt.Errorf("window %s to %s wraps the year boundary", qc.Start, qc.End)
	}
	if q.ApprovalDeadline, err = ParseMonthDay(qc.ApprovalDeadline); err != nil {
		return q, fmt.Errorf("approval_deadline: %w", err)
	}
	if q.EscalationNotice, err = ParseMonthDay(qc.EscalationNotice); err != nil {
		return q, fmt.Errorf("escalation_notice: %w", err)
	}
	if q.EscalationDeadline, err = ParseMonthDay(qc.EscalationDeadline); err != nil {
		return q, fmt.Errorf("escalation_deadline: %w", err)
	}
	if q.FallbackWeekday, err = ParseWeekday(qc.FallbackWeekday); err != nil {
		return q, fmt.Errorf("fallback_weekday: %w", err)
	}
	if q.FallbackTime, err = ParseClockTime(qc.FallbackTime); err != nil {
		return q, fmt.Errorf("fallback_time: %w", err)
	}
	if q.Freeze, err = parseFreeze(qc.Freeze); err != nil {
		return q, fmt.Errorf("freeze: %w", err)
	}
	return q, nil
}

func parseFreeze(fc config.FreezeWindow) (FreezeSpan, error) {
	var f FreezeSpan
	var err error
	if f.StartWeekday, err = ParseWeekday(fc.StartWeekday); err != nil {
		return f, err
	}
	if f.Start, err = ParseClockTime(fc.StartTime); err != nil {
		return f, err
	}
	if f.EndWeekday, err = ParseWeekday(fc.EndWeekday); err != nil {
		return f, err
	}
	if f.End, err = ParseClockTime(fc.EndTime); err != nil {
		return f, err
	}
	return f, nil
}

// ParseMonthDay parses a recurring "MM-DD" date.
func ParseMonthDay(s string) (MonthDay, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return MonthDay{}, fmt.Errorf("invalid date %q, want MM-DD", s)
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return MonthDay{}, fmt.Errorf("invalid month in %q", s)
	}
	day, err := strconv.Atoi(parts[1])
	if err != nil || day < 1 || day > 31 {
		return MonthDay{}, fmt.Errorf("invalid day in %q", s)
	}
	return MonthDay{Month: time.Month(month), Day: day}, nil
}

// ParseClockTime parses an "HH:MM" time of day.
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

// ParseWeekday parses an English weekday name.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", s)
}
