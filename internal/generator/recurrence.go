package generator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Recurrence grammar, pinned deliberately strict:
//
//	daily
//	weekly:<dow>[,<dow>...]    three-letter lowercase day names (mon..sun)
//	monthly:<d>[,<d>...]       day numbers 1-31, clamped to month end
//	yearly                     anchor's month and day, clamped for leap years
//
// Anything else is rejected at validation and the event skipped.

type Freq int

const (
	FreqDaily Freq = iota
	FreqWeekly
	FreqMonthly
	FreqYearly
)

type Pattern struct {
	Freq      Freq
	Weekdays  []time.Weekday // weekly only, sorted, unique
	MonthDays []int          // monthly only, sorted, unique
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// ParsePattern parses a recurrence pattern string against the grammar above.
func ParsePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Pattern{}, fmt.Errorf("empty recurrence pattern")
	}

	switch {
	case s == "daily":
		return Pattern{Freq: FreqDaily}, nil

	case s == "yearly":
		return Pattern{Freq: FreqYearly}, nil

	case strings.HasPrefix(s, "weekly:"):
		args := strings.TrimPrefix(s, "weekly:")
		if args == "" {
			return Pattern{}, fmt.Errorf("weekly pattern requires day names")
		}
		seen := make(map[time.Weekday]bool)
		var days []time.Weekday
		for _, name := range strings.Split(args, ",") {
			wd, ok := weekdayNames[strings.TrimSpace(name)]
			if !ok {
				return Pattern{}, fmt.Errorf("invalid weekday %q", name)
			}
			if !seen[wd] {
				seen[wd] = true
				days = append(days, wd)
			}
		}
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		return Pattern{Freq: FreqWeekly, Weekdays: days}, nil

	case strings.HasPrefix(s, "monthly:"):
		args := strings.TrimPrefix(s, "monthly:")
		if args == "" {
			return Pattern{}, fmt.Errorf("monthly pattern requires day numbers")
		}
		seen := make(map[int]bool)
		var days []int
		for _, raw := range strings.Split(args, ",") {
			d, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || d < 1 || d > 31 {
				return Pattern{}, fmt.Errorf("invalid month day %q", raw)
			}
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
		sort.Ints(days)
		return Pattern{Freq: FreqMonthly, MonthDays: days}, nil

	default:
		return Pattern{}, fmt.Errorf("unrecognized recurrence pattern %q", s)
	}
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// matches reports whether date (a midnight UTC day) is an occurrence of
// the pattern. anchor is the template's first due date and fixes the
// month/day for yearly patterns.
func (p Pattern) matches(date, anchor time.Time) bool {
	switch p.Freq {
	case FreqDaily:
		return true

	case FreqWeekly:
		for _, wd := range p.Weekdays {
			if date.Weekday() == wd {
				return true
			}
		}
		return false

	case FreqMonthly:
		last := daysInMonth(date.Year(), date.Month())
		for _, d := range p.MonthDays {
			target := d
			if target > last {
				// monthly:31 falls on the 30th in a 30-day month,
				// and on Feb 28/29.
				target = last
			}
			if date.Day() == target {
				return true
			}
		}
		return false

	case FreqYearly:
		if date.Month() != anchor.Month() {
			return false
		}
		target := anchor.Day()
		if last := daysInMonth(date.Year(), date.Month()); target > last {
			// Feb 29 anchors fall on Feb 28 outside leap years.
			target = last
		}
		return date.Day() == target
	}
	return false
}

// OccurrencesWithin returns every occurrence date from the day of `from`
// through the day of `to`, inclusive, as midnight UTC days. The scan
// window is short so a day walk is fine; the existence check makes
// overlapping windows idempotent.
func (p Pattern) OccurrencesWithin(from, to, anchor time.Time) []time.Time {
	var out []time.Time
	day := midnightUTC(from)
	end := midnightUTC(to)
	for !day.After(end) {
		if p.matches(day, anchor) {
			out = append(out, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// NextAfter returns the first occurrence strictly after t.
func (p Pattern) NextAfter(t, anchor time.Time) time.Time {
	day := midnightUTC(t).AddDate(0, 0, 1)
	// Yearly is the sparsest pattern; two years bounds the search.
	limit := day.AddDate(2, 0, 1)
	for day.Before(limit) {
		if p.matches(day, anchor) {
			return day
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
