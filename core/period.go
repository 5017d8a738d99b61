package core

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - The target window of a job run
// =============================================================================

// Period is an inclusive range of civil dates. Both ends are normalised to
// midnight UTC so they compare and format the same in every store.
//
// Examples:
//   - Calendar month March 2025: Mar 1 - Mar 31 (key "2025-03")
//   - Pay week: Mon Mar 3 - Sun Mar 9 (key "2025-03-03..2025-03-09")
type Period struct {
	Start time.Time
	End   time.Time
}

const dateLayout = "2006-01-02"

// DateOf returns the civil date of t (in t's own location) as midnight UTC.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewPeriod builds a period from two dates. It fails if end is before start.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: DateOf(start), End: DateOf(end)}
	if p.End.Before(p.Start) {
		return Period{}, ErrInvalidPeriod
	}
	return p, nil
}

func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

func DaysInMonth(year int, month time.Month) int {
	return MonthPeriod(year, month).DayCount()
}

// Contains reports whether the date of t falls within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Days returns every date of the period in order.
func (p Period) Days() []time.Time {
	var days []time.Time
	for d := p.Start; !d.After(p.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (p Period) DayCount() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

// IsCalendarMonth reports whether the period covers exactly one calendar month.
func (p Period) IsCalendarMonth() bool {
	return p == MonthPeriod(p.Start.Year(), p.Start.Month())
}

// Year is the year the period ends in. Accrual balances are kept per year.
func (p Period) Year() int {
	return p.End.Year()
}

// Key is the stable identifier used in unique constraints and idempotency keys.
func (p Period) Key() string {
	if p.IsCalendarMonth() {
		return p.Start.Format("2006-01")
	}
	return p.Start.Format(dateLayout) + ".." + p.End.Format(dateLayout)
}

func (p Period) String() string {
	return "[" + p.Start.Format(dateLayout) + ", " + p.End.Format(dateLayout) + "]"
}

// ParsePeriod accepts a month ("2025-03"), a single day ("2025-03-14") or a
// range ("2025-03-03..2025-03-09").
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	if from, to, ok := strings.Cut(s, ".."); ok {
		start, err := time.Parse(dateLayout, from)
		if err != nil {
			return Period{}, fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
		}
		end, err := time.Parse(dateLayout, to)
		if err != nil {
			return Period{}, fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
		}
		return NewPeriod(start, end)
	}
	if m, err := time.Parse("2006-01", s); err == nil {
		return MonthPeriod(m.Year(), m.Month()), nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return Period{Start: d, End: d}, nil
}

// =============================================================================
// RELATIVE PERIODS - Used by timers to pick a run's target period
// =============================================================================

// StartOfWeek returns the date of the most recent weekStart on or before day.
func StartOfWeek(day time.Time, weekStart time.Weekday) time.Time {
	d := DateOf(day)
	shift := (int(d.Weekday()) - int(weekStart) + 7) % 7
	return d.AddDate(0, 0, -shift)
}

// ResolvePeriod turns a relative period name into a concrete period around now.
func ResolvePeriod(name string, now time.Time, weekStart time.Weekday) (Period, error) {
	today := DateOf(now)
	switch name {
	case "previous_month":
		prev := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		return MonthPeriod(prev.Year(), prev.Month()), nil
	case "current_month":
		return MonthPeriod(today.Year(), today.Month()), nil
	case "previous_week":
		start := StartOfWeek(today, weekStart).AddDate(0, 0, -7)
		return Period{Start: start, End: start.AddDate(0, 0, 6)}, nil
	case "current_week":
		start := StartOfWeek(today, weekStart)
		return Period{Start: start, End: start.AddDate(0, 0, 6)}, nil
	case "yesterday":
		y := today.AddDate(0, 0, -1)
		return Period{Start: y, End: y}, nil
	case "today":
		return Period{Start: today, End: today}, nil
	default:
		return Period{}, fmt.Errorf("%w: unknown relative period %q", ErrInvalidPeriod, name)
	}
}
