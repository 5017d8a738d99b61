package accrual

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payrules-engine/core"
)

// ProrationPolicy returns the share of a month's accrual an employee earns,
// between 0 and 1.
type ProrationPolicy interface {
	Fraction(emp core.Employee, month core.Period) decimal.Decimal
}

type ProrationFunc func(emp core.Employee, month core.Period) decimal.Decimal

func (f ProrationFunc) Fraction(emp core.Employee, month core.Period) decimal.Decimal {
	return f(emp, month)
}

var (
	// ActiveDays prorates by employed calendar days over days in the month.
	ActiveDays ProrationPolicy = ProrationFunc(ActiveDayFraction)

	// FullMonth grants the whole month for any employed day.
	FullMonth ProrationPolicy = ProrationFunc(func(emp core.Employee, month core.Period) decimal.Decimal {
		if emp.ActiveDuring(month) {
			return decimal.NewFromInt(1)
		}
		return decimal.Zero
	})

	// MidMonthCutoff is the semi-monthly convention: hired after the 15th or
	// terminated before it earns nothing for the month.
	MidMonthCutoff ProrationPolicy = ProrationFunc(midMonthCutoff)
)

const cutoffDay = 15

// ActiveDayFraction is employed days of the month / days in the month.
func ActiveDayFraction(emp core.Employee, month core.Period) decimal.Decimal {
	active := 0
	for _, day := range month.Days() {
		if emp.ActiveOn(day) {
			active++
		}
	}
	if active == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(active)).Div(decimal.NewFromInt(int64(month.DayCount())))
}

func midMonthCutoff(emp core.Employee, month core.Period) decimal.Decimal {
	if !emp.ActiveDuring(month) {
		return decimal.Zero
	}
	cutoff := time.Date(month.Start.Year(), month.Start.Month(), cutoffDay, 0, 0, 0, 0, time.UTC)
	if !emp.HireDate.IsZero() && core.DateOf(emp.HireDate).After(cutoff) {
		return decimal.Zero
	}
	if emp.TerminationDate != nil && core.DateOf(*emp.TerminationDate).Before(cutoff) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1)
}

// ProrationByName resolves a configured policy name.
func ProrationByName(name string) (ProrationPolicy, error) {
	switch name {
	case "", "active_days":
		return ActiveDays, nil
	case "full_month":
		return FullMonth, nil
	case "mid_month_cutoff":
		return MidMonthCutoff, nil
	}
	return nil, fmt.Errorf("unknown proration policy %q", name)
}
