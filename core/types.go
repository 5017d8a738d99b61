/*
Package core provides the data model shared by every part of the pay rules engine.

PURPOSE:
  This package contains the domain types, error taxonomy and storage
  interfaces that the rule evaluator, overtime detector, accrual processor
  and automation scheduler are built on. It holds no computation beyond
  small helpers on the types themselves.

KEY CONCEPTS IN THIS FILE (types.go):
  - PayCode:  category label for hours/amounts (regular, premium, absence)
  - PayRule:  conditions + calculation directive deciding how hours are priced
  - TimeEntry / Employee / LeaveBalance: collaborator records, read-only here
  - AccrualTransaction / PayLine: records the engine writes, immutable once posted
  - Segment:  a slice of one time entry carrying a single hour classification

DESIGN PRINCIPLES:
  1. Precision: hours, rates and amounts are decimal.Decimal, never float64
  2. Type Safety: distinct ID types for employees, rules, pay codes and runs
  3. Auditability: every posted record carries run id, reason and rule trail

SEE ALSO:
  - run.go: JobRun state machine
  - errors.go: error taxonomy
  - store.go: storage and collaborator interfaces
*/
package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type PayCodeID string
type RuleID string
type LeaveTypeID string
type EntryID string
type RunID string
type TransactionID string

// RegularPayCode is assigned to hours whose entry carries no pay code.
const RegularPayCode PayCodeID = "REG"

// NormalizePayCode upper-cases and trims a pay code identifier.
func NormalizePayCode(code string) PayCodeID {
	return PayCodeID(strings.ToUpper(strings.TrimSpace(code)))
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// DefaultCurrencyScale is the number of decimal places of the smallest currency unit.
const DefaultCurrencyScale int32 = 2

// DefaultAccrualScale is the precision accrual deltas are rounded to.
const DefaultAccrualScale int32 = 4

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundMoney rounds half-to-even at the given scale.
func RoundMoney(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.RoundBank(scale)
}

func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// =============================================================================
// PAY CODES
// =============================================================================

type PayCodeCategory string

const (
	CategoryRegular PayCodeCategory = "regular"
	CategoryPremium PayCodeCategory = "premium"
	CategoryAbsence PayCodeCategory = "absence"
)

type RateType string

const (
	RateHourly   RateType = "hourly"
	RateSalaried RateType = "salaried"
	RateFixed    RateType = "fixed" // amount is the rate itself, hours are informational
)

// PayCode is immutable once a posted line references it. A changed code is
// published under a new ID.
type PayCode struct {
	ID         PayCodeID
	Label      string
	Category   PayCodeCategory
	RateType   RateType
	Multiplier decimal.Decimal
	Active     bool
	Version    int

	IsPaid         bool
	MaxHoursPerDay decimal.Decimal // zero means unlimited
}

// =============================================================================
// PAY RULES
// =============================================================================

// HourClass is the overtime classification a segment of hours carries.
type HourClass string

const (
	HourRegular        HourClass = "regular"
	HourDailyOvertime  HourClass = "daily_overtime"
	HourWeeklyOvertime HourClass = "weekly_overtime"
	HourDoubleTime     HourClass = "double_time"
	HourConsecutiveDay HourClass = "consecutive_day"
)

// TimeOfDay is a [From, To) range in minutes after midnight.
// From > To wraps past midnight (22:00-06:00).
type TimeOfDay struct {
	FromMinute int
	ToMinute   int
}

func (t TimeOfDay) Contains(minute int) bool {
	if t.FromMinute == t.ToMinute {
		return true
	}
	if t.FromMinute < t.ToMinute {
		return minute >= t.FromMinute && minute < t.ToMinute
	}
	return minute >= t.FromMinute || minute < t.ToMinute
}

// Conditions are ANDed together. An empty field matches everything.
type Conditions struct {
	TimeOfDay   *TimeOfDay
	Weekdays    []time.Weekday
	Departments []string
	Roles       []string
	PayCodes    []PayCodeID
	HourClasses []HourClass
}

type DirectiveKind string

const (
	DirectiveFlat    DirectiveKind = "flat"
	DirectiveTiered  DirectiveKind = "tiered"
	DirectiveFormula DirectiveKind = "formula"
)

// ConflictPolicy declares how a rule combines with the working rate.
type ConflictPolicy string

const (
	PolicyReplace ConflictPolicy = "replace" // base rate rules
	PolicyStack   ConflictPolicy = "stack"   // premium multipliers
)

// Tier covers hours of an entry up to UpTo (nil = unbounded), measured from
// the start of the entry.
type Tier struct {
	UpTo       *decimal.Decimal
	Multiplier decimal.Decimal
	PayCode    PayCodeID
}

type Directive struct {
	Kind   DirectiveKind
	Policy ConflictPolicy

	// Rate is an explicit base rate for replace rules. Nil uses the
	// employee's hourly rate.
	Rate       *decimal.Decimal
	Multiplier decimal.Decimal
	Tiers      []Tier

	Formula string
	Params  map[string]any

	OutputPayCode PayCodeID
}

type ThresholdWindow string

const (
	WindowDay             ThresholdWindow = "day"
	WindowWeek            ThresholdWindow = "week"
	WindowConsecutiveDays ThresholdWindow = "consecutive_days"
)

// Threshold lets an overtime rule carry the limit that produces the hours
// it prices. For consecutive_days the limit is a day count.
type Threshold struct {
	Window ThresholdWindow
	Limit  decimal.Decimal
	Class  HourClass
}

// MatchClass returns the hour class the threshold produces.
func (t Threshold) MatchClass() HourClass {
	if t.Class != "" {
		return t.Class
	}
	switch t.Window {
	case WindowDay:
		return HourDailyOvertime
	case WindowWeek:
		return HourWeeklyOvertime
	default:
		return HourConsecutiveDay
	}
}

type PayRule struct {
	ID            RuleID
	Name          string
	Version       int
	EffectiveFrom time.Time  // inclusive
	EffectiveTo   *time.Time // exclusive, nil = open ended
	Priority      int
	Conditions    Conditions
	Directive     Directive
	Threshold     *Threshold
}

// EffectiveOn reports whether the rule is in force on the given date.
func (r PayRule) EffectiveOn(day time.Time) bool {
	d := DateOf(day)
	if d.Before(DateOf(r.EffectiveFrom)) {
		return false
	}
	return r.EffectiveTo == nil || d.Before(DateOf(*r.EffectiveTo))
}

// Overlaps reports whether the rule is in force on any day of the period.
func (r PayRule) Overlaps(p Period) bool {
	if DateOf(r.EffectiveFrom).After(p.End) {
		return false
	}
	return r.EffectiveTo == nil || DateOf(*r.EffectiveTo).After(p.Start)
}

// Replaces reports whether the rule sets the working rate.
func (r PayRule) Replaces() bool {
	return r.Directive.Policy == PolicyReplace
}

// =============================================================================
// COLLABORATOR RECORDS
// =============================================================================

type Employee struct {
	ID              EmployeeID
	Name            string
	Department      string
	Role            string
	HourlyRate      decimal.Decimal
	HireDate        time.Time
	TerminationDate *time.Time
}

// ActiveOn reports whether the employee was employed on the given date.
func (e Employee) ActiveOn(day time.Time) bool {
	d := DateOf(day)
	if !e.HireDate.IsZero() && d.Before(DateOf(e.HireDate)) {
		return false
	}
	return e.TerminationDate == nil || !d.After(DateOf(*e.TerminationDate))
}

// ActiveDuring reports whether the employee was employed on any day of p.
func (e Employee) ActiveDuring(p Period) bool {
	if !e.HireDate.IsZero() && DateOf(e.HireDate).After(p.End) {
		return false
	}
	return e.TerminationDate == nil || !DateOf(*e.TerminationDate).Before(p.Start)
}

type EntryStatus string

const (
	EntryOpen      EntryStatus = "open"
	EntrySubmitted EntryStatus = "submitted"
	EntryApproved  EntryStatus = "approved"
)

type TimeEntry struct {
	ID           EntryID
	EmployeeID   EmployeeID
	ClockIn      time.Time
	ClockOut     *time.Time // nil while the entry is open
	BreakMinutes int
	PayCode      PayCodeID
	Department   string // overrides the roster department when set
	Status       EntryStatus
}

// WorkedHours is clock-out minus clock-in minus breaks, in hours rounded to
// two decimals. Open entries report zero.
func (e TimeEntry) WorkedHours() decimal.Decimal {
	if e.ClockOut == nil {
		return decimal.Zero
	}
	minutes := int64(e.ClockOut.Sub(e.ClockIn)/time.Minute) - int64(e.BreakMinutes)
	if minutes <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(minutes).Div(decimal.NewFromInt(60)).Round(2)
}

type LeaveType struct {
	ID          LeaveTypeID
	Name        string
	MonthlyRate decimal.Decimal
	Cap         decimal.Decimal // zero means uncapped
	Active      bool
}

// LeaveBalance is the collaborator view of a balance row. Accrued is
// informational; the engine derives accrued from its own transactions.
type LeaveBalance struct {
	EmployeeID  EmployeeID
	LeaveTypeID LeaveTypeID
	Year        int
	Accrued     decimal.Decimal
	Used        decimal.Decimal
	Cap         decimal.Decimal
}

// =============================================================================
// ENGINE RECORDS
// =============================================================================

// AccrualTransaction is an append-only balance change. Corrections are new
// transactions with ReversesID set, never edits.
type AccrualTransaction struct {
	ID             TransactionID
	EmployeeID     EmployeeID
	LeaveTypeID    LeaveTypeID
	Year           int
	Period         Period
	Delta          decimal.Decimal
	Reason         string
	IdempotencyKey string
	RunID          RunID
	ReversesID     TransactionID
	CreatedAt      time.Time
}

// Segment is a contiguous part of one time entry with a single hour class.
// Offset is the number of worked hours of the same entry that precede it.
type Segment struct {
	EntryID        EntryID
	EmployeeID     EmployeeID
	Day            time.Time
	Start          time.Time
	Hours          decimal.Decimal
	Offset         decimal.Decimal
	Class          HourClass
	PayCode        PayCodeID
	Department     string
	ConsecutiveDay bool
}

// PayLine is a calculated amount. RuleTrail lists the rules applied, in order.
type PayLine struct {
	ID         string
	RunID      RunID
	EmployeeID EmployeeID
	Period     Period
	EntryIDs   []EntryID
	PayCode    PayCodeID
	Class      HourClass
	Hours      decimal.Decimal
	Rate       decimal.Decimal
	Amount     decimal.Decimal
	RuleTrail  []RuleID
	CreatedAt  time.Time
}

// PayLineBatch is every line of one employee for one period, posted atomically.
type PayLineBatch struct {
	RunID          RunID
	EmployeeID     EmployeeID
	Period         Period
	IdempotencyKey string
	Lines          []PayLine
}

type NotificationKind string

const (
	NotifyLeaveBalance  NotificationKind = "leave_balance_reminder"
	NotifyMissingTime   NotificationKind = "missing_time_entries"
	NotifyMissingDigest NotificationKind = "missing_time_digest"
)

type Notification struct {
	ID             string
	EmployeeID     EmployeeID // empty for admin digests
	Kind           NotificationKind
	Message        string
	Period         Period
	RunID          RunID
	IdempotencyKey string
	CreatedAt      time.Time
}
