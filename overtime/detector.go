/*
Package overtime classifies worked hours into regular and overtime classes.

PURPOSE:
  Given every time entry of one employee in a pay period, the Detector
  splits each entry into Segments at the points where the cumulative hours
  of the day or of the week cross a threshold:

    day   hours past Daily       -> daily_overtime
          hours past DailyDouble -> double_time
    week  hours past Weekly       -> weekly_overtime
          hours past WeeklyDouble -> double_time

  The two windows are checked independently and the higher class wins for
  each hour:

    regular < weekly_overtime < daily_overtime < double_time

  An hour is never counted in two classes. A zero threshold disables its check.

TIME OF DAY:
  Segments are also cut at every wall-clock minute listed in TimeOfDayCuts,
  so a segment never straddles the boundary of a time-of-day condition. An
  18:00-02:00 entry with a 22:00 cut yields 18:00-22:00 and 22:00-02:00.

CONSECUTIVE DAYS:
  Worked days form runs of consecutive calendar dates. With ConsecutiveDays
  = N, every day at position N or later of a run is tagged; its segments
  carry ConsecutiveDay so that the consecutive-day rule matches them.

ENTRY HANDLING:
  open       -> IncompleteEntryError for the employee, nothing is classified
  approved   -> classified in (clock-in, id) order
  any other  -> excluded, listed in Classification.Excluded (submitted,
                rejected, blank or unknown statuses are never paid)
  The work day of an entry is its clock-in date in the detector's location.

SEE ALSO:
  - rules/rate.go: prices the segments produced here
*/
package overtime

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payrules-engine/core"
)

// Thresholds configures the detector. Zero values disable a check.
type Thresholds struct {
	Daily           decimal.Decimal
	DailyDouble     decimal.Decimal
	Weekly          decimal.Decimal
	WeeklyDouble    decimal.Decimal
	ConsecutiveDays int
	// TimeOfDayCuts are minutes after midnight, in the detector's location.
	TimeOfDayCuts []int
}

// Buckets sums hours per class. ConsecutiveDay overlays the other buckets:
// its hours are also counted in their own class.
type Buckets struct {
	Regular        decimal.Decimal
	DailyOvertime  decimal.Decimal
	WeeklyOvertime decimal.Decimal
	DoubleTime     decimal.Decimal
	ConsecutiveDay decimal.Decimal
}

func (b Buckets) Total() decimal.Decimal {
	return b.Regular.Add(b.DailyOvertime).Add(b.WeeklyOvertime).Add(b.DoubleTime)
}

type Classification struct {
	EmployeeID core.EmployeeID
	Segments   []core.Segment
	Buckets    Buckets
	Excluded   []core.EntryID
	WorkedDays []time.Time
}

type Detector struct {
	Thresholds Thresholds
	Location   *time.Location
	WeekStart  time.Weekday
}

func NewDetector(th Thresholds, loc *time.Location, weekStart time.Weekday) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	return &Detector{Thresholds: th, Location: loc, WeekStart: weekStart}
}

// Classify partitions the entries of one employee whose work day falls in p.
func (d *Detector) Classify(emp core.Employee, entries []core.TimeEntry, p core.Period) (Classification, error) {
	result := Classification{EmployeeID: emp.ID}

	approved, err := d.validate(emp, entries, p, &result)
	if err != nil {
		return Classification{}, err
	}

	sort.SliceStable(approved, func(i, j int) bool {
		if !approved[i].ClockIn.Equal(approved[j].ClockIn) {
			return approved[i].ClockIn.Before(approved[j].ClockIn)
		}
		return approved[i].ID < approved[j].ID
	})

	dayHours := make(map[time.Time]decimal.Decimal)
	weekHours := make(map[time.Time]decimal.Decimal)
	for _, e := range approved {
		in := e.ClockIn.In(d.Location)
		day := core.DateOf(in)
		week := core.StartOfWeek(day, d.WeekStart)
		hours := e.WorkedHours()

		result.Segments = append(result.Segments, d.split(e, in, day, hours, dayHours[day], weekHours[week])...)
		dayHours[day] = dayHours[day].Add(hours)
		weekHours[week] = weekHours[week].Add(hours)
	}

	result.WorkedDays = workedDays(dayHours)
	tagged := consecutiveDays(result.WorkedDays, d.Thresholds.ConsecutiveDays)
	for i := range result.Segments {
		s := &result.Segments[i]
		if tagged[s.Day] {
			s.ConsecutiveDay = true
			result.Buckets.ConsecutiveDay = result.Buckets.ConsecutiveDay.Add(s.Hours)
		}
		switch s.Class {
		case core.HourDailyOvertime:
			result.Buckets.DailyOvertime = result.Buckets.DailyOvertime.Add(s.Hours)
		case core.HourWeeklyOvertime:
			result.Buckets.WeeklyOvertime = result.Buckets.WeeklyOvertime.Add(s.Hours)
		case core.HourDoubleTime:
			result.Buckets.DoubleTime = result.Buckets.DoubleTime.Add(s.Hours)
		default:
			result.Buckets.Regular = result.Buckets.Regular.Add(s.Hours)
		}
	}
	return result, nil
}

// validate returns the approved entries of the period. Open entries fail the
// whole employee; malformed ones fail at the first offender.
func (d *Detector) validate(emp core.Employee, entries []core.TimeEntry, p core.Period, result *Classification) ([]core.TimeEntry, error) {
	var approved []core.TimeEntry
	var open []core.EntryID
	for _, e := range entries {
		if !p.Contains(e.ClockIn.In(d.Location)) {
			continue
		}
		if e.Status == core.EntryOpen || e.ClockOut == nil {
			open = append(open, e.ID)
			continue
		}
		if e.Status != core.EntryApproved {
			result.Excluded = append(result.Excluded, e.ID)
			continue
		}
		if !e.ClockOut.After(e.ClockIn) {
			return nil, &core.DataError{EmployeeID: emp.ID, EntryID: e.ID, Reason: "clock-out is not after clock-in", Err: core.ErrInvalidEntry}
		}
		if e.BreakMinutes < 0 || time.Duration(e.BreakMinutes)*time.Minute >= e.ClockOut.Sub(e.ClockIn) {
			return nil, &core.DataError{EmployeeID: emp.ID, EntryID: e.ID, Reason: "break covers the whole entry", Err: core.ErrInvalidEntry}
		}
		approved = append(approved, e)
	}
	if len(open) > 0 {
		return nil, &core.IncompleteEntryError{EmployeeID: emp.ID, EntryIDs: open}
	}
	return approved, nil
}

// =============================================================================
// SPLITTING
// =============================================================================

const (
	rankRegular = iota
	rankWeekly
	rankDaily
	rankDouble
)

var rankClass = map[int]core.HourClass{
	rankRegular: core.HourRegular,
	rankWeekly:  core.HourWeeklyOvertime,
	rankDaily:   core.HourDailyOvertime,
	rankDouble:  core.HourDoubleTime,
}

// split cuts one entry at every threshold crossing and time-of-day cut.
// dayBefore and weekBefore are the hours already worked earlier the same day
// and week.
func (d *Detector) split(e core.TimeEntry, in, day time.Time, hours, dayBefore, weekBefore decimal.Decimal) []core.Segment {
	cuts := []decimal.Decimal{decimal.Zero, hours}
	addCut := func(threshold, before decimal.Decimal) {
		if !threshold.IsPositive() {
			return
		}
		at := threshold.Sub(before)
		if at.IsPositive() && at.LessThan(hours) {
			cuts = append(cuts, at)
		}
	}
	th := d.Thresholds
	addCut(th.Daily, dayBefore)
	addCut(th.DailyDouble, dayBefore)
	addCut(th.Weekly, weekBefore)
	addCut(th.WeeklyDouble, weekBefore)
	clock := d.clockCuts(in, hours)
	cuts = append(cuts, clock...)
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].LessThan(cuts[j]) })

	payCode := core.NormalizePayCode(string(e.PayCode))
	if payCode == "" {
		payCode = core.RegularPayCode
	}

	var segs []core.Segment
	for i := 0; i+1 < len(cuts); i++ {
		from, to := cuts[i], cuts[i+1]
		if !to.GreaterThan(from) {
			continue
		}
		class := rankClass[d.rank(dayBefore.Add(from), weekBefore.Add(from))]
		if n := len(segs); n > 0 && segs[n-1].Class == class && !containsHours(clock, from) {
			segs[n-1].Hours = segs[n-1].Hours.Add(to.Sub(from))
			continue
		}
		segs = append(segs, core.Segment{
			EntryID:    e.ID,
			EmployeeID: e.EmployeeID,
			Day:        day,
			Start:      in.Add(hoursToDuration(from)),
			Hours:      to.Sub(from),
			Offset:     from,
			Class:      class,
			PayCode:    payCode,
			Department: e.Department,
		})
	}
	return segs
}

// clockCuts returns the offsets, in hours from in, at which the entry
// crosses one of the configured wall-clock minutes.
func (d *Detector) clockCuts(in time.Time, hours decimal.Decimal) []decimal.Decimal {
	if len(d.Thresholds.TimeOfDayCuts) == 0 {
		return nil
	}
	end := in.Add(hoursToDuration(hours))
	hour := decimal.NewFromInt(int64(time.Hour))
	var out []decimal.Decimal
	days := int(end.Sub(in)/(24*time.Hour)) + 1
	for i := 0; i <= days; i++ {
		for _, m := range d.Thresholds.TimeOfDayCuts {
			at := time.Date(in.Year(), in.Month(), in.Day()+i, m/60, m%60, 0, 0, d.Location)
			if !at.After(in) || !at.Before(end) {
				continue
			}
			off := decimal.NewFromInt(int64(at.Sub(in))).Div(hour)
			if !containsHours(out, off) {
				out = append(out, off)
			}
		}
	}
	return out
}

func containsHours(list []decimal.Decimal, h decimal.Decimal) bool {
	for _, v := range list {
		if v.Equal(h) {
			return true
		}
	}
	return false
}

func (d *Detector) rank(dayCum, weekCum decimal.Decimal) int {
	th := d.Thresholds
	daily := rankRegular
	switch {
	case th.DailyDouble.IsPositive() && dayCum.GreaterThanOrEqual(th.DailyDouble):
		daily = rankDouble
	case th.Daily.IsPositive() && dayCum.GreaterThanOrEqual(th.Daily):
		daily = rankDaily
	}
	weekly := rankRegular
	switch {
	case th.WeeklyDouble.IsPositive() && weekCum.GreaterThanOrEqual(th.WeeklyDouble):
		weekly = rankDouble
	case th.Weekly.IsPositive() && weekCum.GreaterThanOrEqual(th.Weekly):
		weekly = rankWeekly
	}
	if weekly > daily {
		return weekly
	}
	return daily
}

func hoursToDuration(h decimal.Decimal) time.Duration {
	return time.Duration(h.Mul(decimal.NewFromInt(int64(time.Hour))).IntPart())
}

// =============================================================================
// CONSECUTIVE DAYS
// =============================================================================

func workedDays(dayHours map[time.Time]decimal.Decimal) []time.Time {
	days := make([]time.Time, 0, len(dayHours))
	for day, h := range dayHours {
		if h.IsPositive() {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// consecutiveDays returns the days at position n or later of an unbroken run.
func consecutiveDays(days []time.Time, n int) map[time.Time]bool {
	tagged := make(map[time.Time]bool)
	if n <= 0 {
		return tagged
	}
	run := 0
	for i, day := range days {
		if i > 0 && days[i-1].AddDate(0, 0, 1).Equal(day) {
			run++
		} else {
			run = 1
		}
		if run >= n {
			tagged[day] = true
		}
	}
	return tagged
}

// =============================================================================
// THRESHOLDS FROM RULES
// =============================================================================

// ThresholdsFromRules collects the thresholds carried by rules in force on
// the given date. When several rules set the same threshold the lowest
// limit wins.
func ThresholdsFromRules(rules []core.PayRule, on time.Time) Thresholds {
	var th Thresholds
	lower := func(cur *decimal.Decimal, limit decimal.Decimal) {
		if cur.IsZero() || limit.LessThan(*cur) {
			*cur = limit
		}
	}
	for _, r := range rules {
		t := r.Threshold
		if t == nil || !t.Limit.IsPositive() || !r.EffectiveOn(on) {
			continue
		}
		double := t.MatchClass() == core.HourDoubleTime
		switch t.Window {
		case core.WindowDay:
			if double {
				lower(&th.DailyDouble, t.Limit)
			} else {
				lower(&th.Daily, t.Limit)
			}
		case core.WindowWeek:
			if double {
				lower(&th.WeeklyDouble, t.Limit)
			} else {
				lower(&th.Weekly, t.Limit)
			}
		case core.WindowConsecutiveDays:
			n := int(t.Limit.IntPart())
			if th.ConsecutiveDays == 0 || n < th.ConsecutiveDays {
				th.ConsecutiveDays = n
			}
		}
	}
	th.TimeOfDayCuts = timeOfDayCuts(rules, on)
	return th
}

// timeOfDayCuts lists the distinct boundaries of the time-of-day conditions
// in force, ascending.
func timeOfDayCuts(rules []core.PayRule, on time.Time) []int {
	seen := make(map[int]bool)
	var cuts []int
	for _, r := range rules {
		tod := r.Conditions.TimeOfDay
		if tod == nil || tod.FromMinute == tod.ToMinute || !r.EffectiveOn(on) {
			continue
		}
		for _, m := range []int{tod.FromMinute, tod.ToMinute} {
			m = ((m % 1440) + 1440) % 1440
			if !seen[m] {
				seen[m] = true
				cuts = append(cuts, m)
			}
		}
	}
	sort.Ints(cuts)
	return cuts
}
