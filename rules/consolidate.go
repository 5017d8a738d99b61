package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payrules-engine/core"
)

// Consolidate merges lines of the same employee with identical pay code,
// hour class, rate and rule trail. Source entry ids are unioned and the
// amount is recomputed from the summed hours. Output keeps the order in
// which each group first appears.
func (c *Calculator) Consolidate(lines []core.PayLine) []core.PayLine {
	type group struct {
		line     core.PayLine
		fixedSum decimal.Decimal
		entries  map[core.EntryID]bool
	}
	var order []string
	groups := make(map[string]*group)

	for _, l := range lines {
		key := consolidationKey(l)
		g, ok := groups[key]
		if !ok {
			g = &group{line: l, entries: make(map[core.EntryID]bool)}
			g.line.EntryIDs = nil
			g.line.Hours = decimal.Zero
			g.line.RuleTrail = append([]core.RuleID(nil), l.RuleTrail...)
			groups[key] = g
			order = append(order, key)
		}
		g.line.Hours = g.line.Hours.Add(l.Hours)
		g.fixedSum = g.fixedSum.Add(l.Amount)
		for _, id := range l.EntryIDs {
			g.entries[id] = true
		}
	}

	out := make([]core.PayLine, 0, len(order))
	for _, key := range order {
		g := groups[key]
		ids := make([]core.EntryID, 0, len(g.entries))
		for id := range g.entries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		g.line.EntryIDs = ids
		g.line.Amount = c.amount(g.line.PayCode, g.line.Hours, g.line.Rate, g.fixedSum)
		out = append(out, g.line)
	}
	return out
}

func consolidationKey(l core.PayLine) string {
	trail := make([]string, len(l.RuleTrail))
	for i, id := range l.RuleTrail {
		trail[i] = string(id)
	}
	return strings.Join([]string{
		string(l.EmployeeID), string(l.PayCode), string(l.Class),
		l.Rate.String(), strings.Join(trail, ">"),
	}, "|")
}

// =============================================================================
// PAY SUMMARY
// =============================================================================

// Summary is the per-employee view of a set of pay lines.
type Summary struct {
	TotalHours      decimal.Decimal
	RegularHours    decimal.Decimal
	OvertimeHours   decimal.Decimal
	DoubleTimeHours decimal.Decimal
	Gross           decimal.Decimal
	// OvertimePercent is overtime plus double time over total hours, x100.
	OvertimePercent decimal.Decimal
	ByPayCode       map[core.PayCodeID]decimal.Decimal
}

func Summarize(lines []core.PayLine) Summary {
	s := Summary{ByPayCode: make(map[core.PayCodeID]decimal.Decimal)}
	for _, l := range lines {
		s.TotalHours = s.TotalHours.Add(l.Hours)
		s.Gross = s.Gross.Add(l.Amount)
		s.ByPayCode[l.PayCode] = s.ByPayCode[l.PayCode].Add(l.Amount)
		switch l.Class {
		case core.HourDailyOvertime, core.HourWeeklyOvertime:
			s.OvertimeHours = s.OvertimeHours.Add(l.Hours)
		case core.HourDoubleTime:
			s.DoubleTimeHours = s.DoubleTimeHours.Add(l.Hours)
		default:
			s.RegularHours = s.RegularHours.Add(l.Hours)
		}
	}
	if s.TotalHours.IsPositive() {
		s.OvertimePercent = s.OvertimeHours.Add(s.DoubleTimeHours).
			Div(s.TotalHours).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return s
}

func (s Summary) String() string {
	codes := make([]string, 0, len(s.ByPayCode))
	for code := range s.ByPayCode {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	parts := make([]string, len(codes))
	for i, code := range codes {
		parts[i] = code + "=" + s.ByPayCode[core.PayCodeID(code)].StringFixed(2)
	}
	return fmt.Sprintf("hours=%s regular=%s overtime=%s double=%s gross=%s [%s]",
		s.TotalHours.String(), s.RegularHours.String(), s.OvertimeHours.String(),
		s.DoubleTimeHours.String(), s.Gross.StringFixed(2), strings.Join(parts, " "))
}
