/*
Package rules evaluates pay rules and prices hours.

PURPOSE:
  Two components live here:
  - Evaluator: decides which PayRules apply to a segment of hours
  - Calculator: applies the matched rules in order to produce pay lines

EVALUATION ORDER:
  Matched rules are always returned sorted by (priority ascending, rule id
  ascending). This ordering is the contract: stacking order and tie-breaks
  follow from it, never from declaration order or map iteration.

CONDITIONS:
  A rule matches when every non-empty condition matches (logical AND):

    time_of_day   segment start within [from, to), overnight ranges wrap;
                  the detector cuts segments at these bounds
    weekdays      work day's weekday in the set
    departments   entry department (or roster department) in the set
    roles         roster role in the set
    pay_codes     entry pay code in the set
    hour_classes  segment class in the set (threshold rules add their own)

SEE ALSO:
  - rate.go: replace/stack application and tiers
  - overtime/detector.go: produces the segments evaluated here
*/
package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// MATCH CONTEXT
// =============================================================================

// MatchContext is what a rule's conditions are tested against.
type MatchContext struct {
	EntryID        core.EntryID
	At             time.Time // segment start in the engine's location
	Day            time.Time // civil work date
	Department     string
	Role           string
	PayCode        core.PayCodeID
	Class          core.HourClass
	ConsecutiveDay bool
}

// ContextFor builds the match context of a segment worked by emp.
func ContextFor(emp core.Employee, seg core.Segment) MatchContext {
	dept := seg.Department
	if dept == "" {
		dept = emp.Department
	}
	return MatchContext{
		EntryID:        seg.EntryID,
		At:             seg.Start,
		Day:            seg.Day,
		Department:     dept,
		Role:           emp.Role,
		PayCode:        seg.PayCode,
		Class:          seg.Class,
		ConsecutiveDay: seg.ConsecutiveDay,
	}
}

func (c MatchContext) hasClass(h core.HourClass) bool {
	if h == core.HourConsecutiveDay {
		return c.ConsecutiveDay
	}
	if c.Class == "" {
		return h == core.HourRegular
	}
	return c.Class == h
}

func (c MatchContext) String() string {
	return fmt.Sprintf("%s %s %s dept=%q role=%q code=%q class=%s",
		c.Day.Format("2006-01-02"), c.Day.Weekday(), c.At.Format("15:04"),
		c.Department, c.Role, c.PayCode, c.Class)
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator is stateless; one value can serve every worker.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Match returns the rules whose conditions all hold, in evaluation order.
func (e *Evaluator) Match(mc MatchContext, rules []core.PayRule) []core.PayRule {
	var matched []core.PayRule
	for _, r := range rules {
		if Matches(r, mc) {
			matched = append(matched, r)
		}
	}
	SortRules(matched)
	return matched
}

// MatchRequired is Match for callers that need at least one rule.
func (e *Evaluator) MatchRequired(mc MatchContext, rules []core.PayRule) ([]core.PayRule, error) {
	matched := e.Match(mc, rules)
	if len(matched) == 0 {
		return nil, &core.NoApplicableRuleError{EntryID: mc.EntryID, Context: mc.String()}
	}
	return matched, nil
}

// SortRules orders rules by (priority, id) ascending, in place.
func SortRules(rules []core.PayRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// Matches reports whether every condition of the rule holds for mc.
func Matches(r core.PayRule, mc MatchContext) bool {
	if !r.EffectiveOn(mc.Day) {
		return false
	}
	c := r.Conditions

	if c.TimeOfDay != nil && !c.TimeOfDay.Contains(mc.At.Hour()*60+mc.At.Minute()) {
		return false
	}
	if len(c.Weekdays) > 0 && !containsWeekday(c.Weekdays, mc.Day.Weekday()) {
		return false
	}
	if len(c.Departments) > 0 && !containsString(c.Departments, mc.Department) {
		return false
	}
	if len(c.Roles) > 0 && !containsString(c.Roles, mc.Role) {
		return false
	}
	if len(c.PayCodes) > 0 && !containsPayCode(c.PayCodes, mc.PayCode) {
		return false
	}
	if len(c.HourClasses) > 0 && !anyClass(c.HourClasses, mc) {
		return false
	}
	if r.Threshold != nil && !mc.hasClass(r.Threshold.MatchClass()) {
		return false
	}
	return true
}

func anyClass(classes []core.HourClass, mc MatchContext) bool {
	for _, h := range classes {
		if mc.hasClass(h) {
			return true
		}
	}
	return false
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsPayCode(list []core.PayCodeID, c core.PayCodeID) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
