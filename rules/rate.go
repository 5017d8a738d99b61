/*
rate.go - Applies matched pay rules to a segment of hours

PURPOSE:
  The Calculator turns one Segment into one or more PayLines. Matched rules
  are applied in evaluation order against a working rate:

    replace  sets the working rate (explicit rate or the employee's hourly
             rate, times the multiplier)
    stack    multiplies the working rate (premiums)

  A tiered directive splits the segment's hours by cumulative tier bounds
  measured from the start of the time entry, so 10h with tiers [8h x1.0,
  +inf x1.5] yields two parts. Every part carries its own rule trail and
  becomes one PayLine.

FAILURES:
  - No rule matches, or no rule sets a base rate      -> RateResolutionError
  - A stack rule is reached before any replace rule   -> RateResolutionError
  - Two replace rules share the lowest priority group -> RateResolutionError
  - Negative rate or multiplier, amount over maximum  -> ArithmeticError

ROUNDING:
  Amounts are rounded half-to-even at the currency scale, once per line.
  Rates are never rounded.
*/
package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payrules-engine/core"
)

type Calculator struct {
	Evaluator     *Evaluator
	Formulas      *FormulaRegistry
	PayCodes      map[core.PayCodeID]core.PayCode
	CurrencyScale int32
	MaxLineAmount decimal.Decimal // zero means unlimited
}

type CalculatorOption func(*Calculator)

func WithFormulas(r *FormulaRegistry) CalculatorOption {
	return func(c *Calculator) { c.Formulas = r }
}

func WithCurrencyScale(scale int32) CalculatorOption {
	return func(c *Calculator) { c.CurrencyScale = scale }
}

func WithMaxLineAmount(max decimal.Decimal) CalculatorOption {
	return func(c *Calculator) { c.MaxLineAmount = max }
}

func NewCalculator(codes map[core.PayCodeID]core.PayCode, opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		Evaluator:     NewEvaluator(),
		Formulas:      NewFormulaRegistry(),
		PayCodes:      codes,
		CurrencyScale: core.DefaultCurrencyScale,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.PayCodes == nil {
		c.PayCodes = make(map[core.PayCodeID]core.PayCode)
	}
	return c
}

// part is a slice of a segment's hours being priced.
type part struct {
	hours   decimal.Decimal
	offset  decimal.Decimal
	rate    *decimal.Decimal
	payCode core.PayCodeID
	trail   []core.RuleID
}

func (p part) with(hours, offset decimal.Decimal) part {
	p.hours = hours
	p.offset = offset
	p.trail = append([]core.RuleID(nil), p.trail...)
	return p
}

// Calculate prices one segment worked by emp under the active rules.
func (c *Calculator) Calculate(emp core.Employee, seg core.Segment, active []core.PayRule) ([]core.PayLine, error) {
	mc := ContextFor(emp, seg)
	matched, err := c.Evaluator.MatchRequired(mc, active)
	if err != nil {
		return nil, &core.RateResolutionError{EntryID: seg.EntryID, Reason: "no rule matches the hours", Err: err}
	}
	if err := checkAmbiguity(seg.EntryID, matched); err != nil {
		return nil, err
	}

	parts := []part{{hours: seg.Hours, offset: seg.Offset}}
	for _, r := range matched {
		switch r.Directive.Kind {
		case core.DirectiveTiered:
			parts, err = c.applyTiers(emp, seg, r, parts)
		case core.DirectiveFormula:
			err = c.applyFormula(emp, seg, r, parts)
		default:
			err = c.applyFlat(emp, seg, r, parts)
		}
		if err != nil {
			return nil, err
		}
	}

	lines := make([]core.PayLine, 0, len(parts))
	for _, p := range parts {
		if p.rate == nil {
			return nil, &core.RateResolutionError{
				EntryID: seg.EntryID,
				RuleIDs: p.trail,
				Reason:  "no base rate resolved",
				Err:     core.ErrNoApplicableRule,
			}
		}
		line, err := c.line(emp, seg, p)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// checkAmbiguity rejects two replace rules at one priority.
func checkAmbiguity(entryID core.EntryID, matched []core.PayRule) error {
	for i := 0; i < len(matched); {
		j := i
		var replacing []core.RuleID
		for j < len(matched) && matched[j].Priority == matched[i].Priority {
			if matched[j].Replaces() {
				replacing = append(replacing, matched[j].ID)
			}
			j++
		}
		if len(replacing) > 1 {
			return &core.RateResolutionError{
				EntryID: entryID,
				RuleIDs: replacing,
				Reason:  fmt.Sprintf("%d replace rules share priority %d", len(replacing), matched[i].Priority),
				Err:     core.ErrAmbiguousRule,
			}
		}
		i = j
	}
	return nil
}

// multiplier resolves an explicit multiplier, falling back to the output
// pay code's multiplier and then to one.
func (c *Calculator) multiplier(entryID core.EntryID, r core.PayRule, m decimal.Decimal, code core.PayCodeID) (decimal.Decimal, error) {
	if m.IsZero() && code != "" {
		if pc, ok := c.PayCodes[code]; ok {
			m = pc.Multiplier
		}
	}
	if m.IsZero() {
		m = decimal.NewFromInt(1)
	}
	if m.IsNegative() {
		return decimal.Zero, &core.ArithmeticError{EntryID: entryID, RuleID: r.ID, Reason: "negative multiplier " + m.String()}
	}
	return m, nil
}

func (c *Calculator) applyRate(emp core.Employee, seg core.Segment, r core.PayRule, p *part, mult decimal.Decimal, code core.PayCodeID) error {
	if r.Replaces() {
		base := emp.HourlyRate
		if r.Directive.Rate != nil {
			base = *r.Directive.Rate
		} else if base.IsZero() {
			return &core.DataError{
				EmployeeID: emp.ID,
				EntryID:    seg.EntryID,
				Reason:     "employee has no hourly rate",
				Err:        core.ErrMissingRosterData,
			}
		}
		if base.IsNegative() {
			return &core.ArithmeticError{EntryID: seg.EntryID, RuleID: r.ID, Reason: "negative rate " + base.String()}
		}
		rate := base.Mul(mult)
		p.rate = &rate
	} else {
		if p.rate == nil {
			return &core.RateResolutionError{
				EntryID: seg.EntryID,
				RuleIDs: []core.RuleID{r.ID},
				Reason:  "premium stacks before any base rate",
			}
		}
		rate := p.rate.Mul(mult)
		p.rate = &rate
	}
	if code != "" {
		p.payCode = code
	}
	p.trail = append(p.trail, r.ID)
	return nil
}

func (c *Calculator) applyFlat(emp core.Employee, seg core.Segment, r core.PayRule, parts []part) error {
	mult, err := c.multiplier(seg.EntryID, r, r.Directive.Multiplier, r.Directive.OutputPayCode)
	if err != nil {
		return err
	}
	for i := range parts {
		if err := c.applyRate(emp, seg, r, &parts[i], mult, r.Directive.OutputPayCode); err != nil {
			return err
		}
	}
	return nil
}

// applyTiers splits every part at the tier bounds and applies each tier to
// the hours it covers. Hours past the last bounded tier are left untouched.
func (c *Calculator) applyTiers(emp core.Employee, seg core.Segment, r core.PayRule, parts []part) ([]part, error) {
	tiers := r.Directive.Tiers
	if len(tiers) == 0 {
		return nil, &core.ConfigurationError{RuleID: r.ID, Reason: "tiered directive without tiers"}
	}

	var out []part
	for _, p := range parts {
		cursor := p.offset
		end := p.offset.Add(p.hours)
		lower := decimal.Zero
		for _, t := range tiers {
			if !cursor.LessThan(end) {
				break
			}
			upper := end
			if t.UpTo != nil {
				if t.UpTo.LessThanOrEqual(lower) {
					return nil, &core.ConfigurationError{RuleID: r.ID, Reason: "tier bounds must increase"}
				}
				upper = core.MinDecimal(end, *t.UpTo)
				lower = *t.UpTo
			}
			if !cursor.LessThan(upper) {
				continue
			}
			sub := p.with(upper.Sub(cursor), cursor)
			code := t.PayCode
			if code == "" {
				code = r.Directive.OutputPayCode
			}
			mult, err := c.multiplier(seg.EntryID, r, t.Multiplier, code)
			if err != nil {
				return nil, err
			}
			if err := c.applyRate(emp, seg, r, &sub, mult, code); err != nil {
				return nil, err
			}
			out = append(out, sub)
			cursor = upper
		}
		if cursor.LessThan(end) {
			out = append(out, p.with(end.Sub(cursor), cursor))
		}
	}
	return out, nil
}

func (c *Calculator) applyFormula(emp core.Employee, seg core.Segment, r core.PayRule, parts []part) error {
	f, ok := c.Formulas.Lookup(r.Directive.Formula)
	if !ok {
		return &core.RateResolutionError{
			EntryID: seg.EntryID,
			RuleIDs: []core.RuleID{r.ID},
			Reason:  fmt.Sprintf("formula %q is not registered", r.Directive.Formula),
			Err:     &core.ConfigurationError{RuleID: r.ID, Reason: "unknown formula " + r.Directive.Formula, Err: core.ErrUnknownFormula},
		}
	}
	for i := range parts {
		p := &parts[i]
		value, err := f(FormulaInput{Employee: emp, Segment: seg, Rate: p.rate, Params: r.Directive.Params})
		if err != nil {
			return err
		}
		if value.IsNegative() {
			return &core.ArithmeticError{EntryID: seg.EntryID, RuleID: r.ID, Reason: "formula produced negative value " + value.String()}
		}
		if r.Replaces() {
			p.rate = &value
		} else {
			if p.rate == nil {
				return &core.RateResolutionError{
					EntryID: seg.EntryID,
					RuleIDs: []core.RuleID{r.ID},
					Reason:  "premium stacks before any base rate",
				}
			}
			rate := p.rate.Mul(value)
			p.rate = &rate
		}
		if r.Directive.OutputPayCode != "" {
			p.payCode = r.Directive.OutputPayCode
		}
		p.trail = append(p.trail, r.ID)
	}
	return nil
}

func (c *Calculator) line(emp core.Employee, seg core.Segment, p part) (core.PayLine, error) {
	code := p.payCode
	if code == "" {
		code = seg.PayCode
	}
	if code == "" {
		code = core.RegularPayCode
	}

	amount := c.amount(code, p.hours, *p.rate, decimal.Zero)
	if c.MaxLineAmount.IsPositive() && amount.GreaterThan(c.MaxLineAmount) {
		return core.PayLine{}, &core.ArithmeticError{
			EntryID: seg.EntryID,
			Reason:  fmt.Sprintf("amount %s exceeds maximum %s", amount.StringFixed(c.CurrencyScale), c.MaxLineAmount.String()),
		}
	}

	return core.PayLine{
		EmployeeID: emp.ID,
		EntryIDs:   []core.EntryID{seg.EntryID},
		PayCode:    code,
		Class:      seg.Class,
		Hours:      p.hours,
		Rate:       *p.rate,
		Amount:     amount,
		RuleTrail:  p.trail,
	}, nil
}

// amount prices hours at rate under the pay code's rate type. For fixed codes
// the rate is the amount; fixedSum overrides it when lines are merged.
func (c *Calculator) amount(code core.PayCodeID, hours, rate, fixedSum decimal.Decimal) decimal.Decimal {
	pc, known := c.PayCodes[code]
	switch {
	case known && !pc.IsPaid:
		return decimal.Zero
	case known && pc.RateType == core.RateFixed:
		if !fixedSum.IsZero() {
			return core.RoundMoney(fixedSum, c.CurrencyScale)
		}
		return core.RoundMoney(rate, c.CurrencyScale)
	}
	return core.RoundMoney(hours.Mul(rate), c.CurrencyScale)
}
