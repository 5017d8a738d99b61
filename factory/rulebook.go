/*
Package factory provides JSON to Go rule book conversion.

PURPOSE:
  Converts JSON (or YAML) rule book definitions into core.PayRule,
  core.PayCode and core.LeaveType values. Payroll administrators edit rule
  books without code changes; the factory validates them and creates the
  Go structs the engine evaluates.

JSON SCHEMA:
  {
    "pay_codes": [
      {"id": "REG", "category": "regular", "rate_type": "hourly", "multiplier": "1"},
      {"id": "OT",  "category": "premium", "rate_type": "hourly", "multiplier": "1.5"}
    ],
    "leave_types": [
      {"id": "VAC", "name": "Vacation", "monthly_rate": "1.25", "cap": "15"}
    ],
    "rules": [
      {
        "id": "base", "priority": 10, "effective_from": "2025-01-01",
        "directive": {"kind": "flat", "policy": "replace"}
      },
      {
        "id": "daily-ot", "priority": 20, "effective_from": "2025-01-01",
        "threshold": {"window": "day", "limit": 8},
        "directive": {"kind": "flat", "policy": "stack", "output_pay_code": "OT"}
      },
      {
        "id": "night", "priority": 30, "effective_from": "2025-01-01",
        "conditions": {"time_of_day": {"from": "22:00", "to": "06:00"}},
        "directive": {"kind": "formula", "policy": "stack",
                      "formula": "employee_rate", "params": {"multiplier": 1.1}}
      }
    ]
  }

KEY FEATURES:
  - Numbers may be JSON numbers or strings; both decode to decimal.Decimal
  - Pay codes default to active and paid
  - Every problem in the book is reported, not just the first
  - Unknown pay code references and invalid tiers are rejected up front

USAGE:
  f := factory.NewRuleBookFactory()
  book, err := f.Parse(data)
  store.SetRules(book.Rules, book.PayCodeList(), book.LeaveTypes)

SEE ALSO:
  - core/types.go: PayRule, PayCode, LeaveType
  - rules/formula.go: formula registry consulted during validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/payrules-engine/core"
	"github.com/warp/payrules-engine/rules"
)

const dateLayout = "2006-01-02"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type RuleBookJSON struct {
	PayCodes   []PayCodeJSON   `json:"pay_codes"`
	LeaveTypes []LeaveTypeJSON `json:"leave_types,omitempty"`
	Rules      []RuleJSON      `json:"rules"`
}

type PayCodeJSON struct {
	ID             string          `json:"id"`
	Label          string          `json:"label,omitempty"`
	Category       string          `json:"category"`
	RateType       string          `json:"rate_type,omitempty"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	IsPaid         *bool           `json:"is_paid,omitempty"`
	MaxHoursPerDay decimal.Decimal `json:"max_hours_per_day,omitempty"`
	Active         *bool           `json:"active,omitempty"`
	Version        int             `json:"version,omitempty"`
}

type LeaveTypeJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	MonthlyRate decimal.Decimal `json:"monthly_rate"`
	Cap         decimal.Decimal `json:"cap,omitempty"`
	Active      *bool           `json:"active,omitempty"`
}

type RuleJSON struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Version       int             `json:"version,omitempty"`
	EffectiveFrom string          `json:"effective_from"`
	EffectiveTo   string          `json:"effective_to,omitempty"`
	Priority      int             `json:"priority"`
	Conditions    *ConditionsJSON `json:"conditions,omitempty"`
	Directive     DirectiveJSON   `json:"directive"`
	Threshold     *ThresholdJSON  `json:"threshold,omitempty"`
}

type ConditionsJSON struct {
	TimeOfDay   *TimeOfDayJSON `json:"time_of_day,omitempty"`
	Weekdays    []string       `json:"weekdays,omitempty"`
	Departments []string       `json:"departments,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	PayCodes    []string       `json:"pay_codes,omitempty"`
	HourClasses []string       `json:"hour_classes,omitempty"`
}

// TimeOfDayJSON uses "HH:MM" wall clock times.
type TimeOfDayJSON struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type DirectiveJSON struct {
	Kind          string           `json:"kind"`
	Policy        string           `json:"policy,omitempty"` // replace (default), stack
	Rate          *decimal.Decimal `json:"rate,omitempty"`
	Multiplier    decimal.Decimal  `json:"multiplier,omitempty"`
	Tiers         []TierJSON       `json:"tiers,omitempty"`
	Formula       string           `json:"formula,omitempty"`
	Params        map[string]any   `json:"params,omitempty"`
	OutputPayCode string           `json:"output_pay_code,omitempty"`
}

type TierJSON struct {
	UpTo       *decimal.Decimal `json:"up_to,omitempty"` // omitted = unbounded
	Multiplier decimal.Decimal  `json:"multiplier"`
	PayCode    string           `json:"pay_code,omitempty"`
}

type ThresholdJSON struct {
	Window string          `json:"window"` // day, week, consecutive_days
	Limit  decimal.Decimal `json:"limit"`
	Class  string          `json:"class,omitempty"`
}

// =============================================================================
// RULE BOOK
// =============================================================================

// RuleBook is a validated set of definitions ready for a RuleStore.
type RuleBook struct {
	PayCodes   map[core.PayCodeID]core.PayCode
	LeaveTypes []core.LeaveType
	Rules      []core.PayRule
}

// PayCodeList returns the pay codes ordered by ID.
func (b *RuleBook) PayCodeList() []core.PayCode {
	out := make([]core.PayCode, 0, len(b.PayCodes))
	for _, pc := range b.PayCodes {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultPayCodes is the pay code catalogue used when a rule book declares none.
func DefaultPayCodes() []core.PayCode {
	pc := func(id core.PayCodeID, label string, cat core.PayCodeCategory, mult string) core.PayCode {
		return core.PayCode{
			ID: id, Label: label, Category: cat, RateType: core.RateHourly,
			Multiplier: decimal.RequireFromString(mult), IsPaid: true, Active: true, Version: 1,
		}
	}
	return []core.PayCode{
		pc("REG", "Regular", core.CategoryRegular, "1"),
		pc("OT", "Overtime", core.CategoryPremium, "1.5"),
		pc("DT", "Double time", core.CategoryPremium, "2"),
		pc("CONSEC", "Consecutive day premium", core.CategoryPremium, "1.5"),
		pc("HOL", "Holiday", core.CategoryPremium, "2"),
		pc("VAC", "Vacation", core.CategoryAbsence, "1"),
		pc("SICK", "Sick leave", core.CategoryAbsence, "1"),
	}
}

// =============================================================================
// RULE BOOK FACTORY
// =============================================================================

// RuleBookFactory converts rule book documents to Go structs.
type RuleBookFactory struct {
	// Formulas, when set, rejects formula directives naming an unregistered formula.
	Formulas *rules.FormulaRegistry
}

func NewRuleBookFactory() *RuleBookFactory {
	return &RuleBookFactory{Formulas: rules.NewFormulaRegistry()}
}

// Parse parses a JSON rule book.
func (f *RuleBookFactory) Parse(data []byte) (*RuleBook, error) {
	var bj RuleBookJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return nil, &core.ConfigurationError{Reason: "failed to parse rule book JSON: " + err.Error(), Err: err}
	}
	return f.FromJSON(bj)
}

// ParseYAML parses a YAML rule book using the JSON field names.
func (f *RuleBookFactory) ParseYAML(data []byte) (*RuleBook, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &core.ConfigurationError{Reason: "failed to parse rule book YAML: " + err.Error(), Err: err}
	}
	var bj RuleBookJSON
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       rules.DecimalHook,
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           &bj,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, &core.ConfigurationError{Reason: "invalid rule book: " + err.Error(), Err: err}
	}
	return f.FromJSON(bj)
}

// ParseFile picks the decoder from the file extension.
func (f *RuleBookFactory) ParseFile(name string, data []byte) (*RuleBook, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		return f.ParseYAML(data)
	}
	return f.Parse(data)
}

// FromJSON validates bj and converts it. Every problem found is reported in
// one ConfigurationError.
func (f *RuleBookFactory) FromJSON(bj RuleBookJSON) (*RuleBook, error) {
	var errs *multierror.Error
	book := &RuleBook{PayCodes: make(map[core.PayCodeID]core.PayCode)}

	codes := bj.PayCodes
	if len(codes) == 0 {
		for _, pc := range DefaultPayCodes() {
			book.PayCodes[pc.ID] = pc
		}
	}
	for _, cj := range codes {
		pc, err := parsePayCode(cj)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, dup := book.PayCodes[pc.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("pay code %s declared twice", pc.ID))
			continue
		}
		book.PayCodes[pc.ID] = pc
	}

	seenLeave := make(map[core.LeaveTypeID]bool)
	for _, lj := range bj.LeaveTypes {
		lt, err := parseLeaveType(lj)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if seenLeave[lt.ID] {
			errs = multierror.Append(errs, fmt.Errorf("leave type %s declared twice", lt.ID))
			continue
		}
		seenLeave[lt.ID] = true
		book.LeaveTypes = append(book.LeaveTypes, lt)
	}

	seenRule := make(map[core.RuleID]bool)
	for _, rj := range bj.Rules {
		r, err := f.parseRule(rj, book.PayCodes)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if seenRule[r.ID] {
			errs = multierror.Append(errs, fmt.Errorf("rule %s declared twice", r.ID))
			continue
		}
		seenRule[r.ID] = true
		book.Rules = append(book.Rules, r)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, &core.ConfigurationError{Reason: "invalid rule book: " + flatten(errs), Err: err}
	}
	rules.SortRules(book.Rules)
	return book, nil
}

// ToJSON converts a rule book back to its JSON representation.
func (f *RuleBookFactory) ToJSON(book *RuleBook) RuleBookJSON {
	var bj RuleBookJSON
	for _, pc := range book.PayCodeList() {
		paid, active := pc.IsPaid, pc.Active
		bj.PayCodes = append(bj.PayCodes, PayCodeJSON{
			ID: string(pc.ID), Label: pc.Label, Category: string(pc.Category), RateType: string(pc.RateType),
			Multiplier: pc.Multiplier, IsPaid: &paid, MaxHoursPerDay: pc.MaxHoursPerDay,
			Active: &active, Version: pc.Version,
		})
	}
	for _, lt := range book.LeaveTypes {
		active := lt.Active
		bj.LeaveTypes = append(bj.LeaveTypes, LeaveTypeJSON{
			ID: string(lt.ID), Name: lt.Name, MonthlyRate: lt.MonthlyRate, Cap: lt.Cap, Active: &active,
		})
	}
	for _, r := range book.Rules {
		bj.Rules = append(bj.Rules, ruleToJSON(r))
	}
	return bj
}

// Marshal renders a rule book as indented JSON.
func (f *RuleBookFactory) Marshal(book *RuleBook) ([]byte, error) {
	return json.MarshalIndent(f.ToJSON(book), "", "  ")
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parsePayCode(cj PayCodeJSON) (core.PayCode, error) {
	id := core.NormalizePayCode(cj.ID)
	if id == "" {
		return core.PayCode{}, fmt.Errorf("pay code without id")
	}
	pc := core.PayCode{
		ID:             id,
		Label:          cj.Label,
		Category:       core.PayCodeCategory(cj.Category),
		RateType:       core.RateType(cj.RateType),
		Multiplier:     cj.Multiplier,
		IsPaid:         cj.IsPaid == nil || *cj.IsPaid,
		MaxHoursPerDay: cj.MaxHoursPerDay,
		Active:         cj.Active == nil || *cj.Active,
		Version:        cj.Version,
	}
	switch pc.Category {
	case core.CategoryRegular, core.CategoryPremium, core.CategoryAbsence:
	default:
		return pc, fmt.Errorf("pay code %s: unknown category %q", id, cj.Category)
	}
	switch pc.RateType {
	case "":
		pc.RateType = core.RateHourly
	case core.RateHourly, core.RateSalaried, core.RateFixed:
	default:
		return pc, fmt.Errorf("pay code %s: unknown rate type %q", id, cj.RateType)
	}
	if pc.Multiplier.IsZero() {
		pc.Multiplier = decimal.NewFromInt(1)
	}
	if pc.Multiplier.IsNegative() {
		return pc, fmt.Errorf("pay code %s: negative multiplier", id)
	}
	if pc.MaxHoursPerDay.IsNegative() {
		return pc, fmt.Errorf("pay code %s: negative max_hours_per_day", id)
	}
	if pc.Version == 0 {
		pc.Version = 1
	}
	return pc, nil
}

func parseLeaveType(lj LeaveTypeJSON) (core.LeaveType, error) {
	if strings.TrimSpace(lj.ID) == "" {
		return core.LeaveType{}, fmt.Errorf("leave type without id")
	}
	lt := core.LeaveType{
		ID:          core.LeaveTypeID(lj.ID),
		Name:        lj.Name,
		MonthlyRate: lj.MonthlyRate,
		Cap:         lj.Cap,
		Active:      lj.Active == nil || *lj.Active,
	}
	if lt.MonthlyRate.IsNegative() || lt.Cap.IsNegative() {
		return lt, fmt.Errorf("leave type %s: rate and cap must not be negative", lt.ID)
	}
	return lt, nil
}

func (f *RuleBookFactory) parseRule(rj RuleJSON, codes map[core.PayCodeID]core.PayCode) (core.PayRule, error) {
	if strings.TrimSpace(rj.ID) == "" {
		return core.PayRule{}, fmt.Errorf("rule without id")
	}
	id := core.RuleID(rj.ID)
	fail := func(format string, args ...any) (core.PayRule, error) {
		return core.PayRule{}, fmt.Errorf("rule %s: %s", id, fmt.Sprintf(format, args...))
	}
	wrap := func(err error) (core.PayRule, error) {
		return core.PayRule{}, fmt.Errorf("rule %s: %w", id, err)
	}

	r := core.PayRule{ID: id, Name: rj.Name, Version: rj.Version, Priority: rj.Priority}
	if r.Version == 0 {
		r.Version = 1
	}
	from, err := time.Parse(dateLayout, rj.EffectiveFrom)
	if err != nil {
		return fail("invalid effective_from %q", rj.EffectiveFrom)
	}
	r.EffectiveFrom = from
	if rj.EffectiveTo != "" {
		to, err := time.Parse(dateLayout, rj.EffectiveTo)
		if err != nil {
			return fail("invalid effective_to %q", rj.EffectiveTo)
		}
		if !to.After(from) {
			return fail("effective_to must be after effective_from")
		}
		r.EffectiveTo = &to
	}

	if rj.Conditions != nil {
		c, err := parseConditions(*rj.Conditions)
		if err != nil {
			return wrap(err)
		}
		r.Conditions = c
	}

	d, err := f.parseDirective(rj.Directive, codes)
	if err != nil {
		return wrap(err)
	}
	r.Directive = d

	if rj.Threshold != nil {
		th, err := parseThreshold(*rj.Threshold)
		if err != nil {
			return wrap(err)
		}
		r.Threshold = th
	}
	return r, nil
}

func parseConditions(cj ConditionsJSON) (core.Conditions, error) {
	var c core.Conditions
	if cj.TimeOfDay != nil {
		from, err := parseClock(cj.TimeOfDay.From)
		if err != nil {
			return c, err
		}
		to, err := parseClock(cj.TimeOfDay.To)
		if err != nil {
			return c, err
		}
		c.TimeOfDay = &core.TimeOfDay{FromMinute: from, ToMinute: to}
	}
	for _, w := range cj.Weekdays {
		wd, err := parseWeekday(w)
		if err != nil {
			return c, err
		}
		c.Weekdays = append(c.Weekdays, wd)
	}
	c.Departments = cj.Departments
	c.Roles = cj.Roles
	for _, code := range cj.PayCodes {
		c.PayCodes = append(c.PayCodes, core.NormalizePayCode(code))
	}
	for _, hc := range cj.HourClasses {
		class, err := parseHourClass(hc)
		if err != nil {
			return c, err
		}
		c.HourClasses = append(c.HourClasses, class)
	}
	return c, nil
}

func (f *RuleBookFactory) parseDirective(dj DirectiveJSON, codes map[core.PayCodeID]core.PayCode) (core.Directive, error) {
	d := core.Directive{
		Kind:          core.DirectiveKind(dj.Kind),
		Policy:        core.ConflictPolicy(dj.Policy),
		Rate:          dj.Rate,
		Multiplier:    dj.Multiplier,
		Formula:       dj.Formula,
		Params:        dj.Params,
		OutputPayCode: core.NormalizePayCode(dj.OutputPayCode),
	}
	switch d.Policy {
	case "":
		d.Policy = core.PolicyReplace
	case core.PolicyReplace, core.PolicyStack:
	default:
		return d, fmt.Errorf("unknown policy %q", dj.Policy)
	}
	if d.Multiplier.IsNegative() {
		return d, fmt.Errorf("negative multiplier")
	}
	if d.Rate != nil && d.Rate.IsNegative() {
		return d, fmt.Errorf("negative rate")
	}
	if err := checkCode(d.OutputPayCode, codes); err != nil {
		return d, err
	}

	switch d.Kind {
	case core.DirectiveFlat:
	case core.DirectiveTiered:
		if len(dj.Tiers) == 0 {
			return d, fmt.Errorf("tiered directive without tiers")
		}
		var last *decimal.Decimal
		for i, tj := range dj.Tiers {
			if tj.UpTo != nil {
				if !tj.UpTo.IsPositive() || (last != nil && !tj.UpTo.GreaterThan(*last)) {
					return d, fmt.Errorf("tier %d: bounds must be positive and increasing", i)
				}
				last = tj.UpTo
			} else if i != len(dj.Tiers)-1 {
				return d, fmt.Errorf("tier %d: only the last tier may be unbounded", i)
			}
			if tj.Multiplier.IsNegative() {
				return d, fmt.Errorf("tier %d: negative multiplier", i)
			}
			code := core.NormalizePayCode(tj.PayCode)
			if err := checkCode(code, codes); err != nil {
				return d, fmt.Errorf("tier %d: %w", i, err)
			}
			d.Tiers = append(d.Tiers, core.Tier{UpTo: tj.UpTo, Multiplier: tj.Multiplier, PayCode: code})
		}
	case core.DirectiveFormula:
		if d.Formula == "" {
			return d, fmt.Errorf("formula directive without formula name")
		}
		if f.Formulas != nil {
			if _, ok := f.Formulas.Lookup(d.Formula); !ok {
				return d, fmt.Errorf("%w %q", core.ErrUnknownFormula, d.Formula)
			}
		}
	default:
		return d, fmt.Errorf("unknown directive kind %q", dj.Kind)
	}
	return d, nil
}

func parseThreshold(tj ThresholdJSON) (*core.Threshold, error) {
	th := &core.Threshold{Window: core.ThresholdWindow(tj.Window), Limit: tj.Limit}
	switch th.Window {
	case core.WindowDay, core.WindowWeek:
	case core.WindowConsecutiveDays:
		if !th.Limit.Equal(th.Limit.Truncate(0)) {
			return nil, fmt.Errorf("consecutive_days limit must be a whole number of days")
		}
	default:
		return nil, fmt.Errorf("unknown threshold window %q", tj.Window)
	}
	if !th.Limit.IsPositive() {
		return nil, fmt.Errorf("threshold limit must be positive")
	}
	if tj.Class != "" {
		class, err := parseHourClass(tj.Class)
		if err != nil {
			return nil, err
		}
		th.Class = class
	}
	return th, nil
}

func checkCode(code core.PayCodeID, codes map[core.PayCodeID]core.PayCode) error {
	if code == "" {
		return nil
	}
	if _, ok := codes[code]; !ok {
		return fmt.Errorf("unknown pay code %s", code)
	}
	return nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return (hh*60 + mm) % (24 * 60), nil
}

func formatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if wd, ok := weekdays[key]; ok {
		return wd, nil
	}
	for name, wd := range weekdays {
		if len(key) == 3 && strings.HasPrefix(name, key) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func parseHourClass(s string) (core.HourClass, error) {
	switch hc := core.HourClass(s); hc {
	case core.HourRegular, core.HourDailyOvertime, core.HourWeeklyOvertime,
		core.HourDoubleTime, core.HourConsecutiveDay:
		return hc, nil
	}
	return "", fmt.Errorf("unknown hour class %q", s)
}

func ruleToJSON(r core.PayRule) RuleJSON {
	rj := RuleJSON{
		ID:            string(r.ID),
		Name:          r.Name,
		Version:       r.Version,
		EffectiveFrom: r.EffectiveFrom.Format(dateLayout),
		Priority:      r.Priority,
		Directive: DirectiveJSON{
			Kind:          string(r.Directive.Kind),
			Policy:        string(r.Directive.Policy),
			Rate:          r.Directive.Rate,
			Multiplier:    r.Directive.Multiplier,
			Formula:       r.Directive.Formula,
			Params:        r.Directive.Params,
			OutputPayCode: string(r.Directive.OutputPayCode),
		},
	}
	if r.EffectiveTo != nil {
		rj.EffectiveTo = r.EffectiveTo.Format(dateLayout)
	}
	for _, t := range r.Directive.Tiers {
		rj.Directive.Tiers = append(rj.Directive.Tiers, TierJSON{UpTo: t.UpTo, Multiplier: t.Multiplier, PayCode: string(t.PayCode)})
	}

	c := r.Conditions
	if c.TimeOfDay != nil || len(c.Weekdays)+len(c.Departments)+len(c.Roles)+len(c.PayCodes)+len(c.HourClasses) > 0 {
		cj := &ConditionsJSON{Departments: c.Departments, Roles: c.Roles}
		if c.TimeOfDay != nil {
			cj.TimeOfDay = &TimeOfDayJSON{From: formatClock(c.TimeOfDay.FromMinute), To: formatClock(c.TimeOfDay.ToMinute)}
		}
		for _, wd := range c.Weekdays {
			cj.Weekdays = append(cj.Weekdays, strings.ToLower(wd.String()))
		}
		for _, code := range c.PayCodes {
			cj.PayCodes = append(cj.PayCodes, string(code))
		}
		for _, hc := range c.HourClasses {
			cj.HourClasses = append(cj.HourClasses, string(hc))
		}
		rj.Conditions = cj
	}
	if r.Threshold != nil {
		rj.Threshold = &ThresholdJSON{Window: string(r.Threshold.Window), Limit: r.Threshold.Limit, Class: string(r.Threshold.Class)}
	}
	return rj
}

func flatten(errs *multierror.Error) string {
	msgs := make([]string, len(errs.Errors))
	for i, err := range errs.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
