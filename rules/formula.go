package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"github.com/warp/payrules-engine/core"
)

// FormulaInput is what a formula directive is evaluated against.
type FormulaInput struct {
	Employee core.Employee
	Segment  core.Segment
	Rate     *decimal.Decimal // working rate so far, nil before any base rate
	Params   map[string]any
}

// Formula computes a rate (replace rules) or a multiplier (stack rules).
type Formula func(in FormulaInput) (decimal.Decimal, error)

// FormulaRegistry maps formula references in rule directives to functions.
// Safe for concurrent use.
type FormulaRegistry struct {
	mu       sync.RWMutex
	formulas map[string]Formula
}

// NewFormulaRegistry returns a registry holding the built-in formulas.
func NewFormulaRegistry() *FormulaRegistry {
	r := &FormulaRegistry{formulas: make(map[string]Formula)}
	r.Register("employee_rate", employeeRate)
	r.Register("rate_floor", rateFloor)
	r.Register("fixed_amount", fixedAmount)
	return r
}

func (r *FormulaRegistry) Register(name string, f Formula) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formulas[name] = f
}

func (r *FormulaRegistry) Lookup(name string) (Formula, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formulas[name]
	return f, ok
}

func (r *FormulaRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.formulas))
	for n := range r.formulas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// BUILT-INS
// =============================================================================

type multiplierParams struct {
	Multiplier decimal.Decimal `mapstructure:"multiplier"`
}

// employeeRate is the roster hourly rate, optionally scaled.
func employeeRate(in FormulaInput) (decimal.Decimal, error) {
	var p multiplierParams
	if err := DecodeParams(in.Params, &p); err != nil {
		return decimal.Zero, err
	}
	if in.Employee.HourlyRate.IsZero() {
		return decimal.Zero, &core.DataError{
			EmployeeID: in.Employee.ID,
			EntryID:    in.Segment.EntryID,
			Reason:     "employee has no hourly rate",
			Err:        core.ErrMissingRosterData,
		}
	}
	if p.Multiplier.IsZero() {
		return in.Employee.HourlyRate, nil
	}
	return in.Employee.HourlyRate.Mul(p.Multiplier), nil
}

type floorParams struct {
	Floor decimal.Decimal `mapstructure:"floor"`
}

// rateFloor raises the working rate (or the hourly rate) to at least floor.
func rateFloor(in FormulaInput) (decimal.Decimal, error) {
	var p floorParams
	if err := DecodeParams(in.Params, &p); err != nil {
		return decimal.Zero, err
	}
	rate := in.Employee.HourlyRate
	if in.Rate != nil {
		rate = *in.Rate
	}
	if rate.LessThan(p.Floor) {
		return p.Floor, nil
	}
	return rate, nil
}

type amountParams struct {
	Amount decimal.Decimal `mapstructure:"amount"`
}

// fixedAmount is meant for pay codes of rate type fixed, where the rate is
// the line amount.
func fixedAmount(in FormulaInput) (decimal.Decimal, error) {
	var p amountParams
	if err := DecodeParams(in.Params, &p); err != nil {
		return decimal.Zero, err
	}
	return p.Amount, nil
}

// =============================================================================
// PARAMETER DECODING
// =============================================================================

// DecodeParams decodes loosely typed directive parameters into out. Numbers
// may be given as JSON numbers or strings.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       DecimalHook,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return &core.ConfigurationError{Reason: "invalid formula parameters: " + err.Error(), Err: err}
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// DecimalHook converts strings and numbers to decimal.Decimal.
func DecimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return nil, fmt.Errorf("cannot convert %T to decimal", data)
}
