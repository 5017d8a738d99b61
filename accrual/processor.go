/*
Package accrual posts monthly leave accrual to the append-only ledger.

PURPOSE:
  The Processor decides, for one (employee, leave type, month), how much
  leave to grant and appends it as an AccrualTransaction:

    delta = min(monthly rate x active fraction, cap - accrued)

  rounded half-to-even at the accrual scale. Accrued is always derived from
  the ledger, never read from a stored balance.

IDEMPOTENCY:
  Every accrual carries the key accrual/<employee>/<leave type>/<YYYY-MM>.
  The key is checked before posting and enforced again by the store, so
  re-running a month never posts twice.

CORRECTIONS:
  Reverse appends the opposite delta with ReversesID set. It refuses to
  reverse a reversal and refuses to drive accrued below used.

SEE ALSO:
  - proration.go: pluggable proration policies
  - core/ledger.go: the ledger itself
*/
package accrual

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payrules-engine/core"
)

// Skip reasons reported in a Decision when nothing is posted.
const (
	SkipAlreadyPosted = "already_posted"
	SkipAtCap         = "at_cap"
	SkipInactive      = "inactive"
	SkipZeroRate      = "zero_rate"
)

type Processor struct {
	Ledger    *core.AccrualLedger
	Balances  core.LeaveBalanceSource // optional; supplies used and per-row caps
	Proration ProrationPolicy
	Scale     int32
	Logger    *zap.Logger
	Now       func() time.Time
}

type Option func(*Processor)

func WithBalances(src core.LeaveBalanceSource) Option {
	return func(p *Processor) { p.Balances = src }
}

func WithProration(policy ProrationPolicy) Option {
	return func(p *Processor) { p.Proration = policy }
}

func WithScale(scale int32) Option {
	return func(p *Processor) { p.Scale = scale }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.Logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.Now = now }
}

func NewProcessor(ledger *core.AccrualLedger, opts ...Option) *Processor {
	p := &Processor{
		Ledger:    ledger,
		Proration: ActiveDays,
		Scale:     core.DefaultAccrualScale,
		Logger:    zap.NewNop(),
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decision records what Accrue computed, posted or not.
type Decision struct {
	EmployeeID  core.EmployeeID
	LeaveTypeID core.LeaveTypeID
	Period      core.Period
	Fraction    decimal.Decimal
	Accrued     decimal.Decimal // before this posting
	Cap         decimal.Decimal // zero means uncapped
	Delta       decimal.Decimal
	Posted      bool
	SkipReason  string
	Transaction *core.AccrualTransaction
}

func (d Decision) String() string {
	if d.Posted {
		return fmt.Sprintf("%s +%s", d.LeaveTypeID, d.Delta.String())
	}
	return fmt.Sprintf("%s skipped (%s)", d.LeaveTypeID, d.SkipReason)
}

// AccrualKey is the idempotency key of one month's accrual.
func AccrualKey(emp core.EmployeeID, lt core.LeaveTypeID, month core.Period) string {
	return fmt.Sprintf("accrual/%s/%s/%s", emp, lt, month.Start.Format("2006-01"))
}

// ReversalKey is the idempotency key of the reversal of a transaction.
func ReversalKey(id core.TransactionID) string {
	return "reversal/" + string(id)
}

// Accrue computes and posts one month of accrual.
func (p *Processor) Accrue(ctx context.Context, emp core.Employee, lt core.LeaveType, month core.Period, runID core.RunID) (Decision, error) {
	if !month.IsCalendarMonth() {
		return Decision{}, fmt.Errorf("%w: accrual needs a calendar month, got %s", core.ErrInvalidPeriod, month)
	}
	d := Decision{EmployeeID: emp.ID, LeaveTypeID: lt.ID, Period: month}
	key := AccrualKey(emp.ID, lt.ID, month)

	if !lt.Active {
		return p.skip(d, SkipInactive), nil
	}
	posted, err := p.Ledger.Posted(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if posted {
		return p.skip(d, SkipAlreadyPosted), nil
	}

	d.Fraction = p.Proration.Fraction(emp, month)
	if !d.Fraction.IsPositive() {
		return p.skip(d, SkipInactive), nil
	}
	if !lt.MonthlyRate.IsPositive() {
		return p.skip(d, SkipZeroRate), nil
	}

	year := month.Year()
	d.Accrued, err = p.Ledger.Accrued(ctx, emp.ID, lt.ID, year)
	if err != nil {
		return Decision{}, err
	}
	balance, err := p.balance(ctx, emp.ID, lt.ID, year)
	if err != nil {
		return Decision{}, err
	}
	d.Cap = lt.Cap
	if balance != nil && balance.Cap.IsPositive() {
		d.Cap = balance.Cap
	}

	delta := lt.MonthlyRate.Mul(d.Fraction)
	if d.Cap.IsPositive() {
		headroom := d.Cap.Sub(d.Accrued)
		if !headroom.IsPositive() {
			return p.skip(d, SkipAtCap), nil
		}
		delta = core.MinDecimal(delta, headroom)
	}
	d.Delta = core.RoundMoney(delta, p.Scale)
	if !d.Delta.IsPositive() {
		return p.skip(d, SkipAtCap), nil
	}

	tx := core.AccrualTransaction{
		ID:             core.TransactionID(uuid.New().String()),
		EmployeeID:     emp.ID,
		LeaveTypeID:    lt.ID,
		Year:           year,
		Period:         month,
		Delta:          d.Delta,
		Reason:         fmt.Sprintf("monthly accrual %s x %s", lt.MonthlyRate.String(), d.Fraction.Round(4).String()),
		IdempotencyKey: key,
		RunID:          runID,
		CreatedAt:      p.Now().UTC(),
	}
	if err := p.Ledger.Post(ctx, tx); err != nil {
		if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
			return p.skip(d, SkipAlreadyPosted), nil
		}
		return Decision{}, err
	}

	d.Posted = true
	d.Transaction = &tx
	p.Logger.Debug("accrual posted",
		zap.String("employee_id", string(emp.ID)),
		zap.String("leave_type", string(lt.ID)),
		zap.String("period", month.Key()),
		zap.String("delta", d.Delta.String()))
	return d, nil
}

func (p *Processor) skip(d Decision, reason string) Decision {
	d.SkipReason = reason
	d.Delta = decimal.Zero
	p.Logger.Debug("accrual skipped",
		zap.String("employee_id", string(d.EmployeeID)),
		zap.String("leave_type", string(d.LeaveTypeID)),
		zap.String("period", d.Period.Key()),
		zap.String("reason", reason))
	return d
}

func (p *Processor) balance(ctx context.Context, emp core.EmployeeID, lt core.LeaveTypeID, year int) (*core.LeaveBalance, error) {
	if p.Balances == nil {
		return nil, nil
	}
	return p.Balances.Balance(ctx, emp, lt, year)
}

// Balance combines the ledger's accrued total with the collaborator's used
// and cap figures.
func (p *Processor) Balance(ctx context.Context, emp core.EmployeeID, lt core.LeaveTypeID, year int) (core.LeaveBalance, error) {
	accrued, err := p.Ledger.Accrued(ctx, emp, lt, year)
	if err != nil {
		return core.LeaveBalance{}, err
	}
	b := core.LeaveBalance{EmployeeID: emp, LeaveTypeID: lt, Year: year, Accrued: accrued}
	row, err := p.balance(ctx, emp, lt, year)
	if err != nil {
		return core.LeaveBalance{}, err
	}
	if row != nil {
		b.Used = row.Used
		b.Cap = row.Cap
	}
	return b, nil
}

// Reverse appends a correction cancelling the transaction with the given id.
func (p *Processor) Reverse(ctx context.Context, id core.TransactionID, reason string) (core.AccrualTransaction, error) {
	orig, err := p.Ledger.Get(ctx, id)
	if err != nil {
		return core.AccrualTransaction{}, err
	}
	if orig.ReversesID != "" {
		return core.AccrualTransaction{}, &core.DataError{
			EmployeeID: orig.EmployeeID,
			Reason:     fmt.Sprintf("transaction %s is itself a reversal", id),
		}
	}

	key := ReversalKey(id)
	posted, err := p.Ledger.Posted(ctx, key)
	if err != nil {
		return core.AccrualTransaction{}, err
	}
	if posted {
		return core.AccrualTransaction{}, fmt.Errorf("transaction %s already reversed: %w", id, core.ErrDuplicateIdempotencyKey)
	}

	b, err := p.Balance(ctx, orig.EmployeeID, orig.LeaveTypeID, orig.Year)
	if err != nil {
		return core.AccrualTransaction{}, err
	}
	if b.Accrued.Sub(orig.Delta).LessThan(b.Used) {
		return core.AccrualTransaction{}, &core.DataError{
			EmployeeID: orig.EmployeeID,
			Reason: fmt.Sprintf("reversing %s would leave accrued %s below used %s",
				orig.Delta.String(), b.Accrued.Sub(orig.Delta).String(), b.Used.String()),
		}
	}

	if reason == "" {
		reason = "reversal"
	}
	tx := core.AccrualTransaction{
		ID:             core.TransactionID(uuid.New().String()),
		EmployeeID:     orig.EmployeeID,
		LeaveTypeID:    orig.LeaveTypeID,
		Year:           orig.Year,
		Period:         orig.Period,
		Delta:          orig.Delta.Neg(),
		Reason:         reason,
		IdempotencyKey: key,
		RunID:          orig.RunID,
		ReversesID:     orig.ID,
		CreatedAt:      p.Now().UTC(),
	}
	if err := p.Ledger.Post(ctx, tx); err != nil {
		return core.AccrualTransaction{}, err
	}
	p.Logger.Info("accrual reversed",
		zap.String("transaction_id", string(id)),
		zap.String("employee_id", string(orig.EmployeeID)),
		zap.String("delta", tx.Delta.String()))
	return tx, nil
}
