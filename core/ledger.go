/*
ledger.go - Append-only accrual ledger

PURPOSE:
  The AccrualLedger is the source of truth for leave accrual. Every posted
  accrual and every correction is a transaction; the accrued balance of
  (employee, leave type, year) is the sum of its transactions. There is no
  separate balance field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IDEMPOTENT: Same idempotency key = same transaction (no duplicates).
  3. CORRECTIONS: A mistake is undone by a reversal transaction carrying
     ReversesID; both stay in the ledger.

SEE ALSO:
  - store.go: AccrualStore persistence interface
  - accrual/processor.go: computes what to post
*/
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

type AccrualLedger struct {
	Store AccrualStore
}

func NewAccrualLedger(store AccrualStore) *AccrualLedger {
	return &AccrualLedger{Store: store}
}

// Post appends a transaction. Fails with ErrDuplicateIdempotencyKey if the
// key was already posted.
func (l *AccrualLedger) Post(ctx context.Context, tx AccrualTransaction) error {
	if tx.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, tx)
}

// Posted reports whether a transaction with the key exists.
func (l *AccrualLedger) Posted(ctx context.Context, idempotencyKey string) (bool, error) {
	return l.Store.Exists(ctx, idempotencyKey)
}

func (l *AccrualLedger) Transactions(ctx context.Context, employeeID EmployeeID, leaveTypeID LeaveTypeID, year int) ([]AccrualTransaction, error) {
	return l.Store.Load(ctx, employeeID, leaveTypeID, year)
}

// Accrued is the sum of all transactions for (employee, leave type, year).
func (l *AccrualLedger) Accrued(ctx context.Context, employeeID EmployeeID, leaveTypeID LeaveTypeID, year int) (decimal.Decimal, error) {
	txs, err := l.Store.Load(ctx, employeeID, leaveTypeID, year)
	if err != nil {
		return decimal.Zero, err
	}
	return SumDeltas(txs), nil
}

func (l *AccrualLedger) Get(ctx context.Context, id TransactionID) (*AccrualTransaction, error) {
	return l.Store.Get(ctx, id)
}
