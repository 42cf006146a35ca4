/*
ledger.go - Vendor wallet ledger

PURPOSE:
  The Ledger applies debits and credits to a vendor's prepaid balance and
  appends the matching transaction in the same write scope. It never opens
  a transaction itself: callers hand it the assessment.Tx they are already
  in, so a charge commits or aborts together with the session or access-list
  change it pays for.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: balance >= 0 after every operation
  2. RECONCILED: balance == sum(credits) - sum(debits) at all times
  3. APPEND-ONLY: transactions are never edited, except that the refundable
     flag may move from true to false

EXAMPLE FLOW:
  1. Vendor approved, welcome bonus:    credit  +10.00  balance 10.00
  2. Candidate session starts (hold):   debit    -4.35  balance  5.65  refundable
  3. Candidate opens the MCQ section:   MarkNonRefundable             permanent
  4. Another candidate removed early:   credit   +4.35  (refund of their hold)

SEE ALSO:
  - service.go: standalone wallet operations (balance, history, top-up)
  - vendor.go: vendor provisioning and approval
  - billing/coordinator.go: maps session events to ledger calls
*/
package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/assessment"
)

// Meta tags a ledger entry with what it pays for.
type Meta struct {
	TestID     assessment.TestID
	Reference  string // candidate identity or external payment reference
	UsersCount int

	// NonRefundable writes a debit that can never be refunded.
	// Debits are refundable by default.
	NonRefundable bool
}

// Ledger is the only code path that changes a wallet balance.
type Ledger struct {
	clock    assessment.Clock
	currency string
}

func NewLedger(clock assessment.Clock, currency string) *Ledger {
	if clock == nil {
		clock = assessment.SystemClock
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Ledger{clock: clock, currency: currency}
}

// Debit charges the vendor. It fails with *assessment.InsufficientFundsError
// before writing anything if the balance cannot cover amount.
func (l *Ledger) Debit(ctx context.Context, tx assessment.Tx, vendorID assessment.VendorID, amount decimal.Decimal, description string, meta Meta) (*assessment.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, assessment.ErrInvalidAmount
	}

	vendor, err := tx.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if !vendor.Wallet.HasSufficientBalance(amount) {
		return nil, &assessment.InsufficientFundsError{
			VendorID:  vendorID,
			Required:  amount,
			Available: vendor.Wallet.Balance,
		}
	}

	balance, err := tx.AdjustBalance(ctx, vendorID, amount.Neg())
	if err != nil {
		return nil, err
	}
	// Re-check after the write; the caller's transaction is aborted on error.
	if balance.IsNegative() {
		return nil, fmt.Errorf("vendor %s: %w", vendorID, assessment.ErrNegativeBalance)
	}

	entry := l.entry(vendorID, assessment.TxDebit, amount, description, meta)
	entry.Refundable = !meta.NonRefundable
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Credit adds funds to the vendor's wallet.
func (l *Ledger) Credit(ctx context.Context, tx assessment.Tx, vendorID assessment.VendorID, amount decimal.Decimal, description string, meta Meta) (*assessment.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, assessment.ErrInvalidAmount
	}

	if _, err := tx.AdjustBalance(ctx, vendorID, amount); err != nil {
		return nil, err
	}

	entry := l.entry(vendorID, assessment.TxCredit, amount, description, meta)
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkNonRefundable makes the oldest refundable debit for the test permanent.
// With a reference, only that candidate's debit matches. Finding nothing is
// not an error; the returned bool reports whether a debit was flipped.
func (l *Ledger) MarkNonRefundable(ctx context.Context, tx assessment.Tx, vendorID assessment.VendorID, testID assessment.TestID, reference string) (bool, error) {
	debit, err := tx.FindRefundableDebit(ctx, vendorID, testID, reference)
	if err != nil {
		return false, err
	}
	if debit == nil {
		return false, nil
	}
	if err := tx.ClearRefundable(ctx, debit.ID); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile checks balance == credits - debits for the vendor.
func (l *Ledger) Reconcile(ctx context.Context, tx assessment.Tx, vendorID assessment.VendorID) error {
	vendor, err := tx.GetVendor(ctx, vendorID)
	if err != nil {
		return err
	}
	credits, debits, err := tx.SumTransactions(ctx, vendorID)
	if err != nil {
		return err
	}
	if expected := credits.Sub(debits); !expected.Equal(vendor.Wallet.Balance) {
		return fmt.Errorf("vendor %s: balance %s, ledger %s: %w",
			vendorID, vendor.Wallet.Balance, expected, assessment.ErrLedgerDrift)
	}
	return nil
}

func (l *Ledger) entry(vendorID assessment.VendorID, typ assessment.TransactionType, amount decimal.Decimal, description string, meta Meta) assessment.WalletTransaction {
	return assessment.WalletTransaction{
		ID:          assessment.TransactionID(uuid.NewString()),
		VendorID:    vendorID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		TestID:      meta.TestID,
		Reference:   meta.Reference,
		UsersCount:  meta.UsersCount,
		Status:      assessment.TxCompleted,
		CreatedAt:   l.clock(),
	}
}
