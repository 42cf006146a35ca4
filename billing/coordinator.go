/*
Package billing maps session lifecycle events onto wallet ledger operations.

PURPOSE:
  A vendor pays pricePerUser for each candidate who uses a test. The money
  moves in three steps, each committed together with the state change it
  belongs to:

    session created     -> hold: refundable debit, entry paymentStatus=deducted
    candidate in content-> confirm: debit non-refundable, paymentStatus=confirmed
    session ended       -> settle: confirm the candidate's payment, or charge
                           when they have none

  A listed candidate pays once per test. Every later attempt, and the
  completion of an attempt whose hold was taken earlier, confirms that one
  payment. Each completion by an unlisted candidate (a public test) is charged.
  A candidate removed before starting gets the hold credited back.

REFUND ABUSE:
  Removal is refused with ErrAttemptInProgress once testStarted is set or
  while the candidate has a session running. Settling always sets
  testStarted, so a completed candidate can never be refunded.
  Because the entry is deleted in the same transaction as the refund credit,
  a second removal finds no entry and cannot refund twice.

FAILED CHARGES:
  When a session ends and its charge fails for lack of funds, the completion
  still commits, the session is flagged billingStatus=failed, the failure is
  logged at error level and a *assessment.BillingError reaches the caller.
  UnbilledSessions lists them; RetryCharge bills one once funds are back.

SEE ALSO:
  - wallet/ledger.go: debit/credit/markNonRefundable primitives
  - session/service.go: calls PlaceHold, StartTest and Settle inside its transactions
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/access"
	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/wallet"
)

type Coordinator struct {
	store   assessment.Store
	ledger  *wallet.Ledger
	pricing *Pricing
	clock   assessment.Clock
}

func NewCoordinator(store assessment.Store, ledger *wallet.Ledger, pricing *Pricing, clock assessment.Clock) *Coordinator {
	if clock == nil {
		clock = assessment.SystemClock
	}
	return &Coordinator{store: store, ledger: ledger, pricing: pricing, clock: clock}
}

func (c *Coordinator) Pricing() *Pricing { return c.pricing }

// =============================================================================
// STANDALONE OPERATIONS
// =============================================================================

// OnTestCompletion debits pricePerUser for one completed test. Every call
// charges once; it fails with *assessment.InsufficientFundsError and writes
// nothing when the wallet is short.
func (c *Coordinator) OnTestCompletion(ctx context.Context, testID assessment.TestID, userRef string) (*assessment.WalletTransaction, error) {
	var entry *assessment.WalletTransaction
	err := assessment.RunTx(ctx, c.store, func(tx assessment.Tx) error {
		test, err := tx.GetTest(ctx, testID)
		if err != nil {
			return err
		}
		entry, err = c.ChargeCompletion(ctx, tx, test, userRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// OnTestStart marks the candidate as started and makes their hold permanent.
func (c *Coordinator) OnTestStart(ctx context.Context, testID assessment.TestID, email string) error {
	return assessment.RunTx(ctx, c.store, func(tx assessment.Tx) error {
		test, err := tx.GetTest(ctx, testID)
		if err != nil {
			return err
		}
		return c.StartTest(ctx, tx, test, email, true)
	})
}

// RefundResult describes a removal.
type RefundResult struct {
	Email    string
	Refunded decimal.Decimal
	Refund   *assessment.WalletTransaction
}

// RemoveUserAndRefund removes a candidate who has not started and credits
// back their hold if one was taken. Started candidates, and candidates with
// a session still running, are refused with ErrAttemptInProgress and nothing
// changes.
func (c *Coordinator) RemoveUserAndRefund(ctx context.Context, testID assessment.TestID, email string) (*RefundResult, error) {
	email = assessment.NormalizeEmail(email)
	result := &RefundResult{Email: email, Refunded: decimal.Zero}

	err := assessment.RunTx(ctx, c.store, func(tx assessment.Tx) error {
		test, err := tx.GetTest(ctx, testID)
		if err != nil {
			return err
		}
		entry, ok := test.AccessControl.Find(email)
		if !ok {
			return assessment.ErrUserNotFound
		}
		if entry.TestStarted {
			return assessment.ErrAttemptInProgress
		}
		live, err := access.LiveAttempt(ctx, tx, test.ID, email, c.clock())
		if err != nil {
			return err
		}
		if live {
			return assessment.ErrAttemptInProgress
		}

		if entry.PaymentStatus == assessment.PaymentDeducted && entry.PaymentAmount.IsPositive() {
			// The hold is settled by this refund and must never be refunded again.
			if _, err := c.ledger.MarkNonRefundable(ctx, tx, test.VendorID, test.ID, email); err != nil {
				return err
			}
			refund, err := c.ledger.Credit(ctx, tx, test.VendorID, entry.PaymentAmount,
				fmt.Sprintf("Refund for removed user %s from test", email),
				wallet.Meta{TestID: test.ID, Reference: email, UsersCount: 1})
			if err != nil {
				return err
			}
			result.Refund = refund
			result.Refunded = entry.PaymentAmount
		}

		if err := tx.RemoveAllowedUser(ctx, test.ID, email); err != nil {
			return err
		}
		return access.RevokeGrant(ctx, tx, test.ID, email, c.clock())
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("test_id", string(testID)).
		Str("email", email).
		Str("refunded", result.Refunded.StringFixed(2)).
		Msg("user removed from test")
	return result, nil
}

// BalanceCheck is a preflight of the wallet against a number of candidates.
type BalanceCheck struct {
	VendorID     assessment.VendorID
	PricePerUser decimal.Decimal
	Users        int
	Required     decimal.Decimal
	Available    decimal.Decimal
	Shortfall    decimal.Decimal
	Sufficient   bool
}

// CheckBalance reports whether the test's vendor can pay for users candidates.
func (c *Coordinator) CheckBalance(ctx context.Context, testID assessment.TestID, users int) (*BalanceCheck, error) {
	if users < 1 {
		users = 1
	}

	var check BalanceCheck
	err := assessment.RunTx(ctx, c.store, func(tx assessment.Tx) error {
		test, err := tx.GetTest(ctx, testID)
		if err != nil {
			return err
		}
		vendor, err := tx.GetVendor(ctx, test.VendorID)
		if err != nil {
			return err
		}
		price, err := c.pricing.PriceIn(ctx, tx)
		if err != nil {
			return err
		}

		required := price.Mul(decimal.NewFromInt(int64(users)))
		check = BalanceCheck{
			VendorID:     vendor.ID,
			PricePerUser: price,
			Users:        users,
			Required:     required,
			Available:    vendor.Wallet.Balance,
			Shortfall:    decimal.Max(required.Sub(vendor.Wallet.Balance), decimal.Zero),
			Sufficient:   vendor.Wallet.HasSufficientBalance(required),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &check, nil
}

// UnbilledSessions lists completed sessions whose charge failed.
func (c *Coordinator) UnbilledSessions(ctx context.Context) ([]assessment.Session, error) {
	var sessions []assessment.Session
	err := assessment.RunTx(ctx, c.store, func(tx assessment.Tx) error {
		var err error
		sessions, err = tx.ListSessionsByBilling(ctx, assessment.BillingFailed)
		return err
	})
	return sessions, err
}

// RetryCharge bills a session whose completion charge failed.
func (c *Coordinator) RetryCharge(ctx context.Context, sessionID assessment.SessionID) (*assessment.WalletTransaction, error) {
	var entry *assessment.WalletTransaction
	err := assessment.RunTx(ctx, c.store, func(tx assessment.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.BillingStatus != assessment.BillingFailed {
			return &assessment.InvalidStateError{SessionID: sess.ID, Status: sess.Status, Op: "retry billing for"}
		}
		test, err := tx.GetTest(ctx, sess.TestID)
		if err != nil {
			return err
		}
		if entry, err = c.ChargeCompletion(ctx, tx, test, sessionRef(sess)); err != nil {
			return err
		}
		if err := c.recordCharge(ctx, tx, test, sess.UserEmail, entry); err != nil {
			return err
		}
		sess.BillingStatus = assessment.BillingCharged
		sess.UpdatedAt = c.clock()
		return tx.UpdateSession(ctx, *sess)
	})
	return entry, err
}

// =============================================================================
// IN-TRANSACTION STEPS
// =============================================================================

// ChargeCompletion debits one completion fee inside tx.
func (c *Coordinator) ChargeCompletion(ctx context.Context, tx assessment.Tx, test *assessment.Test, userRef string) (*assessment.WalletTransaction, error) {
	price, err := c.pricing.PriceIn(ctx, tx)
	if err != nil {
		return nil, err
	}
	return c.ledger.Debit(ctx, tx, test.VendorID, price,
		fmt.Sprintf("Test completion fee for user %s", userRef),
		wallet.Meta{TestID: test.ID, Reference: userRef, UsersCount: 1})
}

// PlaceHold debits pricePerUser as a refundable hold for a listed candidate
// who has not paid yet. Unlisted or already-paid candidates get no hold and
// a nil transaction.
func (c *Coordinator) PlaceHold(ctx context.Context, tx assessment.Tx, test *assessment.Test, email string) (*assessment.WalletTransaction, error) {
	entry, ok := test.AccessControl.Find(email)
	if !ok || entry.PaymentStatus != assessment.PaymentNone {
		return nil, nil
	}

	price, err := c.pricing.PriceIn(ctx, tx)
	if err != nil {
		return nil, err
	}
	hold, err := c.ledger.Debit(ctx, tx, test.VendorID, price,
		fmt.Sprintf("Test access fee for user %s", entry.Email),
		wallet.Meta{TestID: test.ID, Reference: entry.Email, UsersCount: 1})
	if err != nil {
		return nil, err
	}

	entry.PaymentStatus = assessment.PaymentDeducted
	entry.PaymentAmount = price
	if err := tx.UpdateAllowedUser(ctx, test.ID, entry); err != nil {
		return nil, err
	}
	return hold, nil
}

// StartTest flags the candidate as started and confirms their payment.
// With strict unset, an unlisted candidate (a public test) is not an error.
func (c *Coordinator) StartTest(ctx context.Context, tx assessment.Tx, test *assessment.Test, email string, strict bool) error {
	entry, ok := test.AccessControl.Find(email)
	if !ok {
		if strict {
			return assessment.ErrUserNotFound
		}
		return nil
	}
	if strict && entry.PaymentStatus == assessment.PaymentNone {
		entry.PaymentStatus = assessment.PaymentConfirmed
	}
	return c.confirm(ctx, tx, test, entry)
}

// confirm marks entry as started and its payment as permanent.
func (c *Coordinator) confirm(ctx context.Context, tx assessment.Tx, test *assessment.Test, entry assessment.AllowedUser) error {
	entry.TestStarted = true
	if entry.PaymentStatus == assessment.PaymentDeducted {
		entry.PaymentStatus = assessment.PaymentConfirmed
	}
	if err := tx.UpdateAllowedUser(ctx, test.ID, entry); err != nil {
		return err
	}

	_, err := c.ledger.MarkNonRefundable(ctx, tx, test.VendorID, test.ID, entry.Email)
	return err
}

// recordCharge attaches a completion charge to the candidate's entry, if
// they are listed, so the charge counts as their payment.
func (c *Coordinator) recordCharge(ctx context.Context, tx assessment.Tx, test *assessment.Test, email string, charge *assessment.WalletTransaction) error {
	entry, ok := test.AccessControl.Find(email)
	if !ok || email == "" {
		return nil
	}
	entry.PaymentStatus = assessment.PaymentDeducted
	entry.PaymentAmount = charge.Amount
	return c.confirm(ctx, tx, test, entry)
}

func hasPaid(entry assessment.AllowedUser) bool {
	return entry.PaymentStatus == assessment.PaymentDeducted ||
		entry.PaymentStatus == assessment.PaymentConfirmed
}

// Settle bills a session being completed inside tx and records the outcome
// in sess.BillingStatus. A listed candidate who already paid, by this
// session's hold or an earlier attempt's, is confirmed and not charged again.
// Anyone else is charged, including a candidate whose hold was refunded.
// On insufficient funds the session is marked failed and a
// *assessment.BillingError is returned; the caller may still commit.
func (c *Coordinator) Settle(ctx context.Context, tx assessment.Tx, test *assessment.Test, sess *assessment.Session) error {
	entry, listed := test.AccessControl.Find(sess.UserEmail)
	listed = listed && sess.UserEmail != ""
	if listed && hasPaid(entry) {
		if err := c.confirm(ctx, tx, test, entry); err != nil {
			return err
		}
		sess.BillingStatus = assessment.BillingCharged
		return nil
	}

	charge, err := c.ChargeCompletion(ctx, tx, test, sessionRef(sess))
	if err == nil {
		sess.BillingStatus = assessment.BillingCharged
		return c.recordCharge(ctx, tx, test, sess.UserEmail, charge)
	}
	if !errors.Is(err, assessment.ErrInsufficientFunds) {
		return err
	}

	sess.BillingStatus = assessment.BillingFailed
	evt := log.Error().
		Err(err).
		Str("session_id", string(sess.ID)).
		Str("test_id", string(test.ID)).
		Str("vendor_id", string(test.VendorID)).
		Str("user_id", string(sess.UserID))
	var funds *assessment.InsufficientFundsError
	if errors.As(err, &funds) {
		evt = evt.Str("required", funds.Required.StringFixed(2)).Str("available", funds.Available.StringFixed(2))
	}
	if sess.HoldTransactionID != "" {
		evt = evt.Str("refunded_hold", string(sess.HoldTransactionID))
	}
	evt.Msg("test completed but billing failed")

	return &assessment.BillingError{SessionID: sess.ID, TestID: test.ID, Err: err}
}

func sessionRef(s *assessment.Session) string {
	if s.UserEmail != "" {
		return s.UserEmail
	}
	return string(s.UserID)
}
