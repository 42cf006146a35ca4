package wallet_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/store/sqlite"
	"github.com/warp/assessment-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func newTestWallet(t *testing.T) (*wallet.Service, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := wallet.NewLedger(fixedClock, "INR")
	return wallet.NewService(store, ledger, decimal.NewFromInt(10)), store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func debit(t *testing.T, svc *wallet.Service, store *sqlite.Store, vendorID assessment.VendorID, amount string) error {
	t.Helper()
	return store.WithTx(context.Background(), func(tx assessment.Tx) error {
		_, err := svc.Ledger().Debit(context.Background(), tx, vendorID, dec(amount), "charge",
			wallet.Meta{TestID: "test-1", UsersCount: 1})
		return err
	})
}

// =============================================================================
// VENDOR APPROVAL
// =============================================================================

func TestApproveVendor_NewVendor_CreditsWelcomeBonus(t *testing.T) {
	// GIVEN: No vendor record
	// WHEN: Admin approves the vendor
	// THEN: Vendor exists, approved, with the welcome bonus as a single credit

	svc, _ := newTestWallet(t)
	ctx := context.Background()

	v, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{Name: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, assessment.VendorApproved, v.Status)
	assert.Equal(t, assessment.PlanFree, v.Plan)
	assert.Equal(t, 1, v.Settings.DefaultMaxAttempts)
	assert.Equal(t, 7, v.Settings.DefaultValidityDays)

	w, err := svc.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("10")), "balance %s", w.Balance)

	page, err := svc.History(ctx, "vendor-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, assessment.TxCredit, page.Transactions[0].Type)
}

func TestApproveVendor_Idempotent(t *testing.T) {
	svc, _ := newTestWallet(t)
	ctx := context.Background()

	_, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)
	_, err = svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)

	w, err := svc.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("10")), "second approval must not credit again")
}

func TestApproveVendor_PendingVendor(t *testing.T) {
	svc, _ := newTestWallet(t)
	ctx := context.Background()

	_, err := svc.RegisterVendor(ctx, "vendor-1", wallet.Profile{Name: "Acme", Email: "ops@acme.io"})
	require.NoError(t, err)

	v, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{Company: "Acme Ltd"})
	require.NoError(t, err)
	assert.Equal(t, assessment.VendorApproved, v.Status)
	assert.Equal(t, "Acme", v.Name)
	assert.Equal(t, "Acme Ltd", v.Company)
	require.NotNil(t, v.ApprovedAt)
	assert.Equal(t, "admin", v.ApprovedBy)
}

// =============================================================================
// LEDGER INVARIANTS
// =============================================================================

func TestLedger_Debit_InsufficientFunds_NoWrite(t *testing.T) {
	// GIVEN: Vendor with 10.00
	// WHEN: Debiting 12.00
	// THEN: InsufficientFunds with required/available, nothing written

	svc, store := newTestWallet(t)
	ctx := context.Background()
	_, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)

	err = debit(t, svc, store, "vendor-1", "12.00")

	var funds *assessment.InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	assert.True(t, funds.Required.Equal(dec("12")))
	assert.True(t, funds.Available.Equal(dec("10")))
	assert.True(t, funds.Shortfall().Equal(dec("2")))
	assert.ErrorIs(t, err, assessment.ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "Required: 12.00, Available: 10.00")

	page, err := svc.History(ctx, "vendor-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestLedger_Debit_ExactBalance(t *testing.T) {
	svc, store := newTestWallet(t)
	ctx := context.Background()
	_, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)

	require.NoError(t, debit(t, svc, store, "vendor-1", "10.00"))

	w, err := svc.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func TestLedger_Debit_RejectsNonPositive(t *testing.T) {
	svc, store := newTestWallet(t)
	_, err := svc.ApproveVendor(context.Background(), "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)

	for _, amount := range []string{"0", "-1"} {
		err := debit(t, svc, store, "vendor-1", amount)
		assert.ErrorIs(t, err, assessment.ErrValidation, amount)
	}
}

func TestLedger_BalanceMatchesTransactions(t *testing.T) {
	// GIVEN: A mix of credits and debits, including a rejected one
	// THEN: balance == credits - debits and balance >= 0 after every step

	svc, store := newTestWallet(t)
	ctx := context.Background()
	_, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)

	steps := []struct {
		credit bool
		amount string
	}{
		{false, "4.35"}, {false, "4.35"}, {false, "4.35"}, {true, "2.50"}, {false, "3.80"}, {false, "0.01"},
	}
	for _, step := range steps {
		if step.credit {
			_, err = svc.TopUp(ctx, "vendor-1", dec(step.amount), "pay-1")
		} else {
			err = debit(t, svc, store, "vendor-1", step.amount)
		}
		if err != nil {
			assert.ErrorIs(t, err, assessment.ErrInsufficientFunds)
		}

		w, err := svc.Balance(ctx, "vendor-1")
		require.NoError(t, err)
		assert.False(t, w.Balance.IsNegative())
		require.NoError(t, svc.Reconcile(ctx, "vendor-1"))
	}
}

func TestLedger_MarkNonRefundable(t *testing.T) {
	svc, store := newTestWallet(t)
	ctx := context.Background()
	_, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)
	require.NoError(t, debit(t, svc, store, "vendor-1", "4.35"))

	var flipped []bool
	for i := 0; i < 2; i++ {
		err := store.WithTx(ctx, func(tx assessment.Tx) error {
			ok, err := svc.Ledger().MarkNonRefundable(ctx, tx, "vendor-1", "test-1", "")
			flipped = append(flipped, ok)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, false}, flipped, "second call finds nothing and is not an error")

	page, err := svc.History(ctx, "vendor-1", 1, 10)
	require.NoError(t, err)
	for _, tx := range page.Transactions {
		assert.False(t, tx.Refundable)
	}
}

func TestHistory_Paging(t *testing.T) {
	svc, _ := newTestWallet(t)
	ctx := context.Background()
	_, err := svc.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := svc.TopUp(ctx, "vendor-1", dec("1"), "")
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, "vendor-1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasMore)
	assert.Len(t, page.Transactions, 2)

	last, err := svc.History(ctx, "vendor-1", 3, 2)
	require.NoError(t, err)
	assert.False(t, last.HasMore)
	require.Len(t, last.Transactions, 1)
	assert.Equal(t, "Welcome bonus credit", last.Transactions[0].Description, "oldest entry is last")
}

func TestBalance_UnknownVendor(t *testing.T) {
	svc, _ := newTestWallet(t)
	_, err := svc.Balance(context.Background(), "nobody")
	assert.ErrorIs(t, err, assessment.ErrVendorNotFound)
	assert.Equal(t, assessment.KindNotFound, assessment.KindOf(err))
}
