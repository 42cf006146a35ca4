package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/access"
	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/billing"
	"github.com/warp/assessment-engine/session"
	"github.com/warp/assessment-engine/store/sqlite"
	"github.com/warp/assessment-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store    *sqlite.Store
	clock    *testClock
	wallet   *wallet.Service
	access   *access.Service
	billing  *billing.Coordinator
	sessions *session.Service
	test     *assessment.Test
}

// newFixture: vendor-1 approved with 10.00, a private 60-minute test, and
// alice@x.com granted maxAttempts attempts.
func newFixture(t *testing.T, maxAttempts int) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{t: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	ledger := wallet.NewLedger(clock.Now, "INR")
	pricing := billing.NewPricing(store, decimal.RequireFromString("4.35"))
	coordinator := billing.NewCoordinator(store, ledger, pricing, clock.Now)
	f := &fixture{
		store:    store,
		clock:    clock,
		wallet:   wallet.NewService(store, ledger, decimal.NewFromInt(10)),
		access:   access.NewService(store, ledger, clock.Now),
		billing:  coordinator,
		sessions: session.NewService(store, coordinator, clock.Now),
	}

	ctx := context.Background()
	_, err = f.wallet.ApproveVendor(ctx, "vendor-1", "admin", wallet.Profile{})
	require.NoError(t, err)
	f.test, err = f.access.CreateTest(ctx, access.NewTest{VendorID: "vendor-1", Title: "Go", Duration: 60})
	require.NoError(t, err)
	_, err = f.access.GrantAccess(ctx, access.GrantRequest{
		TestID: f.test.ID, VendorID: "vendor-1", Identity: "alice@x.com", MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T) *assessment.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), session.CreateRequest{
		TestID: f.test.ID, UserID: "user-alice", Email: "alice@x.com",
	})
	require.NoError(t, err)
	return sess
}

func (f *fixture) status(t *testing.T, id assessment.SessionID) assessment.Session {
	t.Helper()
	view, err := f.sessions.Status(context.Background(), id, "user-alice")
	require.NoError(t, err)
	return view.Session
}

func (f *fixture) grant(t *testing.T) *assessment.Grant {
	t.Helper()
	g, err := f.access.GetGrant(context.Background(), f.test.ID, "alice@x.com")
	require.NoError(t, err)
	return g
}

func (f *fixture) balance(t *testing.T, vendorID assessment.VendorID) decimal.Decimal {
	t.Helper()
	w, err := f.wallet.Balance(context.Background(), vendorID)
	require.NoError(t, err)
	return w.Balance
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_SetsDeadlineAndHold(t *testing.T) {
	// GIVEN: A 60-minute private test and a granted candidate
	// WHEN: The candidate starts a session
	// THEN: expiresAt = start + 60min, hold placed, one attempt consumed

	f := newFixture(t, 1)
	sess := f.create(t)

	assert.Equal(t, f.clock.Now(), sess.StartTime)
	assert.Equal(t, sess.StartTime.Add(60*time.Minute), sess.ExpiresAt)
	assert.Equal(t, 3600, sess.MaxDuration)
	assert.Equal(t, assessment.SessionStarted, sess.Status)
	assert.Equal(t, assessment.TestNotStarted, sess.TestStatus)
	assert.Equal(t, session.FirstSection, sess.Progress.CurrentSection)
	assert.Equal(t, assessment.BillingHeld, sess.BillingStatus)
	assert.NotEmpty(t, sess.HoldTransactionID)

	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))

	g := f.grant(t)
	assert.Equal(t, 1, g.AttemptsUsed)
	assert.Equal(t, assessment.UserID("user-alice"), g.UserID)
	assert.Equal(t, assessment.SessionStarted, g.SessionStatus)
}

func TestCreate_ActiveSessionExists(t *testing.T) {
	f := newFixture(t, 3)
	f.create(t)

	_, err := f.sessions.Create(context.Background(), session.CreateRequest{
		TestID: f.test.ID, UserID: "user-alice", Email: "alice@x.com",
	})
	assert.ErrorIs(t, err, assessment.ErrActiveSessionExists)
	assert.Equal(t, 1, f.grant(t).AttemptsUsed, "failed create consumes nothing")
}

func TestCreate_StaleLiveSessionIsReplaced(t *testing.T) {
	// GIVEN: A live session past its deadline that no sweep has touched
	f := newFixture(t, 2)
	first := f.create(t)
	f.clock.Advance(61 * time.Minute)

	// WHEN: Creating again
	second := f.create(t)

	// THEN: The stale one is expired and the new one is live
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, assessment.SessionExpired, f.status(t, first.ID).Status)
	assert.Equal(t, assessment.SessionStarted, f.status(t, second.ID).Status)
}

func TestCreate_ConcurrentSingleWinner(t *testing.T) {
	// GIVEN: Plenty of attempts
	// WHEN: Two creates race for the same (test, user)
	// THEN: Exactly one succeeds, the other gets ActiveSessionExists

	f := newFixture(t, 5)
	ctx := context.Background()

	const racers = 4
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.sessions.Create(ctx, session.CreateRequest{
				TestID: f.test.ID, UserID: "user-alice", Email: "alice@x.com",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, assessment.ErrActiveSessionExists)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.grant(t).AttemptsUsed)
}

func TestCreate_Gates(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.sessions.Create(ctx, session.CreateRequest{TestID: f.test.ID, UserID: "user-bob", Email: "bob@x.com"})
	assert.ErrorIs(t, err, assessment.ErrGrantNotFound, "no grant")

	_, err = f.sessions.Create(ctx, session.CreateRequest{TestID: "missing", UserID: "user-alice", Email: "alice@x.com"})
	assert.ErrorIs(t, err, assessment.ErrTestNotFound)

	require.NoError(t, f.access.SetTestActive(ctx, "vendor-1", f.test.ID, false))
	_, err = f.sessions.Create(ctx, session.CreateRequest{TestID: f.test.ID, UserID: "user-alice", Email: "alice@x.com"})
	assert.ErrorIs(t, err, assessment.ErrTestInactive)
}

func TestCreate_AttemptsExhausted(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.create(t)
	_, err := f.sessions.End(context.Background(), sess.ID, "user-alice", "manual")
	require.NoError(t, err)

	_, err = f.sessions.Create(context.Background(), session.CreateRequest{
		TestID: f.test.ID, UserID: "user-alice", Email: "alice@x.com",
	})
	assert.ErrorIs(t, err, assessment.ErrAttemptsExhausted)
}

func TestCreate_InsufficientFundsForHold(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.billing.OnTestCompletion(ctx, f.test.ID, "other")
	require.NoError(t, err)
	_, err = f.billing.OnTestCompletion(ctx, f.test.ID, "other")
	require.NoError(t, err)

	_, err = f.sessions.Create(ctx, session.CreateRequest{TestID: f.test.ID, UserID: "user-alice", Email: "alice@x.com"})
	assert.ErrorIs(t, err, assessment.ErrInsufficientFunds)
	assert.Equal(t, 0, f.grant(t).AttemptsUsed, "rolled back with the failed hold")
}

// =============================================================================
// VALIDATE
// =============================================================================

func TestValidate_ExpiredAfterDeadline(t *testing.T) {
	// GIVEN: A session on a 60-minute test
	// WHEN: Validating at start + 61min
	// THEN: Expired is returned and status/testStatus are persisted as expired

	f := newFixture(t, 1)
	sess := f.create(t)
	f.clock.Advance(61 * time.Minute)

	_, err := f.sessions.Validate(context.Background(), sess.ID, "user-alice")

	assert.ErrorIs(t, err, assessment.ErrSessionExpired)
	assert.Equal(t, assessment.KindExpired, assessment.KindOf(err))
	stored := f.status(t, sess.ID)
	assert.Equal(t, assessment.SessionExpired, stored.Status)
	assert.Equal(t, assessment.TestExpired, stored.TestStatus)
	assert.Equal(t, assessment.SessionExpired, f.grant(t).SessionStatus)
}

func TestValidate_AtDeadlineStillValid(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.create(t)
	f.clock.Advance(60 * time.Minute)

	got, err := f.sessions.Validate(context.Background(), sess.ID, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, assessment.SessionStarted, got.Status)
}

func TestValidate_TestDeactivated(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)
	require.NoError(t, f.access.SetTestActive(ctx, "vendor-1", f.test.ID, false))

	_, err := f.sessions.Validate(ctx, sess.ID, "user-alice")
	assert.ErrorIs(t, err, assessment.ErrTestUnavailable)
	assert.Equal(t, assessment.SessionTerminated, f.status(t, sess.ID).Status)
}

func TestValidate_TerminalStatusIsInvalidState(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)
	_, err := f.sessions.End(ctx, sess.ID, "user-alice", "manual")
	require.NoError(t, err)

	_, err = f.sessions.Validate(ctx, sess.ID, "user-alice")

	var stateErr *assessment.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, assessment.SessionCompleted, stateErr.Status)
}

func TestValidate_OtherUser(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.create(t)

	_, err := f.sessions.Validate(context.Background(), sess.ID, "user-mallory")
	assert.ErrorIs(t, err, assessment.ErrSessionNotFound)
}

// =============================================================================
// PROGRESS / PAUSE / EVENTS
// =============================================================================

func TestUpdateProgress_EnteringContentConfirmsHold(t *testing.T) {
	// GIVEN: A started session with a refundable hold
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	// WHEN: The candidate opens the MCQ section
	got, err := f.sessions.UpdateProgress(ctx, sess.ID, "user-alice", session.ProgressUpdate{
		Answers:    map[string]any{"q1": "b"},
		TestStatus: assessment.TestInMCQ,
	})
	require.NoError(t, err)

	// THEN: Session in progress, candidate started, hold permanent
	assert.Equal(t, assessment.SessionInProgress, got.Status)
	assert.Equal(t, assessment.TestInMCQ, got.TestStatus)
	assert.Equal(t, "b", got.Progress.Answers["q1"])

	test, err := f.access.GetTest(ctx, f.test.ID)
	require.NoError(t, err)
	entry, ok := test.AccessControl.Find("alice@x.com")
	require.True(t, ok)
	assert.True(t, entry.TestStarted)
	assert.Equal(t, assessment.PaymentConfirmed, entry.PaymentStatus)

	// AND: Removal with refund is now refused
	_, err = f.billing.RemoveUserAndRefund(ctx, f.test.ID, "alice@x.com")
	assert.ErrorIs(t, err, assessment.ErrAttemptInProgress)
	assert.Equal(t, assessment.TestInMCQ, f.grant(t).TestStatus)
}

func TestUpdateProgress_ReplacesAndIgnoresUnknownStatus(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	_, err := f.sessions.UpdateProgress(ctx, sess.ID, "user-alice", session.ProgressUpdate{
		Answers: map[string]any{"q1": "a", "q2": "c"},
	})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	got, err := f.sessions.UpdateProgress(ctx, sess.ID, "user-alice", session.ProgressUpdate{
		Answers:        map[string]any{"q3": "d"},
		CurrentSection: "coding",
		TestStatus:     "teleporting",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"q3": "d"}, got.Progress.Answers)
	assert.Equal(t, "coding", got.Progress.CurrentSection)
	assert.Equal(t, f.clock.Now(), got.Progress.LastUpdated)
	assert.Equal(t, assessment.TestNotStarted, got.TestStatus)
	assert.Equal(t, assessment.SessionStarted, got.Status)
}

func TestUpdateProgress_IgnoresTerminalStatus(t *testing.T) {
	// GIVEN: A started session
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	// WHEN: The client reports completed and then expired
	for _, status := range []assessment.TestStatus{assessment.TestCompleted, assessment.TestExpired} {
		got, err := f.sessions.UpdateProgress(ctx, sess.ID, "user-alice", session.ProgressUpdate{TestStatus: status})
		require.NoError(t, err)

		// THEN: Neither sticks; only End and expiry set them
		assert.Equal(t, assessment.TestNotStarted, got.TestStatus, status)
		assert.Equal(t, assessment.SessionStarted, got.Status, status)
	}
	assert.Equal(t, assessment.TestNotStarted, f.status(t, sess.ID).TestStatus)
	assert.Equal(t, assessment.TestNotStarted, f.grant(t).TestStatus)

	// AND: The session still ends normally
	got, err := f.sessions.End(ctx, sess.ID, "user-alice", "manual")
	require.NoError(t, err)
	assert.Equal(t, assessment.TestCompleted, got.TestStatus)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	_, err := f.sessions.Pause(ctx, sess.ID, "user-alice")
	assert.ErrorIs(t, err, assessment.ErrInvalidState, "started sessions cannot pause")

	_, err = f.sessions.UpdateProgress(ctx, sess.ID, "user-alice", session.ProgressUpdate{TestStatus: assessment.TestInCoding})
	require.NoError(t, err)

	paused, err := f.sessions.Pause(ctx, sess.ID, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, assessment.SessionPaused, paused.Status)

	resumed, err := f.sessions.Resume(ctx, sess.ID, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, assessment.SessionInProgress, resumed.Status)
}

func TestRecordEvent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	events := []session.Event{
		{Type: "focus_lost", Severity: session.SeverityWarning},
		{Type: "tab_switch", Severity: session.SeverityWarning},
		{Type: "multiple_faces", Detail: "2 faces", Severity: session.SeverityViolation},
		{Type: "fullscreen_enter"},
	}
	var analytics *assessment.Analytics
	for _, ev := range events {
		var err error
		analytics, err = f.sessions.RecordEvent(ctx, sess.ID, "user-alice", ev)
		require.NoError(t, err)
	}

	assert.Len(t, analytics.BrowserEvents, 4)
	assert.Equal(t, 2, analytics.Warnings)
	require.Len(t, analytics.Violations, 1)
	assert.Equal(t, "2 faces", analytics.Violations[0].Detail)

	_, err := f.sessions.RecordEvent(ctx, sess.ID, "user-alice", session.Event{})
	assert.ErrorIs(t, err, assessment.ErrValidation)
}

func TestTerminate(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	got, err := f.sessions.Terminate(ctx, sess.ID, "user-alice", "too many violations")
	require.NoError(t, err)
	assert.Equal(t, assessment.SessionTerminated, got.Status)
	require.NotNil(t, got.EndTime)

	_, err = f.sessions.Terminate(ctx, sess.ID, "user-alice", "again")
	assert.ErrorIs(t, err, assessment.ErrInvalidState)
}

// =============================================================================
// END & BILLING
// =============================================================================

func TestEnd_WithHold_NoSecondCharge(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	got, err := f.sessions.End(ctx, sess.ID, "user-alice", "")
	require.NoError(t, err)
	assert.Equal(t, assessment.SessionCompleted, got.Status)
	assert.Equal(t, assessment.TestCompleted, got.TestStatus)
	assert.Equal(t, "manual", got.SubmissionType)
	assert.Equal(t, assessment.BillingCharged, got.BillingStatus)
	require.NotNil(t, got.EndTime)

	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))
	assert.Equal(t, assessment.SessionCompleted, f.grant(t).SessionStatus)
	require.NoError(t, f.wallet.Reconcile(ctx, "vendor-1"))
}

func TestRemoveUser_RefusedWhileSessionLive(t *testing.T) {
	// GIVEN: A held session the candidate has not yet used
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	// WHEN: The vendor tries to remove the candidate, with or without refund
	_, err := f.billing.RemoveUserAndRefund(ctx, f.test.ID, "alice@x.com")
	assert.ErrorIs(t, err, assessment.ErrAttemptInProgress)
	err = f.access.RevokeAccess(ctx, f.test.ID, "alice@x.com")
	assert.ErrorIs(t, err, assessment.ErrAttemptInProgress)

	// THEN: Nothing was refunded and the completion settles the hold
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))
	got, err := f.sessions.End(ctx, sess.ID, "user-alice", "manual")
	require.NoError(t, err)
	assert.Equal(t, assessment.BillingCharged, got.BillingStatus)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))

	// AND: The completed candidate can no longer be refunded
	_, err = f.billing.RemoveUserAndRefund(ctx, f.test.ID, "alice@x.com")
	assert.ErrorIs(t, err, assessment.ErrAttemptInProgress)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))
	require.NoError(t, f.wallet.Reconcile(ctx, "vendor-1"))
}

func TestEnd_RefundedHold_IsCharged(t *testing.T) {
	// GIVEN: A held session whose candidate was removed and refunded
	// underneath it
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t)

	ledger := wallet.NewLedger(f.clock.Now, "INR")
	require.NoError(t, f.store.WithTx(ctx, func(tx assessment.Tx) error {
		if err := tx.RemoveAllowedUser(ctx, f.test.ID, "alice@x.com"); err != nil {
			return err
		}
		_, err := ledger.Credit(ctx, tx, "vendor-1", dec("4.35"), "Refund for removed user alice@x.com from test",
			wallet.Meta{TestID: f.test.ID, Reference: "alice@x.com", UsersCount: 1})
		return err
	}))
	require.True(t, f.balance(t, "vendor-1").Equal(dec("10")))

	// WHEN: The session completes
	got, err := f.sessions.End(ctx, sess.ID, "user-alice", "manual")
	require.NoError(t, err)

	// THEN: The completion is charged, not recorded as paid for free
	assert.Equal(t, assessment.BillingCharged, got.BillingStatus)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))
	require.NoError(t, f.wallet.Reconcile(ctx, "vendor-1"))
}

func TestEnd_SecondAttemptAfterExpiredHold_ChargesOnce(t *testing.T) {
	// GIVEN: Two attempts; the first session is held and then abandoned
	f := newFixture(t, 2)
	ctx := context.Background()
	first := f.create(t)
	f.clock.Advance(61 * time.Minute)

	// WHEN: The candidate retries and completes
	second := f.create(t)
	assert.Empty(t, second.HoldTransactionID, "the first hold already covers the candidate")
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))

	got, err := f.sessions.End(ctx, second.ID, "user-alice", "manual")
	require.NoError(t, err)

	// THEN: The first hold is the only payment and it is now permanent
	assert.Equal(t, assessment.BillingCharged, got.BillingStatus)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))

	test, err := f.access.GetTest(ctx, f.test.ID)
	require.NoError(t, err)
	entry, ok := test.AccessControl.Find("alice@x.com")
	require.True(t, ok)
	assert.True(t, entry.TestStarted)
	assert.Equal(t, assessment.PaymentConfirmed, entry.PaymentStatus)

	// AND: The candidate cannot be refunded after completing
	_, err = f.billing.RemoveUserAndRefund(ctx, f.test.ID, "alice@x.com")
	assert.ErrorIs(t, err, assessment.ErrAttemptInProgress)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))
	assert.Equal(t, assessment.SessionExpired, f.status(t, first.ID).Status)
	require.NoError(t, f.wallet.Reconcile(ctx, "vendor-1"))
}

func TestRevokeAccess_OutstandingHoldMustBeRefunded(t *testing.T) {
	// GIVEN: A candidate whose held session expired unused
	f := newFixture(t, 1)
	ctx := context.Background()
	f.create(t)
	f.clock.Advance(61 * time.Minute)

	// WHEN: The vendor revokes without refund
	err := f.access.RevokeAccess(ctx, f.test.ID, "alice@x.com")

	// THEN: It is refused, leaving the entry and its hold in place
	assert.ErrorIs(t, err, assessment.ErrHoldOutstanding)
	assert.Equal(t, assessment.KindConflict, assessment.KindOf(err))
	test, err := f.access.GetTest(ctx, f.test.ID)
	require.NoError(t, err)
	_, ok := test.AccessControl.Find("alice@x.com")
	assert.True(t, ok)

	// AND: Removal with refund credits the hold back
	refund, err := f.billing.RemoveUserAndRefund(ctx, f.test.ID, "alice@x.com")
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("10")))

	// AND: A re-granted candidate is held exactly once
	_, err = f.access.GrantAccess(ctx, access.GrantRequest{
		TestID: f.test.ID, VendorID: "vendor-1", Identity: "alice@x.com", MaxAttempts: 1,
	})
	require.NoError(t, err)
	sess := f.create(t)
	assert.NotEmpty(t, sess.HoldTransactionID)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))
	require.NoError(t, f.wallet.Reconcile(ctx, "vendor-1"))
}

func TestEnd_PublicTest_ChargesOnCompletion(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	public, err := f.access.CreateTest(ctx, access.NewTest{
		VendorID: "vendor-1", Title: "Open", Duration: 30, AccessType: assessment.AccessPublic,
	})
	require.NoError(t, err)

	sess, err := f.sessions.Create(ctx, session.CreateRequest{TestID: public.ID, UserID: "user-bob"})
	require.NoError(t, err)
	assert.Empty(t, sess.HoldTransactionID)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("10")))

	got, err := f.sessions.End(ctx, sess.ID, "user-bob", "auto")
	require.NoError(t, err)
	assert.Equal(t, assessment.BillingCharged, got.BillingStatus)
	assert.True(t, f.balance(t, "vendor-1").Equal(dec("5.65")))
}

func TestEnd_BillingFailure_CompletesAndFlags(t *testing.T) {
	// GIVEN: A public test whose vendor has an empty wallet
	f := newFixture(t, 1)
	ctx := context.Background()
	broke, err := f.access.CreateTest(ctx, access.NewTest{
		VendorID: "vendor-broke", Title: "Open", Duration: 30, AccessType: assessment.AccessPublic,
	})
	require.NoError(t, err)
	sess, err := f.sessions.Create(ctx, session.CreateRequest{TestID: broke.ID, UserID: "user-bob"})
	require.NoError(t, err)

	// WHEN: The candidate finishes
	got, err := f.sessions.End(ctx, sess.ID, "user-bob", "manual")

	// THEN: Completion sticks, billing failure surfaces and is listed
	var billErr *assessment.BillingError
	require.ErrorAs(t, err, &billErr)
	assert.ErrorIs(t, err, assessment.ErrInsufficientFunds)
	require.NotNil(t, got)
	assert.Equal(t, assessment.SessionCompleted, got.Status)

	view, err := f.sessions.Status(ctx, sess.ID, "user-bob")
	require.NoError(t, err)
	assert.Equal(t, assessment.SessionCompleted, view.Session.Status)
	assert.Equal(t, assessment.BillingFailed, view.Session.BillingStatus)

	unbilled, err := f.billing.UnbilledSessions(ctx)
	require.NoError(t, err)
	require.Len(t, unbilled, 1)
	assert.Equal(t, sess.ID, unbilled[0].ID)

	// AND: Once funded, the charge can be retried
	_, err = f.wallet.TopUp(ctx, "vendor-broke", dec("5"), "pay-1")
	require.NoError(t, err)
	_, err = f.billing.RetryCharge(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, f.balance(t, "vendor-broke").Equal(dec("0.65")))

	unbilled, err = f.billing.UnbilledSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, unbilled)
}

// =============================================================================
// CLEANUP
// =============================================================================

func TestCleanupExpired_Idempotent(t *testing.T) {
	// GIVEN: Two live sessions past their deadline
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.access.GrantAccess(ctx, access.GrantRequest{TestID: f.test.ID, VendorID: "vendor-1", Identity: "bob@x.com"})
	require.NoError(t, err)

	first := f.create(t)
	second, err := f.sessions.Create(ctx, session.CreateRequest{TestID: f.test.ID, UserID: "user-bob", Email: "bob@x.com"})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	// WHEN: Cleaning up twice
	n1, err := f.sessions.CleanupExpired(ctx)
	require.NoError(t, err)
	n2, err := f.sessions.CleanupExpired(ctx)
	require.NoError(t, err)

	// THEN: First call expires both, second reports zero and changes nothing
	assert.Equal(t, 2, n1)
	assert.Equal(t, 0, n2)
	assert.Equal(t, assessment.SessionExpired, f.status(t, first.ID).Status)
	view, err := f.sessions.Status(ctx, second.ID, "user-bob")
	require.NoError(t, err)
	assert.Equal(t, assessment.SessionExpired, view.Session.Status)
	assert.Zero(t, view.Remaining)
	assert.Equal(t, assessment.SessionExpired, f.grant(t).SessionStatus)
}

func TestCleanupExpired_LeavesLiveSessions(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.create(t)
	f.clock.Advance(30 * time.Minute)

	n, err := f.sessions.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	view, err := f.sessions.Status(context.Background(), sess.ID, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, view.Remaining)
}
