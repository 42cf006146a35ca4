package assessment_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/assessment"
)

// =============================================================================
// STATUS
// =============================================================================

func TestSessionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to assessment.SessionStatus
		ok       bool
	}{
		{assessment.SessionCreated, assessment.SessionStarted, true},
		{assessment.SessionStarted, assessment.SessionInProgress, true},
		{assessment.SessionInProgress, assessment.SessionPaused, true},
		{assessment.SessionPaused, assessment.SessionInProgress, true},
		{assessment.SessionInProgress, assessment.SessionCompleted, true},
		{assessment.SessionPaused, assessment.SessionExpired, true},
		{assessment.SessionCreated, assessment.SessionTerminated, true},
		{assessment.SessionStarted, assessment.SessionPaused, false},
		{assessment.SessionCreated, assessment.SessionCompleted, false},
		{assessment.SessionCompleted, assessment.SessionInProgress, false},
		{assessment.SessionExpired, assessment.SessionTerminated, false},
		{assessment.SessionTerminated, assessment.SessionTerminated, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSessionStatus_Classes(t *testing.T) {
	for _, s := range assessment.LiveSessionStatuses {
		assert.True(t, s.IsLive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, assessment.SessionCreated.AcceptsActivity())
	assert.True(t, assessment.SessionPaused.AcceptsActivity())
	assert.False(t, assessment.SessionStatus("bogus").IsValid())
	assert.False(t, assessment.SessionStatus("bogus").IsLive())
}

func TestTestStatus(t *testing.T) {
	assert.True(t, assessment.TestInMCQ.InContent())
	assert.True(t, assessment.TestInCoding.InContent())
	assert.False(t, assessment.TestStarted.InContent())
	assert.False(t, assessment.TestStatus("warp").IsValid())
	assert.True(t, assessment.TestCompleted.IsTerminal())
	assert.True(t, assessment.TestExpired.IsTerminal())
	assert.False(t, assessment.TestInCoding.IsTerminal())
}

// =============================================================================
// ENTITIES
// =============================================================================

func TestGrant_Check(t *testing.T) {
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	base := assessment.Grant{Status: assessment.GrantActive, ValidUntil: now, MaxAttempts: 1}

	assert.NoError(t, base.Check(now), "validUntil is inclusive")

	late := base
	assert.ErrorIs(t, late.Check(now.Add(time.Nanosecond)), assessment.ErrGrantExpired)

	used := base
	used.AttemptsUsed = 1
	assert.ErrorIs(t, used.Check(now), assessment.ErrAttemptsExhausted)

	revoked := base
	revoked.Status = assessment.GrantRevoked
	assert.ErrorIs(t, revoked.Check(now), assessment.ErrGrantRevoked)
	assert.False(t, revoked.Allows(now))
}

func TestAccessControl(t *testing.T) {
	ac := assessment.AccessControl{
		AllowedUsers:     []assessment.AllowedUser{{Email: "a@x.com"}},
		CurrentUserCount: 1,
		UserLimit:        1,
	}

	_, ok := ac.Find(" A@X.com ")
	assert.True(t, ok)
	assert.False(t, ac.HasRoom())
	assert.Equal(t, []string{"a@x.com"}, ac.AllowedEmails())

	ac.UserLimit = 0
	assert.True(t, ac.HasRoom(), "zero limit is unlimited")
}

func TestSession_Remaining(t *testing.T) {
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	s := assessment.Session{ExpiresAt: now.Add(5 * time.Minute)}
	assert.Equal(t, 5*time.Minute, s.Remaining(now))
	assert.Zero(t, s.Remaining(now.Add(time.Hour)))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want assessment.Kind
	}{
		{"nil", nil, ""},
		{"test not found", assessment.ErrTestNotFound, assessment.KindNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", assessment.ErrSessionNotFound), assessment.KindNotFound},
		{"duplicate grant", assessment.ErrDuplicateGrant, assessment.KindConflict},
		{"hold outstanding", assessment.ErrHoldOutstanding, assessment.KindConflict},
		{"batch duplicates", &assessment.DuplicateInBatchError{Emails: []string{"a@x.com"}}, assessment.KindConflict},
		{"invalid state", &assessment.InvalidStateError{Status: assessment.SessionCompleted}, assessment.KindInvalidState},
		{"session expired", assessment.ErrSessionExpired, assessment.KindExpired},
		{"funds", &assessment.InsufficientFundsError{}, assessment.KindInsufficientFunds},
		{"billing wraps funds", &assessment.BillingError{Err: &assessment.InsufficientFundsError{}}, assessment.KindInsufficientFunds},
		{"in progress", assessment.ErrAttemptInProgress, assessment.KindAttemptInProgress},
		{"validation", &assessment.ValidationError{Field: "email"}, assessment.KindValidation},
		{"internal wins", &assessment.InternalError{Op: "x", Err: assessment.ErrTestNotFound}, assessment.KindInternal},
		{"unknown", errors.New("boom"), assessment.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, assessment.KindOf(tt.err))
		})
	}
}

func TestInsufficientFundsError(t *testing.T) {
	err := &assessment.InsufficientFundsError{
		Required:  decimal.RequireFromString("4.35"),
		Available: decimal.RequireFromString("1.3"),
	}
	assert.Equal(t, "insufficient wallet balance. Required: 4.35, Available: 1.30", err.Error())
	assert.True(t, err.Shortfall().Equal(decimal.RequireFromString("3.05")))
	assert.True(t, assessment.IsClientError(err))
	assert.False(t, assessment.IsRetryable(err))
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, assessment.IsNotFound(assessment.ErrGrantNotFound))
	assert.True(t, assessment.IsRetryable(fmt.Errorf("commit: %w", assessment.ErrConcurrentModification)))
	assert.False(t, assessment.IsClientError(errors.New("boom")))
}

// =============================================================================
// RUNTX
// =============================================================================

// flakyStore fails the first n WithTx calls with err.
type flakyStore struct {
	failures int
	err      error
	calls    int
}

func (s *flakyStore) WithTx(_ context.Context, fn func(assessment.Tx) error) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return fn(nil)
}

func (s *flakyStore) Close() error { return nil }

func TestRunTx_RetriesConcurrentModification(t *testing.T) {
	store := &flakyStore{failures: 2, err: assessment.ErrConcurrentModification}
	ran := false

	err := assessment.RunTx(context.Background(), store, func(assessment.Tx) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, store.calls)
}

func TestRunTx_ExhaustedBecomesInternal(t *testing.T) {
	store := &flakyStore{failures: 10, err: assessment.ErrConcurrentModification}

	err := assessment.RunTx(context.Background(), store, func(assessment.Tx) error { return nil })

	assert.Equal(t, assessment.KindInternal, assessment.KindOf(err))
	assert.ErrorIs(t, err, assessment.ErrConcurrentModification)
	assert.Equal(t, assessment.MaxTxAttempts, store.calls)
}

func TestRunTx_NoRetryForDomainErrors(t *testing.T) {
	store := &flakyStore{}

	err := assessment.RunTx(context.Background(), store, func(assessment.Tx) error {
		return assessment.ErrDuplicateGrant
	})

	assert.ErrorIs(t, err, assessment.ErrDuplicateGrant)
	assert.Equal(t, 1, store.calls)
}
