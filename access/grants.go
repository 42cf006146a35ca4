/*
Package access manages who may attempt a test.

PURPOSE:
  Two records describe a candidate's access and they must never disagree:
  the grant (one per test and identity, carrying validity and attempts) and
  the test's embedded access list (allowed users plus currentUserCount).
  Every operation here changes both inside one assessment.Tx.

KEY CONCEPTS:
  - Identity: a normalized (lowercased, trimmed) email
  - Grant lifecycle: active -> expired | revoked. A revoked or expired grant
    can be re-issued by granting again, which resets attemptsUsed.
  - Vendor gate: the owning vendor must be approved; an unknown vendor is
    provisioned on first use.

INVARIANTS:
  - currentUserCount == len(allowedUsers) after every operation
  - at most one grant per (test, identity)
  - isGranted(now) <=> active && now <= validUntil && attemptsUsed < maxAttempts

SEE ALSO:
  - import.go: batch operations built on GrantAccess
  - tests.go: test catalog
  - billing/coordinator.go: removal with refund
*/
package access

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/wallet"
)

var validate = validator.New()

// ValidateEmail normalizes email and checks its format.
func ValidateEmail(email string) (string, error) {
	email = assessment.NormalizeEmail(email)
	if err := validate.Var(email, "required,email"); err != nil {
		return "", assessment.ErrInvalidEmail
	}
	return email, nil
}

// Service is the access grant store.
type Service struct {
	store  assessment.Store
	ledger *wallet.Ledger
	clock  assessment.Clock
}

func NewService(store assessment.Store, ledger *wallet.Ledger, clock assessment.Clock) *Service {
	if clock == nil {
		clock = assessment.SystemClock
	}
	return &Service{store: store, ledger: ledger, clock: clock}
}

// GrantRequest describes one grant. Zero ValidUntil and MaxAttempts fall
// back to the test's access settings, then to the vendor's defaults.
type GrantRequest struct {
	TestID      assessment.TestID
	VendorID    assessment.VendorID
	Identity    string
	Name        string
	ValidUntil  time.Time
	MaxAttempts int
}

// GrantAccess creates a grant and the matching access-list entry.
func (s *Service) GrantAccess(ctx context.Context, req GrantRequest) (*assessment.Grant, error) {
	var grant *assessment.Grant
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		var err error
		grant, err = s.grant(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("test_id", string(grant.TestID)).
		Str("identity", grant.Identity).
		Time("valid_until", grant.ValidUntil).
		Msg("access granted")
	return grant, nil
}

func (s *Service) grant(ctx context.Context, tx assessment.Tx, req GrantRequest) (*assessment.Grant, error) {
	identity, err := ValidateEmail(req.Identity)
	if err != nil {
		return nil, err
	}

	vendor, err := s.ledger.RequireApproved(ctx, tx, req.VendorID)
	if err != nil {
		return nil, err
	}
	test, err := ownedTest(ctx, tx, req.VendorID, req.TestID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	validUntil, maxAttempts := grantTerms(req, test, vendor, now)

	existing, err := tx.GetGrant(ctx, test.ID, identity)
	if err != nil && !errors.Is(err, assessment.ErrGrantNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == assessment.GrantActive && !now.After(existing.ValidUntil) {
		return nil, assessment.ErrDuplicateGrant
	}

	if _, listed := test.AccessControl.Find(identity); !listed {
		if !test.AccessControl.HasRoom() {
			return nil, assessment.ErrUserLimitExceeded
		}
		entry := assessment.AllowedUser{
			Email:         identity,
			Name:          req.Name,
			AddedAt:       now,
			PaymentStatus: assessment.PaymentNone,
		}
		if err := tx.AddAllowedUser(ctx, test.ID, entry); err != nil {
			return nil, err
		}
	}

	if existing != nil {
		// Re-issue a revoked or lapsed grant.
		existing.Status = assessment.GrantActive
		existing.ValidUntil = validUntil
		existing.MaxAttempts = maxAttempts
		existing.AttemptsUsed = 0
		existing.TestStatus = assessment.TestNotStarted
		existing.SessionStatus = ""
		existing.UpdatedAt = now
		if err := tx.UpdateGrant(ctx, *existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	g := assessment.Grant{
		ID:          assessment.GrantID(uuid.NewString()),
		TestID:      test.ID,
		VendorID:    test.VendorID,
		Identity:    identity,
		ValidUntil:  validUntil,
		MaxAttempts: maxAttempts,
		Status:      assessment.GrantActive,
		TestStatus:  assessment.TestNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.InsertGrant(ctx, g); err != nil {
		return nil, err
	}
	return &g, nil
}

func grantTerms(req GrantRequest, test *assessment.Test, vendor *assessment.Vendor, now time.Time) (time.Time, int) {
	validUntil := req.ValidUntil
	if validUntil.IsZero() {
		if vu := test.AccessControl.ValidUntil; vu != nil {
			validUntil = *vu
		} else {
			validUntil = now.AddDate(0, 0, max(vendor.Settings.DefaultValidityDays, 1))
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = test.AccessControl.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = max(vendor.Settings.DefaultMaxAttempts, 1)
	}
	return validUntil, maxAttempts
}

// RevokeAccess removes a candidate who has not started. A started candidate,
// or one with a session still running, fails with ErrAttemptInProgress. A
// candidate holding a refundable fee fails with ErrHoldOutstanding and must be
// removed through billing so the hold is credited back.
func (s *Service) RevokeAccess(ctx context.Context, testID assessment.TestID, identity string) error {
	identity = assessment.NormalizeEmail(identity)
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		test, err := tx.GetTest(ctx, testID)
		if err != nil {
			return err
		}
		entry, ok := test.AccessControl.Find(identity)
		if !ok {
			return assessment.ErrUserNotFound
		}
		if entry.TestStarted {
			return assessment.ErrAttemptInProgress
		}
		live, err := LiveAttempt(ctx, tx, testID, identity, s.clock())
		if err != nil {
			return err
		}
		if live {
			return assessment.ErrAttemptInProgress
		}
		if entry.PaymentStatus == assessment.PaymentDeducted && entry.PaymentAmount.IsPositive() {
			return assessment.ErrHoldOutstanding
		}
		if err := tx.RemoveAllowedUser(ctx, testID, identity); err != nil {
			return err
		}
		return RevokeGrant(ctx, tx, testID, identity, s.clock())
	})
	if err != nil {
		return err
	}

	log.Info().Str("test_id", string(testID)).Str("identity", identity).Msg("access revoked")
	return nil
}

// RevokeGrant flips the grant to revoked, if there is one.
func RevokeGrant(ctx context.Context, tx assessment.Tx, testID assessment.TestID, identity string, now time.Time) error {
	g, err := tx.GetGrant(ctx, testID, identity)
	if errors.Is(err, assessment.ErrGrantNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	g.Status = assessment.GrantRevoked
	g.UpdatedAt = now
	return tx.UpdateGrant(ctx, *g)
}

// LiveAttempt reports whether identity has an unexpired session running on
// the test.
func LiveAttempt(ctx context.Context, tx assessment.Tx, testID assessment.TestID, identity string, now time.Time) (bool, error) {
	g, err := tx.GetGrant(ctx, testID, identity)
	if errors.Is(err, assessment.ErrGrantNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if g.UserID == "" {
		return false, nil
	}
	live, err := tx.FindLiveSession(ctx, testID, g.UserID)
	if err != nil {
		return false, err
	}
	return live != nil && !now.After(live.ExpiresAt), nil
}

// IsGranted reports whether identity may start a new attempt now.
func (s *Service) IsGranted(ctx context.Context, testID assessment.TestID, identity string) (bool, error) {
	var granted bool
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		g, err := tx.GetGrant(ctx, testID, assessment.NormalizeEmail(identity))
		if errors.Is(err, assessment.ErrGrantNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		granted = g.Allows(s.clock())
		return nil
	})
	return granted, err
}

// GetGrant returns the grant for (test, identity).
func (s *Service) GetGrant(ctx context.Context, testID assessment.TestID, identity string) (*assessment.Grant, error) {
	var g *assessment.Grant
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		var err error
		g, err = tx.GetGrant(ctx, testID, assessment.NormalizeEmail(identity))
		return err
	})
	return g, err
}

// UserAccess is an access-list entry joined with its grant.
type UserAccess struct {
	assessment.AllowedUser
	Grant *assessment.Grant
}

// ListUsers returns the test's access list in insertion order.
func (s *Service) ListUsers(ctx context.Context, testID assessment.TestID) ([]UserAccess, error) {
	var users []UserAccess
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		test, err := tx.GetTest(ctx, testID)
		if err != nil {
			return err
		}
		grants, err := tx.ListGrants(ctx, testID)
		if err != nil {
			return err
		}

		byIdentity := make(map[string]assessment.Grant, len(grants))
		for _, g := range grants {
			byIdentity[g.Identity] = g
		}

		users = make([]UserAccess, 0, len(test.AccessControl.AllowedUsers))
		for _, u := range test.AccessControl.AllowedUsers {
			ua := UserAccess{AllowedUser: u}
			if g, ok := byIdentity[u.Email]; ok {
				ua.Grant = &g
			}
			users = append(users, ua)
		}
		return nil
	})
	return users, err
}

// ExpireGrants flips active grants past validUntil to expired. It backs up
// the explicit validity check in Grant.Check and is safe to repeat.
func (s *Service) ExpireGrants(ctx context.Context) (int, error) {
	var n int
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		var err error
		n, err = tx.ExpireGrants(ctx, s.clock())
		return err
	})
	return n, err
}
