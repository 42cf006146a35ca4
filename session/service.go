/*
Package session runs the state machine of a candidate's timed attempt.

PURPOSE:
  A session is one attempt by one user at one test. It carries two status
  dimensions: the session status (lifecycle) and the test status (where the
  candidate is in the content). Both are defined once in package assessment.

  Session status:
    created -> started -> in_progress <-> paused -> completed
    expired / terminated from any non-terminal state

  Test status:
    not_started -> started -> {in_mcq <-> in_coding} -> completed
    expired from any state

DEADLINE:
  expiresAt = startTime + test.duration. A session is expired when
  now > expiresAt OR now - startTime > test.duration, whichever the stored
  data says first. The deadline is server time only.

VALIDATION (run before every progress-affecting operation):
  1. session exists and belongs to the user       else ErrSessionNotFound
  2. test exists and is active                    else force terminated, ErrTestUnavailable
  3. status in {started, in_progress, paused}     else *InvalidStateError
  4. deadline not passed                          else force expired, ErrSessionExpired
  Forced transitions commit before the error is returned.

ATOMICITY:
  Each operation is one transaction: session row, grant mirror and any
  billing step (hold, confirm, settle) commit together or not at all.

SEE ALSO:
  - activity.go: progress, pause/resume, events, end, terminate
  - billing/coordinator.go: PlaceHold, StartTest, Settle
*/
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/billing"
)

// FirstSection is where every attempt begins.
const FirstSection = "mcq"

type Service struct {
	store   assessment.Store
	billing *billing.Coordinator
	clock   assessment.Clock
}

func NewService(store assessment.Store, billing *billing.Coordinator, clock assessment.Clock) *Service {
	if clock == nil {
		clock = assessment.SystemClock
	}
	return &Service{store: store, billing: billing, clock: clock}
}

// CreateRequest starts an attempt. Email is the candidate's grant identity.
type CreateRequest struct {
	TestID     assessment.TestID
	UserID     assessment.UserID
	Email      string
	DeviceInfo map[string]string
}

// Create opens a session, consuming one attempt and placing the billing hold.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*assessment.Session, error) {
	if req.UserID == "" {
		return nil, &assessment.ValidationError{Field: "user_id", Message: "required"}
	}
	email := assessment.NormalizeEmail(req.Email)

	var sess assessment.Session
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		now := s.clock()

		test, err := tx.GetTest(ctx, req.TestID)
		if err != nil {
			return err
		}
		if !test.IsActive {
			return assessment.ErrTestInactive
		}

		live, err := tx.FindLiveSession(ctx, test.ID, req.UserID)
		if err != nil {
			return err
		}
		if live != nil {
			if live.ExpiresAt.After(now) {
				return assessment.ErrActiveSessionExists
			}
			// Stale: past its deadline but not yet swept.
			live.Status = assessment.SessionExpired
			live.TestStatus = assessment.TestExpired
			live.UpdatedAt = now
			if err := tx.UpdateSession(ctx, *live); err != nil {
				return err
			}
		}

		var grant *assessment.Grant
		if test.AccessControl.Type == assessment.AccessPrivate {
			if grant, err = tx.GetGrant(ctx, test.ID, email); err != nil {
				return err
			}
			if err := grant.Check(now); err != nil {
				return err
			}
		}

		sess = assessment.Session{
			ID:          assessment.SessionID(uuid.NewString()),
			TestID:      test.ID,
			UserID:      req.UserID,
			UserEmail:   email,
			StartTime:   now,
			ExpiresAt:   now.Add(test.DurationLimit()),
			MaxDuration: test.Duration * 60,
			Status:      assessment.SessionStarted,
			TestStatus:  assessment.TestNotStarted,
			Progress: assessment.Progress{
				Answers:        map[string]any{},
				CurrentSection: FirstSection,
				LastUpdated:    now,
			},
			DeviceInfo: req.DeviceInfo,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		hold, err := s.billing.PlaceHold(ctx, tx, test, email)
		if err != nil {
			return err
		}
		if hold != nil {
			sess.HoldTransactionID = hold.ID
			sess.BillingStatus = assessment.BillingHeld
		}

		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}

		if grant != nil {
			grant.AttemptsUsed++
			grant.UserID = req.UserID
			grant.SessionStatus = sess.Status
			grant.TestStatus = sess.TestStatus
			grant.LastAccessedAt = &now
			grant.UpdatedAt = now
			return tx.UpdateGrant(ctx, *grant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", string(sess.ID)).
		Str("test_id", string(sess.TestID)).
		Str("user_id", string(sess.UserID)).
		Time("expires_at", sess.ExpiresAt).
		Msg("session created")
	return &sess, nil
}

// Validate checks that the session may continue. Forced expiry or
// termination is persisted before the error is returned.
func (s *Service) Validate(ctx context.Context, id assessment.SessionID, userID assessment.UserID) (*assessment.Session, error) {
	var out assessment.Session
	err := s.withSession(ctx, id, userID, func(_ assessment.Tx, sess *assessment.Session, _ *assessment.Test) error {
		out = *sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusView is a read-only snapshot of a session.
type StatusView struct {
	Session   assessment.Session
	Remaining time.Duration
}

// Status reads the session without validating or changing it.
func (s *Service) Status(ctx context.Context, id assessment.SessionID, userID assessment.UserID) (*StatusView, error) {
	var view StatusView
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		sess, err := ownSession(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		view.Session = *sess
		if sess.Status.IsLive() {
			view.Remaining = sess.Remaining(s.clock())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// CleanupExpired marks every live session past its deadline as expired and
// returns how many changed. Running it again right away changes nothing.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	var n int
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		var err error
		n, err = tx.ExpireSessions(ctx, s.clock())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("expired sessions cleaned up")
	}
	return n, nil
}

// =============================================================================
// VALIDATION SCOPE
// =============================================================================

// withSession validates the session inside a transaction and runs fn on it.
// A forced transition commits and its failure is returned after commit;
// any error from fn rolls everything back.
func (s *Service) withSession(ctx context.Context, id assessment.SessionID, userID assessment.UserID, fn func(assessment.Tx, *assessment.Session, *assessment.Test) error) error {
	var forced error
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		forced = nil

		sess, test, failure, err := s.check(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		if failure != nil {
			forced = failure
			return nil
		}
		return fn(tx, sess, test)
	})
	if err != nil {
		return err
	}
	return forced
}

// check runs the validation steps. err aborts the transaction; failure is a
// forced transition that has been written and must be committed.
func (s *Service) check(ctx context.Context, tx assessment.Tx, id assessment.SessionID, userID assessment.UserID) (sess *assessment.Session, test *assessment.Test, failure error, err error) {
	now := s.clock()

	sess, err = ownSession(ctx, tx, id, userID)
	if err != nil {
		return nil, nil, nil, err
	}

	test, err = tx.GetTest(ctx, sess.TestID)
	if err != nil && !errors.Is(err, assessment.ErrTestNotFound) {
		return nil, nil, nil, err
	}
	if test == nil || !test.IsActive {
		if sess.Status.IsTerminal() {
			return nil, nil, nil, assessment.ErrTestUnavailable
		}
		sess.Status = assessment.SessionTerminated
		sess.EndTime = &now
		if err := s.save(ctx, tx, sess, now); err != nil {
			return nil, nil, nil, err
		}
		log.Warn().Str("session_id", string(sess.ID)).Msg("session terminated, test unavailable")
		return nil, nil, assessment.ErrTestUnavailable, nil
	}

	if !sess.Status.AcceptsActivity() {
		return nil, nil, nil, &assessment.InvalidStateError{SessionID: sess.ID, Status: sess.Status}
	}

	if now.After(sess.ExpiresAt) || now.Sub(sess.StartTime) > test.DurationLimit() {
		sess.Status = assessment.SessionExpired
		sess.TestStatus = assessment.TestExpired
		if err := s.save(ctx, tx, sess, now); err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, assessment.ErrSessionExpired, nil
	}

	return sess, test, nil, nil
}

// save writes the session and its grant mirror.
func (s *Service) save(ctx context.Context, tx assessment.Tx, sess *assessment.Session, now time.Time) error {
	sess.UpdatedAt = now
	if err := tx.UpdateSession(ctx, *sess); err != nil {
		return err
	}
	if sess.UserEmail == "" {
		return nil
	}

	grant, err := tx.GetGrant(ctx, sess.TestID, sess.UserEmail)
	if errors.Is(err, assessment.ErrGrantNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	grant.SessionStatus = sess.Status
	grant.TestStatus = sess.TestStatus
	grant.LastAccessedAt = &now
	grant.UpdatedAt = now
	return tx.UpdateGrant(ctx, *grant)
}

// ownSession hides other users' sessions behind ErrSessionNotFound.
func ownSession(ctx context.Context, tx assessment.Tx, id assessment.SessionID, userID assessment.UserID) (*assessment.Session, error) {
	sess, err := tx.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, assessment.ErrSessionNotFound
	}
	return sess, nil
}
