package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/warp/assessment-engine/assessment"
)

// ProgressUpdate replaces answers and currentSection when set. An unknown
// TestStatus is ignored, and so are completed and expired, which only End
// and expiry set. currentSection is caller-trusted and not checked
// against any section order.
type ProgressUpdate struct {
	Answers        map[string]any
	CurrentSection string
	TestStatus     assessment.TestStatus
}

// UpdateProgress records the candidate's progress. Entering a content
// section moves the session to in_progress and, the first time, confirms
// the billing hold.
func (s *Service) UpdateProgress(ctx context.Context, id assessment.SessionID, userID assessment.UserID, upd ProgressUpdate) (*assessment.Session, error) {
	var out assessment.Session
	err := s.withSession(ctx, id, userID, func(tx assessment.Tx, sess *assessment.Session, test *assessment.Test) error {
		now := s.clock()
		wasInContent := sess.TestStatus.InContent()

		if upd.TestStatus.IsValid() && !upd.TestStatus.IsTerminal() {
			sess.TestStatus = upd.TestStatus
		}
		if sess.TestStatus.InContent() {
			sess.Status = assessment.SessionInProgress
			if !wasInContent {
				if err := s.billing.StartTest(ctx, tx, test, sess.UserEmail, false); err != nil {
					return err
				}
			}
		}

		if upd.Answers != nil {
			sess.Progress.Answers = upd.Answers
		}
		if upd.CurrentSection != "" {
			sess.Progress.CurrentSection = upd.CurrentSection
		}
		sess.Progress.LastUpdated = now

		if err := s.save(ctx, tx, sess, now); err != nil {
			return err
		}
		out = *sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// End completes the session and settles its billing in one transaction.
// When the charge fails for lack of funds the completion still commits and
// the returned error is a *assessment.BillingError alongside the session.
func (s *Service) End(ctx context.Context, id assessment.SessionID, userID assessment.UserID, submissionType string) (*assessment.Session, error) {
	if submissionType == "" {
		submissionType = "manual"
	}

	var (
		out        assessment.Session
		billingErr error
	)
	err := s.withSession(ctx, id, userID, func(tx assessment.Tx, sess *assessment.Session, test *assessment.Test) error {
		billingErr = nil
		now := s.clock()

		sess.Status = assessment.SessionCompleted
		sess.TestStatus = assessment.TestCompleted
		sess.EndTime = &now
		sess.SubmissionType = submissionType

		err := s.billing.Settle(ctx, tx, test, sess)
		var be *assessment.BillingError
		switch {
		case errors.As(err, &be):
			billingErr = err
		case err != nil:
			return err
		}

		if err := s.save(ctx, tx, sess, now); err != nil {
			return err
		}
		out = *sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", string(out.ID)).
		Str("submission", submissionType).
		Str("billing", string(out.BillingStatus)).
		Msg("session completed")
	return &out, billingErr
}

// Pause moves an in-progress session to paused. The deadline keeps running.
func (s *Service) Pause(ctx context.Context, id assessment.SessionID, userID assessment.UserID) (*assessment.Session, error) {
	return s.transition(ctx, id, userID, assessment.SessionInProgress, assessment.SessionPaused, "pause")
}

// Resume moves a paused session back to in_progress.
func (s *Service) Resume(ctx context.Context, id assessment.SessionID, userID assessment.UserID) (*assessment.Session, error) {
	return s.transition(ctx, id, userID, assessment.SessionPaused, assessment.SessionInProgress, "resume")
}

func (s *Service) transition(ctx context.Context, id assessment.SessionID, userID assessment.UserID, from, to assessment.SessionStatus, op string) (*assessment.Session, error) {
	var out assessment.Session
	err := s.withSession(ctx, id, userID, func(tx assessment.Tx, sess *assessment.Session, _ *assessment.Test) error {
		if sess.Status != from || !from.CanTransition(to) {
			return &assessment.InvalidStateError{SessionID: sess.ID, Status: sess.Status, Op: op}
		}
		sess.Status = to
		if err := s.save(ctx, tx, sess, s.clock()); err != nil {
			return err
		}
		out = *sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Severity classifies a proctoring event.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityViolation Severity = "violation"
)

// Event is a browser/proctoring signal reported by the client.
type Event struct {
	Type     string
	Detail   string
	Severity Severity
}

// RecordEvent appends a browser event. Warnings bump the warning counter;
// violations are also kept in the violation list.
func (s *Service) RecordEvent(ctx context.Context, id assessment.SessionID, userID assessment.UserID, ev Event) (*assessment.Analytics, error) {
	if ev.Type == "" {
		return nil, &assessment.ValidationError{Field: "type", Message: "required"}
	}

	var out assessment.Analytics
	err := s.withSession(ctx, id, userID, func(tx assessment.Tx, sess *assessment.Session, _ *assessment.Test) error {
		now := s.clock()
		a := &sess.Analytics
		a.BrowserEvents = append(a.BrowserEvents, assessment.BrowserEvent{Type: ev.Type, Detail: ev.Detail, At: now})
		switch ev.Severity {
		case SeverityWarning:
			a.Warnings++
		case SeverityViolation:
			a.Violations = append(a.Violations, assessment.Violation{Type: ev.Type, Detail: ev.Detail, At: now})
		}

		if err := s.save(ctx, tx, sess, now); err != nil {
			return err
		}
		out = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Terminate ends the session without completing it, e.g. after proctoring
// violations. No completion charge is made.
func (s *Service) Terminate(ctx context.Context, id assessment.SessionID, userID assessment.UserID, reason string) (*assessment.Session, error) {
	var out assessment.Session
	err := s.withSession(ctx, id, userID, func(tx assessment.Tx, sess *assessment.Session, _ *assessment.Test) error {
		now := s.clock()
		sess.Status = assessment.SessionTerminated
		sess.EndTime = &now
		sess.SubmissionType = "terminated"
		sess.Analytics.BrowserEvents = append(sess.Analytics.BrowserEvents,
			assessment.BrowserEvent{Type: "terminated", Detail: reason, At: now})

		if err := s.save(ctx, tx, sess, now); err != nil {
			return err
		}
		out = *sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn().Str("session_id", string(out.ID)).Str("reason", reason).Msg("session terminated")
	return &out, nil
}
