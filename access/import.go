package access

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/assessment-engine/assessment"
)

// RowStatus is the per-row outcome of a batch.
type RowStatus string

const (
	RowAdded     RowStatus = "success"
	RowDuplicate RowStatus = "duplicate"
	RowInvalid   RowStatus = "invalid"
	RowError     RowStatus = "error"
)

// Identity is one candidate in a batch.
type Identity struct {
	Email string
	Name  string
}

type RowResult struct {
	Row    int // 1-based position in the input
	Email  string
	Name   string
	Status RowStatus
	Error  string
}

// ImportSummary reports a batch. Rows holds every row in input order.
type ImportSummary struct {
	TotalProcessed int
	Added          int
	Duplicates     int
	Invalid        int
	Errors         int
	Rows           []RowResult
}

// AllDuplicates reports a batch in which nothing new was added because
// every valid row already had access.
func (s *ImportSummary) AllDuplicates() bool {
	return s.Added == 0 && s.Duplicates > 0 && s.Errors == 0
}

func (s *ImportSummary) AddedRows() []RowResult     { return s.filter(RowAdded) }
func (s *ImportSummary) DuplicateRows() []RowResult { return s.filter(RowDuplicate) }

func (s *ImportSummary) filter(status RowStatus) []RowResult {
	var out []RowResult
	for _, r := range s.Rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (s *ImportSummary) record(r RowResult) {
	s.TotalProcessed++
	switch r.Status {
	case RowAdded:
		s.Added++
	case RowDuplicate:
		s.Duplicates++
	case RowInvalid:
		s.Invalid++
	default:
		s.Errors++
	}
	s.Rows = append(s.Rows, r)
}

// AddUsersManually grants each identity independently. A failing row is
// recorded and the batch continues; only a missing test or an unapproved
// vendor fails the whole call.
func (s *Service) AddUsersManually(ctx context.Context, testID assessment.TestID, vendorID assessment.VendorID, identities []Identity, validUntil time.Time, maxAttempts int) (*ImportSummary, error) {
	if err := s.preflight(ctx, testID, vendorID); err != nil {
		return nil, err
	}

	summary := &ImportSummary{}
	for i, id := range identities {
		summary.record(s.importRow(ctx, i+1, id, GrantRequest{
			TestID:      testID,
			VendorID:    vendorID,
			Identity:    id.Email,
			Name:        id.Name,
			ValidUntil:  validUntil,
			MaxAttempts: maxAttempts,
		}))
	}

	s.logSummary(testID, "manual", summary)
	return summary, nil
}

// ImportFromFile imports parsed rows. The whole batch is rejected with
// *assessment.DuplicateInBatchError if an email appears twice; otherwise
// invalid emails and existing grants are skipped and counted.
func (s *Service) ImportFromFile(ctx context.Context, testID assessment.TestID, vendorID assessment.VendorID, rows []Identity) (*ImportSummary, error) {
	if dups := duplicatesInBatch(rows); len(dups) > 0 {
		return nil, &assessment.DuplicateInBatchError{Emails: dups}
	}
	if err := s.preflight(ctx, testID, vendorID); err != nil {
		return nil, err
	}

	summary := &ImportSummary{}
	for i, row := range rows {
		if _, err := ValidateEmail(row.Email); err != nil {
			summary.record(RowResult{Row: i + 1, Email: row.Email, Name: row.Name, Status: RowInvalid, Error: err.Error()})
			continue
		}
		summary.record(s.importRow(ctx, i+1, row, GrantRequest{
			TestID:   testID,
			VendorID: vendorID,
			Identity: row.Email,
			Name:     row.Name,
		}))
	}

	s.logSummary(testID, "file", summary)
	return summary, nil
}

func (s *Service) importRow(ctx context.Context, n int, id Identity, req GrantRequest) RowResult {
	r := RowResult{Row: n, Email: assessment.NormalizeEmail(id.Email), Name: id.Name}

	_, err := s.GrantAccess(ctx, req)
	switch {
	case err == nil:
		r.Status = RowAdded
	case errors.Is(err, assessment.ErrDuplicateGrant):
		r.Status = RowDuplicate
	case errors.Is(err, assessment.ErrValidation):
		r.Status = RowInvalid
		r.Error = err.Error()
	default:
		r.Status = RowError
		r.Error = err.Error()
	}
	return r
}

// preflight fails fast on conditions that would fail every row.
func (s *Service) preflight(ctx context.Context, testID assessment.TestID, vendorID assessment.VendorID) error {
	return assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		if _, err := s.ledger.RequireApproved(ctx, tx, vendorID); err != nil {
			return err
		}
		_, err := ownedTest(ctx, tx, vendorID, testID)
		return err
	})
}

// duplicatesInBatch returns each normalized email that occurs more than once,
// in order of first repetition.
func duplicatesInBatch(rows []Identity) []string {
	seen := make(map[string]int, len(rows))
	var dups []string
	for _, row := range rows {
		email := assessment.NormalizeEmail(row.Email)
		if email == "" {
			continue
		}
		seen[email]++
		if seen[email] == 2 {
			dups = append(dups, email)
		}
	}
	return dups
}

func (s *Service) logSummary(testID assessment.TestID, source string, sum *ImportSummary) {
	log.Info().
		Str("test_id", string(testID)).
		Str("source", source).
		Int("processed", sum.TotalProcessed).
		Int("added", sum.Added).
		Int("duplicates", sum.Duplicates).
		Int("invalid", sum.Invalid).
		Int("errors", sum.Errors).
		Msg("access import finished")
}
