package access

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/warp/assessment-engine/assessment"
)

// NewTest describes a test to publish. Question content lives elsewhere.
type NewTest struct {
	VendorID    assessment.VendorID
	Title       string
	Duration    int // minutes
	AccessType  assessment.AccessType
	UserLimit   int
	MaxAttempts int
	ValidUntil  *time.Time
}

// CreateTest publishes an active test for an approved vendor.
func (s *Service) CreateTest(ctx context.Context, nt NewTest) (*assessment.Test, error) {
	if nt.Duration <= 0 {
		return nil, &assessment.ValidationError{Field: "duration", Message: "must be a positive number of minutes"}
	}
	if nt.AccessType == "" {
		nt.AccessType = assessment.AccessPrivate
	}
	if nt.AccessType != assessment.AccessPrivate && nt.AccessType != assessment.AccessPublic {
		return nil, &assessment.ValidationError{Field: "access_type", Message: "must be private or public"}
	}

	var test assessment.Test
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		vendor, err := s.ledger.RequireApproved(ctx, tx, nt.VendorID)
		if err != nil {
			return err
		}

		maxAttempts := nt.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = max(vendor.Settings.DefaultMaxAttempts, 1)
		}

		now := s.clock()
		test = assessment.Test{
			ID:       assessment.TestID(uuid.NewString()),
			VendorID: nt.VendorID,
			Title:    nt.Title,
			Duration: nt.Duration,
			IsActive: true,
			AccessControl: assessment.AccessControl{
				Type:        nt.AccessType,
				UserLimit:   nt.UserLimit,
				ValidUntil:  nt.ValidUntil,
				MaxAttempts: maxAttempts,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertTest(ctx, test)
	})
	if err != nil {
		return nil, err
	}
	return &test, nil
}

// GetTest returns the test with its access list.
func (s *Service) GetTest(ctx context.Context, id assessment.TestID) (*assessment.Test, error) {
	var test *assessment.Test
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		var err error
		test, err = tx.GetTest(ctx, id)
		return err
	})
	return test, err
}

// VendorTest returns the test only if vendorID owns it.
func (s *Service) VendorTest(ctx context.Context, vendorID assessment.VendorID, id assessment.TestID) (*assessment.Test, error) {
	var test *assessment.Test
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		var err error
		test, err = ownedTest(ctx, tx, vendorID, id)
		return err
	})
	return test, err
}

// SetTestActive activates or deactivates a test. Live sessions of an
// inactive test are terminated on their next validation.
func (s *Service) SetTestActive(ctx context.Context, vendorID assessment.VendorID, id assessment.TestID, active bool) error {
	return assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		if _, err := ownedTest(ctx, tx, vendorID, id); err != nil {
			return err
		}
		return tx.SetTestActive(ctx, id, active)
	})
}

// ownedTest hides other vendors' tests behind ErrTestNotFound.
func ownedTest(ctx context.Context, tx assessment.Tx, vendorID assessment.VendorID, id assessment.TestID) (*assessment.Test, error) {
	test, err := tx.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	if test.VendorID != vendorID {
		return nil, assessment.ErrTestNotFound
	}
	return test, nil
}
