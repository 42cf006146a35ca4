package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/assessment"
)

const (
	DefaultCurrency = "INR"

	welcomeBonusDescription = "Welcome bonus credit"
)

// Profile is the descriptive part of a vendor.
type Profile struct {
	Name    string
	Email   string
	Company string
}

// EnsureVendor returns the vendor, provisioning it on first use as an
// approved account with an empty wallet.
func (l *Ledger) EnsureVendor(ctx context.Context, tx assessment.Tx, id assessment.VendorID) (*assessment.Vendor, error) {
	vendor, err := tx.GetVendor(ctx, id)
	if err == nil {
		return vendor, nil
	}
	if !errors.Is(err, assessment.ErrVendorNotFound) {
		return nil, err
	}

	now := l.clock()
	v := l.newVendor(id, assessment.VendorApproved, Profile{}, now)
	v.ApprovedAt = &now
	v.ApprovedBy = "system"
	if err := tx.InsertVendor(ctx, v); err != nil {
		return nil, err
	}
	return &v, nil
}

// RequireApproved provisions the vendor if needed and fails with
// ErrVendorNotApproved unless its status is approved.
func (l *Ledger) RequireApproved(ctx context.Context, tx assessment.Tx, id assessment.VendorID) (*assessment.Vendor, error) {
	vendor, err := l.EnsureVendor(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !vendor.IsApproved() {
		return nil, assessment.ErrVendorNotApproved
	}
	return vendor, nil
}

func (l *Ledger) newVendor(id assessment.VendorID, status assessment.VendorStatus, p Profile, now time.Time) assessment.Vendor {
	return assessment.Vendor{
		ID:        id,
		Name:      p.Name,
		Email:     p.Email,
		Company:   p.Company,
		Status:    status,
		Wallet:    assessment.Wallet{Balance: decimal.Zero, Currency: l.currency},
		Plan:      assessment.PlanFree,
		Settings:  assessment.DefaultVendorSettings(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// approve moves a vendor to approved, creating it if missing. The welcome
// bonus is credited exactly once, on the transition into approved.
func (l *Ledger) approve(ctx context.Context, tx assessment.Tx, id assessment.VendorID, approvedBy string, p Profile, bonus decimal.Decimal) (*assessment.Vendor, error) {
	now := l.clock()

	vendor, err := tx.GetVendor(ctx, id)
	switch {
	case errors.Is(err, assessment.ErrVendorNotFound):
		v := l.newVendor(id, assessment.VendorApproved, p, now)
		v.ApprovedAt = &now
		v.ApprovedBy = approvedBy
		if err := tx.InsertVendor(ctx, v); err != nil {
			return nil, err
		}
		vendor = &v
	case err != nil:
		return nil, err
	case vendor.IsApproved():
		return vendor, nil
	default:
		vendor.Status = assessment.VendorApproved
		vendor.ApprovedAt = &now
		vendor.ApprovedBy = approvedBy
		vendor.UpdatedAt = now
		mergeProfile(vendor, p)
		if err := tx.UpdateVendorProfile(ctx, *vendor); err != nil {
			return nil, err
		}
	}

	if bonus.IsPositive() {
		if _, err := l.Credit(ctx, tx, id, bonus, welcomeBonusDescription, Meta{}); err != nil {
			return nil, err
		}
		vendor.Wallet.Balance = vendor.Wallet.Balance.Add(bonus)
	}
	return vendor, nil
}

func mergeProfile(v *assessment.Vendor, p Profile) {
	if p.Name != "" {
		v.Name = p.Name
	}
	if p.Email != "" {
		v.Email = p.Email
	}
	if p.Company != "" {
		v.Company = p.Company
	}
}
