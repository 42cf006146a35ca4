package wallet

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/assessment"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	topUpDescription = "Wallet recharge"
)

// Service runs wallet operations that stand on their own, each in its own
// retried transaction.
type Service struct {
	store        assessment.Store
	ledger       *Ledger
	welcomeBonus decimal.Decimal
}

func NewService(store assessment.Store, ledger *Ledger, welcomeBonus decimal.Decimal) *Service {
	return &Service{store: store, ledger: ledger, welcomeBonus: welcomeBonus}
}

func (s *Service) Ledger() *Ledger { return s.ledger }

// Balance returns the vendor's wallet.
func (s *Service) Balance(ctx context.Context, vendorID assessment.VendorID) (assessment.Wallet, error) {
	var w assessment.Wallet
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		vendor, err := tx.GetVendor(ctx, vendorID)
		if err != nil {
			return err
		}
		w = vendor.Wallet
		return nil
	})
	return w, err
}

// HistoryPage is one page of wallet transactions, newest first.
type HistoryPage struct {
	Transactions []assessment.WalletTransaction
	Page         int
	Limit        int
	Total        int
	TotalPages   int
	HasMore      bool
}

// History pages through the vendor's transactions. page is 1-based.
func (s *Service) History(ctx context.Context, vendorID assessment.VendorID, page, limit int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	result := &HistoryPage{Page: page, Limit: limit}
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		if _, err := tx.GetVendor(ctx, vendorID); err != nil {
			return err
		}
		txs, total, err := tx.ListTransactions(ctx, vendorID, (page-1)*limit, limit)
		if err != nil {
			return err
		}
		result.Transactions = txs
		result.Total = total
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.TotalPages = (result.Total + limit - 1) / limit
	result.HasMore = page < result.TotalPages
	return result, nil
}

// TopUp credits a recharge to the vendor's wallet.
func (s *Service) TopUp(ctx context.Context, vendorID assessment.VendorID, amount decimal.Decimal, reference string) (*assessment.WalletTransaction, error) {
	var entry *assessment.WalletTransaction
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		if _, err := tx.GetVendor(ctx, vendorID); err != nil {
			return err
		}
		var err error
		entry, err = s.ledger.Credit(ctx, tx, vendorID, amount, topUpDescription, Meta{Reference: reference})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("vendor_id", string(vendorID)).
		Str("amount", amount.StringFixed(2)).
		Msg("wallet recharged")
	return entry, nil
}

// RegisterVendor creates a pending vendor awaiting approval.
func (s *Service) RegisterVendor(ctx context.Context, vendorID assessment.VendorID, p Profile) (*assessment.Vendor, error) {
	var vendor assessment.Vendor
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		vendor = s.ledger.newVendor(vendorID, assessment.VendorPending, p, s.ledger.clock())
		return tx.InsertVendor(ctx, vendor)
	})
	if err != nil {
		return nil, err
	}
	return &vendor, nil
}

// ApproveVendor approves (or creates approved) a vendor and credits the
// welcome bonus on first approval. Approving an approved vendor is a no-op.
func (s *Service) ApproveVendor(ctx context.Context, vendorID assessment.VendorID, approvedBy string, p Profile) (*assessment.Vendor, error) {
	var vendor *assessment.Vendor
	err := assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		var err error
		vendor, err = s.ledger.approve(ctx, tx, vendorID, approvedBy, p, s.welcomeBonus)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("vendor_id", string(vendorID)).
		Str("approved_by", approvedBy).
		Msg("vendor approved")
	return vendor, nil
}

// Reconcile verifies the vendor's balance against its ledger.
func (s *Service) Reconcile(ctx context.Context, vendorID assessment.VendorID) error {
	return assessment.RunTx(ctx, s.store, func(tx assessment.Tx) error {
		return s.ledger.Reconcile(ctx, tx, vendorID)
	})
}
