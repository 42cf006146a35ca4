/*
store.go - Persistence interfaces

PURPOSE:
  The platform needs a store with per-document atomic updates, multi-document
  ACID transactions, a unique constraint on (test, identity) for grants and on
  the live session per (test, user). Everything mutating goes through Tx, and
  a Tx only exists inside Store.WithTx, so no write can happen outside an
  isolated transaction.

TRANSACTION SCOPE:
  WithTx(ctx, fn) commits when fn returns nil and rolls back on every other
  exit path, including panics. A Tx must not be retained after fn returns.

IMPLEMENTATIONS:
  - store/sqlite: production store (database/sql + mattn/go-sqlite3)

SEE ALSO:
  - tx.go: RunTx, bounded retry on concurrent modification
*/
package assessment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store opens transactional scopes.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the full set of operations available inside one transaction.
type Tx interface {
	VendorRepository
	WalletRepository
	TestRepository
	GrantRepository
	SessionRepository
	SettingsRepository
}

type VendorRepository interface {
	// GetVendor returns ErrVendorNotFound if the vendor does not exist.
	GetVendor(ctx context.Context, id VendorID) (*Vendor, error)

	// InsertVendor creates a vendor with the given opening balance.
	InsertVendor(ctx context.Context, v Vendor) error

	// UpdateVendorProfile writes profile, status and settings. Never the balance.
	UpdateVendorProfile(ctx context.Context, v Vendor) error
}

type WalletRepository interface {
	// AdjustBalance adds delta to the vendor balance and returns the new balance.
	AdjustBalance(ctx context.Context, id VendorID, delta decimal.Decimal) (decimal.Decimal, error)

	AppendTransaction(ctx context.Context, t WalletTransaction) error

	// ListTransactions returns a page of transactions, newest first, and the total count.
	ListTransactions(ctx context.Context, id VendorID, offset, limit int) ([]WalletTransaction, int, error)

	// FindRefundableDebit returns the oldest refundable debit for the test, or nil.
	// An empty reference matches any candidate.
	FindRefundableDebit(ctx context.Context, id VendorID, testID TestID, reference string) (*WalletTransaction, error)

	// ClearRefundable flips a debit to non-refundable.
	ClearRefundable(ctx context.Context, txID TransactionID) error

	// SumTransactions returns total credits and total debits for the vendor.
	SumTransactions(ctx context.Context, id VendorID) (credits, debits decimal.Decimal, err error)
}

type TestRepository interface {
	InsertTest(ctx context.Context, t Test) error

	// GetTest returns the test with its allowed users, or ErrTestNotFound.
	GetTest(ctx context.Context, id TestID) (*Test, error)

	SetTestActive(ctx context.Context, id TestID, active bool) error

	// AddAllowedUser appends to the access list and increments CurrentUserCount
	// in the same write. Returns ErrDuplicateGrant if the email is present.
	AddAllowedUser(ctx context.Context, id TestID, u AllowedUser) error

	// RemoveAllowedUser removes from the access list and decrements
	// CurrentUserCount in the same write. Returns ErrUserNotFound if absent.
	RemoveAllowedUser(ctx context.Context, id TestID, email string) error

	UpdateAllowedUser(ctx context.Context, id TestID, u AllowedUser) error
}

type GrantRepository interface {
	// InsertGrant returns ErrDuplicateGrant on a (test, identity) collision.
	InsertGrant(ctx context.Context, g Grant) error

	// GetGrant returns ErrGrantNotFound if absent.
	GetGrant(ctx context.Context, testID TestID, identity string) (*Grant, error)

	UpdateGrant(ctx context.Context, g Grant) error

	ListGrants(ctx context.Context, testID TestID) ([]Grant, error)

	// ExpireGrants flips active grants past validUntil to expired.
	ExpireGrants(ctx context.Context, now time.Time) (int, error)
}

type SessionRepository interface {
	// InsertSession returns ErrActiveSessionExists if a live session exists
	// for the same (test, user).
	InsertSession(ctx context.Context, s Session) error

	// GetSession returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// FindLiveSession returns the live session for (test, user), or nil.
	FindLiveSession(ctx context.Context, testID TestID, userID UserID) (*Session, error)

	UpdateSession(ctx context.Context, s Session) error

	// ExpireSessions marks live sessions past expiresAt as expired and
	// returns how many changed.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)

	ListSessionsByBilling(ctx context.Context, status BillingStatus) ([]Session, error)
}

type SettingsRepository interface {
	// GetSetting returns ok=false if the key is unset.
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	PutSetting(ctx context.Context, key, value, updatedBy string) error
}
