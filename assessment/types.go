/*
Package assessment holds the shared domain model of the assessment platform.

PURPOSE:
  Vendors publish timed tests, grant candidates access to them and pay per
  use from a prepaid wallet. Every other package (wallet, access, session,
  billing, store) speaks in the types defined here, so there is exactly one
  definition of each entity and each status dimension.

KEY CONCEPTS IN THIS FILE (types.go):
  - Vendor / Wallet: the paying party and its prepaid balance
  - WalletTransaction: an append-only ledger entry (credit or debit)
  - Test / AccessControl / AllowedUser: a test and its embedded access list
  - Grant: per (test, identity) authorization to attempt a test
  - Session: one timed attempt by a candidate

MONEY:
  All amounts are decimal.Decimal. Floats never touch a balance.

SEE ALSO:
  - status.go: status enums and the session transition table
  - errors.go: error taxonomy
  - store.go: persistence interfaces
*/
package assessment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type VendorID string
type TestID string
type UserID string
type SessionID string
type GrantID string
type TransactionID string

// Clock returns the current time. Services take one so tests can pin "now".
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// NormalizeEmail lowercases and trims an email so it can be used as a grant identity.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// =============================================================================
// VENDOR & WALLET
// =============================================================================

type VendorStatus string

const (
	VendorPending   VendorStatus = "pending"
	VendorApproved  VendorStatus = "approved"
	VendorRejected  VendorStatus = "rejected"
	VendorSuspended VendorStatus = "suspended"
)

type SubscriptionPlan string

const (
	PlanFree    SubscriptionPlan = "free"
	PlanBasic   SubscriptionPlan = "basic"
	PlanPremium SubscriptionPlan = "premium"
)

type Vendor struct {
	ID         VendorID
	Name       string
	Email      string
	Company    string
	Status     VendorStatus
	Wallet     Wallet
	Plan       SubscriptionPlan
	Settings   VendorSettings
	ApprovedAt *time.Time
	ApprovedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (v Vendor) IsApproved() bool { return v.Status == VendorApproved }

// Wallet is the vendor's prepaid balance. Its transactions are stored
// separately and loaded on demand.
type Wallet struct {
	Balance  decimal.Decimal
	Currency string
}

// HasSufficientBalance reports whether the wallet can cover amount.
func (w Wallet) HasSufficientBalance(amount decimal.Decimal) bool {
	return w.Balance.GreaterThanOrEqual(amount)
}

type VendorSettings struct {
	NotifyEmail         bool `json:"notify_email"`
	NotifySMS           bool `json:"notify_sms"`
	DefaultMaxAttempts  int  `json:"default_max_attempts"`
	DefaultValidityDays int  `json:"default_validity_days"`
}

// DefaultVendorSettings are applied when a vendor is first provisioned.
func DefaultVendorSettings() VendorSettings {
	return VendorSettings{
		NotifyEmail:         true,
		NotifySMS:           false,
		DefaultMaxAttempts:  1,
		DefaultValidityDays: 7,
	}
}

// =============================================================================
// WALLET TRANSACTION - Append-only ledger entry
// =============================================================================

type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// WalletTransaction is immutable once written, except for the Refundable
// flag which only ever moves from true to false.
type WalletTransaction struct {
	ID          TransactionID
	VendorID    VendorID
	Type        TransactionType
	Amount      decimal.Decimal
	Description string
	TestID      TestID
	Reference   string // candidate identity or payment reference
	UsersCount  int
	Status      TransactionStatus
	Refundable  bool
	CreatedAt   time.Time
}

// Signed returns the amount as it affects the balance.
func (t WalletTransaction) Signed() decimal.Decimal {
	if t.Type == TxDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// TEST & ACCESS CONTROL
// =============================================================================

type AccessType string

const (
	AccessPrivate AccessType = "private"
	AccessPublic  AccessType = "public"
)

type PaymentStatus string

const (
	PaymentNone      PaymentStatus = "none"
	PaymentDeducted  PaymentStatus = "deducted"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Test struct {
	ID            TestID
	VendorID      VendorID
	Title         string
	Duration      int // minutes
	IsActive      bool
	AccessControl AccessControl
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DurationLimit is the test duration as a time.Duration.
func (t Test) DurationLimit() time.Duration {
	return time.Duration(t.Duration) * time.Minute
}

// AccessControl is embedded in a test. CurrentUserCount always equals
// len(AllowedUsers); the store maintains both in one write.
type AccessControl struct {
	Type             AccessType
	AllowedUsers     []AllowedUser
	CurrentUserCount int
	UserLimit        int // 0 = unlimited
	ValidUntil       *time.Time
	MaxAttempts      int
}

// AllowedEmails is the email projection of AllowedUsers.
func (ac AccessControl) AllowedEmails() []string {
	emails := make([]string, len(ac.AllowedUsers))
	for i, u := range ac.AllowedUsers {
		emails[i] = u.Email
	}
	return emails
}

// Find returns the allowed user with the given email.
func (ac AccessControl) Find(email string) (AllowedUser, bool) {
	email = NormalizeEmail(email)
	for _, u := range ac.AllowedUsers {
		if u.Email == email {
			return u, true
		}
	}
	return AllowedUser{}, false
}

// HasRoom reports whether one more user fits under UserLimit.
func (ac AccessControl) HasRoom() bool {
	return ac.UserLimit <= 0 || ac.CurrentUserCount < ac.UserLimit
}

type AllowedUser struct {
	Email         string
	Name          string
	AddedAt       time.Time
	TestStarted   bool
	PaymentStatus PaymentStatus
	PaymentAmount decimal.Decimal
}

// =============================================================================
// GRANT (TestAccess)
// =============================================================================

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantRevoked GrantStatus = "revoked"
)

// Grant authorizes one identity to attempt one test. Unique per (TestID, Identity).
// TestStatus and SessionStatus mirror the latest session and are written in
// the same transaction as the session itself.
type Grant struct {
	ID             GrantID
	TestID         TestID
	VendorID       VendorID
	Identity       string
	UserID         UserID
	ValidUntil     time.Time
	MaxAttempts    int
	AttemptsUsed   int
	Status         GrantStatus
	TestStatus     TestStatus
	SessionStatus  SessionStatus
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Allows reports whether the grant admits a new attempt at now.
func (g Grant) Allows(now time.Time) bool {
	return g.Check(now) == nil
}

// Check explains why the grant does not admit a new attempt, or returns nil.
func (g Grant) Check(now time.Time) error {
	switch {
	case g.Status == GrantRevoked:
		return ErrGrantRevoked
	case g.Status == GrantExpired || now.After(g.ValidUntil):
		return ErrGrantExpired
	case g.AttemptsUsed >= g.MaxAttempts:
		return ErrAttemptsExhausted
	}
	return nil
}

// =============================================================================
// SESSION
// =============================================================================

type Session struct {
	ID                SessionID
	TestID            TestID
	UserID            UserID
	UserEmail         string
	StartTime         time.Time
	ExpiresAt         time.Time
	MaxDuration       int // seconds
	Status            SessionStatus
	TestStatus        TestStatus
	Progress          Progress
	Analytics         Analytics
	EndTime           *time.Time
	SubmissionType    string
	HoldTransactionID TransactionID
	BillingStatus     BillingStatus
	DeviceInfo        map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Remaining is the time left before the hard deadline, never negative.
func (s Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type Progress struct {
	Answers        map[string]any `json:"answers,omitempty"`
	CurrentSection string         `json:"current_section"`
	LastUpdated    time.Time      `json:"last_updated"`
}

type Analytics struct {
	BrowserEvents []BrowserEvent `json:"browser_events"`
	Warnings      int            `json:"warnings"`
	Violations    []Violation    `json:"violations"`
}

type BrowserEvent struct {
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type Violation struct {
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// BillingStatus records how the session's usage was paid for.
type BillingStatus string

const (
	BillingNone    BillingStatus = ""
	BillingHeld    BillingStatus = "held"
	BillingCharged BillingStatus = "charged"
	BillingFailed  BillingStatus = "failed"
)
