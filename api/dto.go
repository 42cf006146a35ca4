/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract. Internal-only
  fields (hold transaction ids, device info, raw access lists) never leave
  through a DTO.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags and are checked by
  decode() before a handler sees them.

CONVERSION:
  Flat entity fields are copied with jinzhu/copier; money is rendered as a
  fixed two-decimal string by a copier type converter.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"
	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/access"
	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/billing"
	"github.com/warp/assessment-engine/session"
	"github.com/warp/assessment-engine/wallet"
)

// =============================================================================
// VENDOR & WALLET
// =============================================================================

type VendorProfileRequest struct {
	Name    string `json:"name" validate:"max=200"`
	Email   string `json:"email" validate:"omitempty,email"`
	Company string `json:"company" validate:"max=200"`
}

type ApproveVendorRequest struct {
	ApprovedBy string `json:"approved_by" validate:"required"`
	VendorProfileRequest
}

type VendorDTO struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Email      string     `json:"email,omitempty"`
	Company    string     `json:"company,omitempty"`
	Status     string     `json:"status"`
	Plan       string     `json:"plan"`
	Balance    string     `json:"balance"`
	Currency   string     `json:"currency"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type WalletDTO struct {
	VendorID string `json:"vendor_id"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

type TopUpRequest struct {
	Amount    string `json:"amount" validate:"required,numeric"`
	Reference string `json:"reference" validate:"max=200"`
}

type TransactionDTO struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Description string    `json:"description"`
	TestID      string    `json:"test_id,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	UsersCount  int       `json:"users_count,omitempty"`
	Status      string    `json:"status"`
	Refundable  bool      `json:"refundable"`
	CreatedAt   time.Time `json:"created_at"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Page         int              `json:"page"`
	Limit        int              `json:"limit"`
	Total        int              `json:"total"`
	TotalPages   int              `json:"total_pages"`
	HasMore      bool             `json:"has_more"`
}

// =============================================================================
// TESTS & ACCESS
// =============================================================================

type CreateTestRequest struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Duration    int        `json:"duration" validate:"required,gt=0"`
	AccessType  string     `json:"access_type" validate:"omitempty,oneof=private public"`
	UserLimit   int        `json:"user_limit" validate:"gte=0"`
	MaxAttempts int        `json:"max_attempts" validate:"gte=0"`
	ValidUntil  *time.Time `json:"valid_until"`
}

type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type TestDTO struct {
	ID               string     `json:"id"`
	VendorID         string     `json:"vendor_id"`
	Title            string     `json:"title"`
	Duration         int        `json:"duration"`
	IsActive         bool       `json:"is_active"`
	AccessType       string     `json:"access_type"`
	UserLimit        int        `json:"user_limit"`
	CurrentUserCount int        `json:"current_user_count"`
	MaxAttempts      int        `json:"max_attempts"`
	ValidUntil       *time.Time `json:"valid_until,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type UserIdentityRequest struct {
	Email string `json:"email" validate:"required"`
	Name  string `json:"name" validate:"max=200"`
}

type AddUsersRequest struct {
	Users       []UserIdentityRequest `json:"users" validate:"required,min=1,dive"`
	ValidUntil  *time.Time            `json:"valid_until"`
	MaxAttempts int                   `json:"max_attempts" validate:"gte=0"`
}

type GrantDTO struct {
	ID             string     `json:"id"`
	TestID         string     `json:"test_id"`
	Identity       string     `json:"identity"`
	UserID         string     `json:"user_id,omitempty"`
	ValidUntil     time.Time  `json:"valid_until"`
	MaxAttempts    int        `json:"max_attempts"`
	AttemptsUsed   int        `json:"attempts_used"`
	Status         string     `json:"status"`
	TestStatus     string     `json:"test_status,omitempty"`
	SessionStatus  string     `json:"session_status,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

type TestUserDTO struct {
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	AddedAt       time.Time `json:"added_at"`
	TestStarted   bool      `json:"test_started"`
	PaymentStatus string    `json:"payment_status"`
	PaymentAmount string    `json:"payment_amount"`
	Grant         *GrantDTO `json:"grant,omitempty"`
}

type ImportRowDTO struct {
	Row    int    `json:"row"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ImportSummaryDTO struct {
	TotalProcessed int            `json:"total_processed"`
	Added          int            `json:"added"`
	Duplicates     int            `json:"duplicates"`
	Invalid        int            `json:"invalid"`
	Errors         int            `json:"errors"`
	AllDuplicates  bool           `json:"all_duplicates"`
	Rows           []ImportRowDTO `json:"rows"`
}

type RefundDTO struct {
	Email    string          `json:"email"`
	Refunded string          `json:"refunded"`
	Refund   *TransactionDTO `json:"refund,omitempty"`
}

type BalanceCheckDTO struct {
	VendorID     string `json:"vendor_id"`
	PricePerUser string `json:"price_per_user"`
	Users        int    `json:"users"`
	Required     string `json:"required"`
	Available    string `json:"available"`
	Shortfall    string `json:"shortfall"`
	Sufficient   bool   `json:"sufficient"`
}

// =============================================================================
// SESSIONS
// =============================================================================

type CreateSessionRequest struct {
	TestID     string            `json:"test_id" validate:"required"`
	Email      string            `json:"email" validate:"omitempty,email"`
	DeviceInfo map[string]string `json:"device_info"`
}

type ProgressRequest struct {
	Answers        map[string]any `json:"answers"`
	CurrentSection string         `json:"current_section" validate:"max=50"`
	TestStatus     string         `json:"test_status"`
}

type EndSessionRequest struct {
	SubmissionType string `json:"submission_type" validate:"omitempty,oneof=manual auto timeout"`
}

type EventRequest struct {
	Type     string `json:"type" validate:"required,max=100"`
	Detail   string `json:"detail" validate:"max=1000"`
	Severity string `json:"severity" validate:"omitempty,oneof=info warning violation"`
}

type TerminateRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type SessionDTO struct {
	ID               string         `json:"id"`
	TestID           string         `json:"test_id"`
	UserID           string         `json:"user_id"`
	StartTime        time.Time      `json:"start_time"`
	ExpiresAt        time.Time      `json:"expires_at"`
	MaxDuration      int            `json:"max_duration"`
	Status           string         `json:"status"`
	TestStatus       string         `json:"test_status"`
	CurrentSection   string         `json:"current_section"`
	Answers          map[string]any `json:"answers,omitempty"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	SubmissionType   string         `json:"submission_type,omitempty"`
	BillingStatus    string         `json:"billing_status,omitempty"`
	RemainingSeconds *int64         `json:"remaining_seconds,omitempty"`
	BillingError     string         `json:"billing_error,omitempty"`
}

type AnalyticsDTO struct {
	Events     int                    `json:"events"`
	Warnings   int                    `json:"warnings"`
	Violations []assessment.Violation `json:"violations"`
}

// =============================================================================
// ADMIN
// =============================================================================

type PricingRequest struct {
	PricePerUser string `json:"price_per_user" validate:"required,numeric"`
	UpdatedBy    string `json:"updated_by" validate:"required"`
}

type PricingDTO struct {
	PricePerUser string `json:"price_per_user"`
}

type CompletionRequest struct {
	UserRef string `json:"user_ref" validate:"required"`
}

type StartRequest struct {
	Email string `json:"email" validate:"required"`
}

type SweepDTO struct {
	Expired int `json:"expired"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

var copyOptions = copier.Option{
	Converters: []copier.TypeConverter{{
		SrcType: decimal.Decimal{},
		DstType: copier.String,
		Fn: func(src any) (any, error) {
			d, ok := src.(decimal.Decimal)
			if !ok {
				return nil, fmt.Errorf("expected decimal, got %T", src)
			}
			return money(d), nil
		},
	}},
}

// copyInto copies same-named fields from src into dst.
func copyInto(dst, src any) {
	if err := copier.CopyWithOption(dst, src, copyOptions); err != nil {
		panic(fmt.Sprintf("dto copy %T -> %T: %v", src, dst, err))
	}
}

func toVendorDTO(v *assessment.Vendor) VendorDTO {
	var dto VendorDTO
	copyInto(&dto, v)
	dto.Balance = money(v.Wallet.Balance)
	dto.Currency = v.Wallet.Currency
	return dto
}

func toTransactionDTO(tx *assessment.WalletTransaction) TransactionDTO {
	var dto TransactionDTO
	copyInto(&dto, tx)
	return dto
}

func toTransactionPageDTO(p *wallet.HistoryPage) TransactionPageDTO {
	dto := TransactionPageDTO{
		Transactions: make([]TransactionDTO, len(p.Transactions)),
		Page:         p.Page,
		Limit:        p.Limit,
		Total:        p.Total,
		TotalPages:   p.TotalPages,
		HasMore:      p.HasMore,
	}
	for i := range p.Transactions {
		dto.Transactions[i] = toTransactionDTO(&p.Transactions[i])
	}
	return dto
}

func toTestDTO(t *assessment.Test) TestDTO {
	var dto TestDTO
	copyInto(&dto, t)
	ac := t.AccessControl
	dto.AccessType = string(ac.Type)
	dto.UserLimit = ac.UserLimit
	dto.CurrentUserCount = ac.CurrentUserCount
	dto.MaxAttempts = ac.MaxAttempts
	dto.ValidUntil = ac.ValidUntil
	return dto
}

func toGrantDTO(g *assessment.Grant) *GrantDTO {
	if g == nil {
		return nil
	}
	var dto GrantDTO
	copyInto(&dto, g)
	return &dto
}

func toTestUserDTOs(users []access.UserAccess) []TestUserDTO {
	out := make([]TestUserDTO, len(users))
	for i, u := range users {
		copyInto(&out[i], &u.AllowedUser)
		out[i].Grant = toGrantDTO(u.Grant)
	}
	return out
}

func toImportSummaryDTO(s *access.ImportSummary) ImportSummaryDTO {
	dto := ImportSummaryDTO{
		TotalProcessed: s.TotalProcessed,
		Added:          s.Added,
		Duplicates:     s.Duplicates,
		Invalid:        s.Invalid,
		Errors:         s.Errors,
		AllDuplicates:  s.AllDuplicates(),
		Rows:           make([]ImportRowDTO, len(s.Rows)),
	}
	for i, r := range s.Rows {
		copyInto(&dto.Rows[i], &r)
	}
	return dto
}

func toRefundDTO(r *billing.RefundResult) RefundDTO {
	dto := RefundDTO{Email: r.Email, Refunded: money(r.Refunded)}
	if r.Refund != nil {
		tx := toTransactionDTO(r.Refund)
		dto.Refund = &tx
	}
	return dto
}

func toBalanceCheckDTO(c *billing.BalanceCheck) BalanceCheckDTO {
	var dto BalanceCheckDTO
	copyInto(&dto, c)
	return dto
}

func toSessionDTO(s *assessment.Session) SessionDTO {
	var dto SessionDTO
	copyInto(&dto, s)
	dto.CurrentSection = s.Progress.CurrentSection
	dto.Answers = s.Progress.Answers
	return dto
}

func toStatusDTO(v *session.StatusView) SessionDTO {
	dto := toSessionDTO(&v.Session)
	if v.Session.Status.IsLive() {
		secs := int64(v.Remaining.Seconds())
		dto.RemainingSeconds = &secs
	}
	return dto
}

func toAnalyticsDTO(a *assessment.Analytics) AnalyticsDTO {
	violations := a.Violations
	if violations == nil {
		violations = []assessment.Violation{}
	}
	return AnalyticsDTO{Events: len(a.BrowserEvents), Warnings: a.Warnings, Violations: violations}
}
