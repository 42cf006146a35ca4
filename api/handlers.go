/*
handlers.go - HTTP API handlers for the assessment platform

PURPOSE:
  Exposes wallets, test access and candidate sessions via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the services.

ENDPOINTS:
  Vendors (vendor id in the path):
    POST   /api/vendors/{vendorID}                          Register (pending approval)
    GET    /api/vendors/{vendorID}/wallet                   Balance
    GET    /api/vendors/{vendorID}/wallet/transactions      Paged history (?page, ?limit)
    POST   /api/vendors/{vendorID}/wallet/topup             Wallet recharge
    POST   /api/vendors/{vendorID}/tests                    Create test
    GET    /api/vendors/{vendorID}/tests/{testID}           Get test
    PUT    /api/vendors/{vendorID}/tests/{testID}/active    Activate / deactivate
    GET    /api/vendors/{vendorID}/tests/{testID}/balance-check?users=N
    GET    /api/vendors/{vendorID}/tests/{testID}/users     List users with grant status
    POST   /api/vendors/{vendorID}/tests/{testID}/users     Add users (JSON)
    POST   /api/vendors/{vendorID}/tests/{testID}/users/upload  Add users (CSV, field "file")
    DELETE /api/vendors/{vendorID}/tests/{testID}/users/{email} Remove (+refund; ?refund=false revokes only)

  Sessions (candidate id in the X-User-ID header):
    POST   /api/sessions                  Create
    GET    /api/sessions/{sessionID}      Status (read-only)
    POST   /api/sessions/{sessionID}/validate
    PUT    /api/sessions/{sessionID}/progress
    POST   /api/sessions/{sessionID}/pause
    POST   /api/sessions/{sessionID}/resume
    POST   /api/sessions/{sessionID}/events
    POST   /api/sessions/{sessionID}/end
    POST   /api/sessions/{sessionID}/terminate

  Admin:
    POST   /api/admin/vendors/{vendorID}/approve
    GET    /api/admin/vendors/{vendorID}/reconcile
    GET    /api/admin/pricing
    PUT    /api/admin/pricing
    POST   /api/admin/tests/{testID}/start        Mark candidate started (confirms payment)
    POST   /api/admin/tests/{testID}/completions  Charge one completion
    GET    /api/admin/sessions/unbilled
    POST   /api/admin/sessions/{sessionID}/retry-billing
    POST   /api/admin/sessions/cleanup
    POST   /api/admin/grants/expire

ERROR HANDLING:
  Errors are returned as {error, message, details} with the status mapped
  from the error kind (see errors.go).

SECURITY NOTE:
  No authentication middleware. Vendor and candidate identity are taken
  from the path and X-User-ID header as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/access"
	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/billing"
	"github.com/warp/assessment-engine/session"
	"github.com/warp/assessment-engine/wallet"
)

// UserHeader carries the candidate id on session routes.
const UserHeader = "X-User-ID"

// maxUploadBytes bounds a CSV upload.
const maxUploadBytes = 5 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Wallet   *wallet.Service
	Access   *access.Service
	Billing  *billing.Coordinator
	Sessions *session.Service

	debug bool
}

func NewHandler(w *wallet.Service, a *access.Service, b *billing.Coordinator, s *session.Service, debug bool) *Handler {
	return &Handler{Wallet: w, Access: a, Billing: b, Sessions: s, debug: debug}
}

func vendorParam(r *http.Request) assessment.VendorID {
	return assessment.VendorID(chi.URLParam(r, "vendorID"))
}

func testParam(r *http.Request) assessment.TestID {
	return assessment.TestID(chi.URLParam(r, "testID"))
}

func sessionParam(r *http.Request) assessment.SessionID {
	return assessment.SessionID(chi.URLParam(r, "sessionID"))
}

func userHeader(r *http.Request) (assessment.UserID, error) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		return "", &assessment.ValidationError{Field: UserHeader, Message: "required"}
	}
	return assessment.UserID(id), nil
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &assessment.ValidationError{Field: field, Message: "not a decimal amount"}
	}
	if !d.IsPositive() {
		return decimal.Zero, assessment.ErrInvalidAmount
	}
	return d, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return def
}

// =============================================================================
// VENDOR & WALLET HANDLERS
// =============================================================================

// RegisterVendor creates a vendor awaiting approval.
func (h *Handler) RegisterVendor(w http.ResponseWriter, r *http.Request) {
	var req VendorProfileRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.Wallet.RegisterVendor(r.Context(), vendorParam(r), wallet.Profile(req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVendorDTO(v))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	vendorID := vendorParam(r)
	wl, err := h.Wallet.Balance(r.Context(), vendorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletDTO{VendorID: string(vendorID), Balance: money(wl.Balance), Currency: wl.Currency})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := h.Wallet.History(r.Context(), vendorParam(r), queryInt(r, "page", 1), queryInt(r, "limit", wallet.DefaultPageSize))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionPageDTO(page))
}

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.Wallet.TopUp(r.Context(), vendorParam(r), amount, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// TEST & ACCESS HANDLERS
// =============================================================================

func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	var req CreateTestRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	test, err := h.Access.CreateTest(r.Context(), access.NewTest{
		VendorID:    vendorParam(r),
		Title:       req.Title,
		Duration:    req.Duration,
		AccessType:  assessment.AccessType(req.AccessType),
		UserLimit:   req.UserLimit,
		MaxAttempts: req.MaxAttempts,
		ValidUntil:  req.ValidUntil,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTestDTO(test))
}

func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	test, err := h.Access.VendorTest(r.Context(), vendorParam(r), testParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTestDTO(test))
}

func (h *Handler) SetTestActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	vendorID, testID := vendorParam(r), testParam(r)
	if err := h.Access.SetTestActive(r.Context(), vendorID, testID, *req.Active); err != nil {
		h.writeError(w, r, err)
		return
	}
	test, err := h.Access.VendorTest(r.Context(), vendorID, testID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTestDTO(test))
}

func (h *Handler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	test, err := h.Access.VendorTest(r.Context(), vendorParam(r), testParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	check, err := h.Billing.CheckBalance(r.Context(), test.ID, queryInt(r, "users", 1))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceCheckDTO(check))
}

func (h *Handler) ListTestUsers(w http.ResponseWriter, r *http.Request) {
	test, err := h.Access.VendorTest(r.Context(), vendorParam(r), testParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	users, err := h.Access.ListUsers(r.Context(), test.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTestUserDTOs(users))
}

// AddTestUsers grants access to a JSON list of candidates.
func (h *Handler) AddTestUsers(w http.ResponseWriter, r *http.Request) {
	var req AddUsersRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ids := make([]access.Identity, len(req.Users))
	for i, u := range req.Users {
		ids[i] = access.Identity{Email: u.Email, Name: u.Name}
	}
	var validUntil time.Time
	if req.ValidUntil != nil {
		validUntil = *req.ValidUntil
	}

	summary, err := h.Access.AddUsersManually(r.Context(), testParam(r), vendorParam(r), ids, validUntil, req.MaxAttempts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSummary(w, summary)
}

// UploadTestUsers grants access to the candidates in an uploaded CSV.
func (h *Handler) UploadTestUsers(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, r, &assessment.ValidationError{Field: "file", Message: "expected a multipart CSV upload"})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, &assessment.ValidationError{Field: "file", Message: "missing"})
		return
	}
	defer file.Close()

	rows, err := access.ReadCSV(file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.Access.ImportFromFile(r.Context(), testParam(r), vendorParam(r), rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSummary(w, summary)
}

// writeSummary answers 409 when every row was already granted, 200 otherwise.
func (h *Handler) writeSummary(w http.ResponseWriter, s *access.ImportSummary) {
	status := http.StatusOK
	if s.AllDuplicates() {
		status = http.StatusConflict
	}
	writeJSON(w, status, toImportSummaryDTO(s))
}

func (h *Handler) RemoveTestUser(w http.ResponseWriter, r *http.Request) {
	test, err := h.Access.VendorTest(r.Context(), vendorParam(r), testParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	email := chi.URLParam(r, "email")

	if r.URL.Query().Get("refund") == "false" {
		if err := h.Access.RevokeAccess(r.Context(), test.ID, email); err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, RefundDTO{Email: assessment.NormalizeEmail(email), Refunded: money(decimal.Zero)})
		return
	}

	res, err := h.Billing.RemoveUserAndRefund(r.Context(), test.ID, email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(res))
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, err := userHeader(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req CreateSessionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.Sessions.Create(r.Context(), session.CreateRequest{
		TestID:     assessment.TestID(req.TestID),
		UserID:     userID,
		Email:      req.Email,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(sess))
}

func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := userHeader(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.Sessions.Status(r.Context(), sessionParam(r), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(view))
}

func (h *Handler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	h.sessionOp(w, r, func(r *http.Request, userID assessment.UserID) (*assessment.Session, error) {
		return h.Sessions.Validate(r.Context(), sessionParam(r), userID)
	})
}

func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	h.sessionOp(w, r, func(r *http.Request, userID assessment.UserID) (*assessment.Session, error) {
		var req ProgressRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return h.Sessions.UpdateProgress(r.Context(), sessionParam(r), userID, session.ProgressUpdate{
			Answers:        req.Answers,
			CurrentSection: req.CurrentSection,
			TestStatus:     assessment.TestStatus(req.TestStatus),
		})
	})
}

func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.sessionOp(w, r, func(r *http.Request, userID assessment.UserID) (*assessment.Session, error) {
		return h.Sessions.Pause(r.Context(), sessionParam(r), userID)
	})
}

func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.sessionOp(w, r, func(r *http.Request, userID assessment.UserID) (*assessment.Session, error) {
		return h.Sessions.Resume(r.Context(), sessionParam(r), userID)
	})
}

func (h *Handler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	h.sessionOp(w, r, func(r *http.Request, userID assessment.UserID) (*assessment.Session, error) {
		var req TerminateRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return h.Sessions.Terminate(r.Context(), sessionParam(r), userID, req.Reason)
	})
}

// EndSession completes the session. A failed completion charge does not undo
// the completion: the session is returned with billing_error set.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID, err := userHeader(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req EndSessionRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	sess, err := h.Sessions.End(r.Context(), sessionParam(r), userID, req.SubmissionType)
	var billingErr *assessment.BillingError
	if err != nil && !(errors.As(err, &billingErr) && sess != nil) {
		h.writeError(w, r, err)
		return
	}
	dto := toSessionDTO(sess)
	if billingErr != nil {
		dto.BillingError = billingErr.Err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	userID, err := userHeader(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req EventRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.Sessions.RecordEvent(r.Context(), sessionParam(r), userID, session.Event{
		Type:     req.Type,
		Detail:   req.Detail,
		Severity: session.Severity(req.Severity),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalyticsDTO(a))
}

func (h *Handler) sessionOp(w http.ResponseWriter, r *http.Request, op func(*http.Request, assessment.UserID) (*assessment.Session, error)) {
	userID, err := userHeader(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := op(r, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ApproveVendor approves (creating if needed) a vendor and pays the welcome bonus once.
func (h *Handler) ApproveVendor(w http.ResponseWriter, r *http.Request) {
	var req ApproveVendorRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.Wallet.ApproveVendor(r.Context(), vendorParam(r), req.ApprovedBy, wallet.Profile(req.VendorProfileRequest))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVendorDTO(v))
}

func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	vendorID := vendorParam(r)
	if err := h.Wallet.Reconcile(r.Context(), vendorID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vendor_id": vendorID, "consistent": true})
}

func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	price, err := h.Billing.Pricing().PricePerUser(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PricingDTO{PricePerUser: money(price)})
}

func (h *Handler) SetPricing(w http.ResponseWriter, r *http.Request) {
	var req PricingRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	price, err := parseAmount("price_per_user", req.PricePerUser)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Billing.Pricing().SetPricePerUser(r.Context(), price, req.UpdatedBy); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PricingDTO{PricePerUser: money(price)})
}

func (h *Handler) MarkTestStarted(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Billing.OnTestStart(r.Context(), testParam(r), req.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChargeCompletion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.Billing.OnTestCompletion(r.Context(), testParam(r), req.UserRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) ListUnbilledSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Billing.UnbilledSessions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]SessionDTO, len(sessions))
	for i := range sessions {
		dtos[i] = toSessionDTO(&sessions[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RetryBilling(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Billing.RetryCharge(r.Context(), sessionParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sessions.CleanupExpired(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Expired: n})
}

func (h *Handler) ExpireGrants(w http.ResponseWriter, r *http.Request) {
	n, err := h.Access.ExpireGrants(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Expired: n})
}
