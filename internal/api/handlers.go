/**
 * @description
 * This file contains the HTTP handlers for the wallet-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @notes
 * - Error responses carry a stable message and never echo amounts or PINs.
 * - The M-Pesa callback endpoint is unauthenticated by design: the gateway
 *   posts to it directly, and reconciliation is keyed on the checkout
 *   request id it carries.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smartbank/wallet-service/internal/app"
	"github.com/smartbank/wallet-service/internal/config"
	"github.com/smartbank/wallet-service/internal/domain"
	"github.com/smartbank/wallet-service/internal/store"
)

// WalletHandlers holds the application service that handlers will use.
type WalletHandlers struct {
	service *app.Service
	limiter app.RateLimiter
	cfg     config.Config
}

// NewWalletHandlers creates a new instance of WalletHandlers.
func NewWalletHandlers(service *app.Service, limiter app.RateLimiter, cfg config.Config) *WalletHandlers {
	return &WalletHandlers{service: service, limiter: limiter, cfg: cfg}
}

type balanceResponse struct {
	Balance int64                    `json:"balance"`
	Entry   *domain.TransactionEntry `json:"entry"`
}

func (h *WalletHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *WalletHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleServiceError maps service and store errors to HTTP statuses.
func (h *WalletHandlers) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidPINFormat),
		errors.Is(err, app.ErrSelfTransfer),
		errors.Is(err, app.ErrRecipientRequired),
		errors.Is(err, app.ErrInvalidPhoneNumber),
		errors.Is(err, app.ErrInvalidPeriod),
		errors.Is(err, app.ErrAmountNotWholeUnit),
		errors.Is(err, store.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrPINIncorrect):
		h.writeError(w, http.StatusUnauthorized, "Invalid transfer PIN.")
	case errors.Is(err, app.ErrPINLocked):
		h.writeError(w, http.StatusLocked, "Too many incorrect PIN attempts. Please wait and try again.")
	case errors.Is(err, store.ErrTransferPINNotSet):
		h.writeError(w, http.StatusPreconditionFailed, "Transfer PIN is not set. Please create your PIN first.")
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient funds.")
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrLoanNotFound),
		errors.Is(err, store.ErrProfileNotFound),
		errors.Is(err, store.ErrCheckoutNotFound),
		errors.Is(err, app.ErrNoStatementEntries):
		h.writeError(w, http.StatusNotFound, "Resource not found.")
	case errors.Is(err, store.ErrAccountFrozen),
		errors.Is(err, store.ErrAccountInactive):
		h.writeError(w, http.StatusForbidden, "Account is not available for transactions.")
	case errors.Is(err, store.ErrActiveLoanExists),
		errors.Is(err, store.ErrLoanNotRepayable),
		errors.Is(err, store.ErrAccountExists),
		errors.Is(err, store.ErrDuplicateCheckout):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotEligible):
		body := map[string]interface{}{"error": err.Error()}
		var notEligible *app.NotEligibleError
		if errors.As(err, &notEligible) {
			body["score"] = notEligible.Score
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, body)
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "An internal error occurred.")
	}
}

// requireUserID resolves the authenticated subject or writes a 500.
func (h *WalletHandlers) requireUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	return userID, true
}

// consumeRateLimit enforces a per-user limit on a scope. Limiter failures
// allow the request through rather than blocking money movement on Redis.
func (h *WalletHandlers) consumeRateLimit(w http.ResponseWriter, r *http.Request, scope string, userID uuid.UUID, limit int) bool {
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, userID.String(), limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return true
	}
	if limit > 0 && count > limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return false
	}
	return true
}

// GetAccountHandler returns the authenticated user's wallet.
func (h *WalletHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// SetTransferPinHandler sets or replaces the authenticated user's transfer PIN.
func (h *WalletHandlers) SetTransferPinHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	var req domain.SetTransferPinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.SetTransferPin(r.Context(), userID, req.PIN); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Transfer PIN updated."})
}

// TopUpHandler credits the authenticated user's wallet.
func (h *WalletHandlers) TopUpHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	var req domain.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	balance, entry, err := h.service.TopUp(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, balanceResponse{Balance: balance, Entry: entry})
}

// WithdrawHandler debits the authenticated user's wallet.
func (h *WalletHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	var req domain.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	balance, entry, err := h.service.Withdraw(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, balanceResponse{Balance: balance, Entry: entry})
}

// TransferHandler moves funds to another wallet, gated on the transfer PIN.
func (h *WalletHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	if !h.consumeRateLimit(w, r, "transfer", userID, h.cfg.TransferRateLimitPerMinute) {
		return
	}
	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	entry, err := h.service.Transfer(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// parseEntryFilter reads the optional history filters off the query string.
func parseEntryFilter(r *http.Request) domain.EntryFilter {
	q := r.URL.Query()
	filter := domain.EntryFilter{Type: q.Get("type")}
	if v, err := strconv.ParseInt(q.Get("min_amount"), 10, 64); err == nil {
		filter.MinAmount = v
	}
	if v, err := strconv.ParseInt(q.Get("max_amount"), 10, 64); err == nil {
		filter.MaxAmount = v
	}
	if t, err := time.Parse("2006-01-02", q.Get("start_date")); err == nil {
		filter.StartDate = t
	}
	if t, err := time.Parse("2006-01-02", q.Get("end_date")); err == nil {
		// Inclusive end of day.
		filter.EndDate = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = v
	}
	return filter
}

// ListEntriesHandler returns the authenticated user's transaction history.
func (h *WalletHandlers) ListEntriesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.ListEntries(r.Context(), userID, parseEntryFilter(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.TransactionEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// StatementHandler renders the authenticated user's monthly statement.
func (h *WalletHandlers) StatementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	year, errYear := strconv.Atoi(chi.URLParam(r, "year"))
	month, errMonth := strconv.Atoi(chi.URLParam(r, "month"))
	if errYear != nil || errMonth != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid statement period")
		return
	}
	statement, err := h.service.MonthlyStatement(r.Context(), userID, domain.StatementPeriod{Month: month, Year: year})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statement)
}

// LoanScoreHandler returns the authenticated user's current eligibility score.
func (h *WalletHandlers) LoanScoreHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	score, err := h.service.Score(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"score":    score,
		"eligible": score >= domain.EligibilityThreshold,
	})
}

// ApplyForLoanHandler scores the applicant and disburses on approval.
func (h *WalletHandlers) ApplyForLoanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	var req domain.LoanApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	loan, err := h.service.ApplyForLoan(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, loan)
}

// ListLoansHandler returns all of the authenticated user's loans.
func (h *WalletHandlers) ListLoansHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	loans, err := h.service.ListLoans(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if loans == nil {
		loans = []domain.Loan{}
	}
	h.writeJSON(w, http.StatusOK, loans)
}

// GetLoanHandler returns one of the authenticated user's loans.
func (h *WalletHandlers) GetLoanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid loan ID")
		return
	}
	loan, err := h.service.GetLoan(r.Context(), userID, loanID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loan)
}

// RepayLoanHandler settles an approved loan in full.
func (h *WalletHandlers) RepayLoanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid loan ID")
		return
	}
	loan, err := h.service.RepayLoan(r.Context(), userID, loanID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loan)
}

// STKPushHandler initiates an M-Pesa deposit prompt.
func (h *WalletHandlers) STKPushHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	if !h.consumeRateLimit(w, r, "stk_push", userID, h.cfg.StkPushRateLimitPerMinute) {
		return
	}
	var req domain.STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	mt, err := h.service.InitiateSTKPush(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, mt)
}

// stkCallbackEnvelope mirrors the JSON the Daraja gateway posts to the
// result webhook.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (e *stkCallbackEnvelope) toDomain() domain.STKCallback {
	cb := domain.STKCallback{
		MerchantRequestID: e.Body.StkCallback.MerchantRequestID,
		CheckoutRequestID: e.Body.StkCallback.CheckoutRequestID,
		ResultCode:        e.Body.StkCallback.ResultCode,
		ResultDesc:        e.Body.StkCallback.ResultDesc,
	}
	for _, item := range e.Body.StkCallback.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				cb.MpesaReceiptNumber = v
			}
		case "PhoneNumber":
			switch v := item.Value.(type) {
			case string:
				cb.PhoneNumber = v
			case float64:
				cb.PhoneNumber = strconv.FormatInt(int64(v), 10)
			}
		case "TransactionDate":
			if v, ok := item.Value.(float64); ok {
				cb.TransactionDate = strconv.FormatInt(int64(v), 10)
			}
		}
	}
	return cb
}

// MpesaCallbackHandler receives the asynchronous STK result from the gateway
// and reconciles it against the pending deposit. The response shape is what
// Daraja expects for an acknowledgement; a duplicate delivery is acknowledged
// without re-crediting.
func (h *WalletHandlers) MpesaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var envelope stkCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid callback body")
		return
	}
	cb := envelope.toDomain()
	if cb.CheckoutRequestID == "" {
		h.writeError(w, http.StatusBadRequest, "Callback missing CheckoutRequestID")
		return
	}

	outcome, err := h.service.ReconcileSTKCallback(r.Context(), cb)
	if err != nil {
		if errors.Is(err, store.ErrCheckoutNotFound) {
			log.Printf("level=warn component=api msg=\"callback for unknown checkout\" checkout_request_id=%s", cb.CheckoutRequestID)
			h.writeError(w, http.StatusNotFound, "Unknown checkout request")
			return
		}
		h.handleServiceError(w, err)
		return
	}

	log.Printf("level=info component=api msg=\"stk callback reconciled\" checkout_request_id=%s status=%s credited=%t duplicate=%t",
		outcome.CheckoutRequestID, outcome.Status, outcome.Credited, outcome.Duplicate)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// ProvisionAccountHandler creates a wallet for a newly registered owner.
// Idempotent: repeated calls return the existing wallet.
func (h *WalletHandlers) ProvisionAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	account, err := h.service.OnOwnerCreated(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

// setFrozen is shared by the freeze/unfreeze admin handlers.
func (h *WalletHandlers) setFrozen(w http.ResponseWriter, r *http.Request, frozen bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	if err := h.service.SetAccountFrozen(r.Context(), userID, frozen); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"is_frozen": frozen})
}

// FreezeAccountHandler freezes a wallet (admin only).
func (h *WalletHandlers) FreezeAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, true)
}

// UnfreezeAccountHandler unfreezes a wallet (admin only).
func (h *WalletHandlers) UnfreezeAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, false)
}
