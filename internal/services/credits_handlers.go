package services

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// AdjustRequest is the admin correction payload.
// @Description Admin credit adjustment request
type AdjustRequest struct {
	AccountID int    `json:"accountId" validate:"required,gt=0" example:"42"`
	Amount    int64  `json:"amount" validate:"required" example:"-20"` // signed delta
	Reason    string `json:"reason" validate:"required,min=3,max=200" example:"refund for failed export"`
}

// ExemptRequest toggles the credit exemption flag.
// @Description Credit exemption toggle request
type ExemptRequest struct {
	Exempt bool `json:"exempt" example:"true"`
}

// BalanceResponse is the user-facing balance view.
// @Description Account balance response
type BalanceResponse struct {
	AccountID int   `json:"accountId"`
	Balance   int64 `json:"balance"`
}

// GetBalance returns the authenticated account's credit balance
// @Summary Get credit balance
// @Description Get the authenticated user's current credit balance
// @Tags credits
// @Produce json
// @Success 200 {object} BalanceResponse
// @Failure 401 {string} string "Unauthorized"
// @Failure 500 {object} ErrorResponse
// @Router /credits/balance [get]
func (s *CreditsService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	balance, err := s.store.GetBalance(accountID)
	if err != nil {
		log.Printf("[CREDITS] Balance read failed for account %d: %v", accountID, err)
		SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BalanceResponse{AccountID: accountID, Balance: balance})
}

// GetHistory returns the account's ledger entries, most recent first
// @Summary Get credit history
// @Description Paginated ledger entries for the authenticated account
// @Tags credits
// @Produce json
// @Param limit query int false "Page size (max 100)" default(20)
// @Param offset query int false "Page offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Failure 401 {string} string "Unauthorized"
// @Failure 500 {object} ErrorResponse
// @Router /credits/history [get]
func (s *CreditsService) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := queryInt(r, "limit", 20)
	if limit > maxHistoryPerPage {
		limit = maxHistoryPerPage
	}
	offset := queryInt(r, "offset", 0)

	entries, err := s.store.History(accountID, limit, offset)
	if err != nil {
		log.Printf("[CREDITS] History read failed for account %d: %v", accountID, err)
		SendErrorResponse(w, "Failed to read history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetSummary returns the administrative ledger rollup
// @Summary Get ledger summary
// @Description Totals of issued/consumed credits across all accounts
// @Tags admin
// @Produce json
// @Success 200 {object} models.LedgerSummary
// @Failure 403 {string} string "Forbidden"
// @Failure 500 {object} ErrorResponse
// @Router /admin/credits/summary [get]
func (s *CreditsService) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Aggregate()
	if err != nil {
		log.Printf("[CREDITS] Aggregate failed: %v", err)
		SendErrorResponse(w, "Failed to compute summary", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// Adjust applies a signed admin correction to an account
// @Summary Adjust credits
// @Description Apply a signed credit adjustment, attributed to the acting admin. Negative adjustments are floored at zero balance.
// @Tags admin
// @Accept json
// @Produce json
// @Param request body AdjustRequest true "Adjustment request"
// @Success 200 {object} MutationResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {string} string "Account not found"
// @Failure 500 {object} ErrorResponse
// @Router /admin/credits/adjust [post]
func (s *CreditsService) Adjust(w http.ResponseWriter, r *http.Request) {
	adminID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req AdjustRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := NewValidationHelper().ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.AdjustCredits(r.Context(), req.AccountID, req.Amount, req.Reason, adminID)
	if errors.Is(err, ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[CREDITS] Adjustment failed for account %d by admin %d: %v", req.AccountID, adminID, err)
		SendErrorResponse(w, "Failed to apply adjustment", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !result.Success {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(result)
}

// SetExempt toggles an account's credit exemption
// @Summary Toggle credit exemption
// @Description Mark an account as credit-exempt (all costs resolve to zero) or revoke exemption
// @Tags admin
// @Accept json
// @Produce json
// @Param accountId path int true "Account ID"
// @Param request body ExemptRequest true "Exemption toggle"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {string} string "Account not found"
// @Failure 500 {object} ErrorResponse
// @Router /admin/accounts/{accountId}/exempt [put]
func (s *CreditsService) SetExempt(w http.ResponseWriter, r *http.Request) {
	adminID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountID, err := strconv.Atoi(chi.URLParam(r, "accountId"))
	if err != nil || accountID <= 0 {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	var req ExemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.store.SetCreditExempt(accountID, req.Exempt); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		log.Printf("[CREDITS] Exemption toggle failed for account %d: %v", accountID, err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[CREDITS] Account %d credit_exempt set to %t by admin %d", accountID, req.Exempt, adminID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"accountId": accountID, "exempt": req.Exempt})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if val := r.URL.Query().Get(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultVal
}

func accountIDFromContext(r *http.Request) (int, bool) {
	id, ok := r.Context().Value("accountID").(int)
	return id, ok && id > 0
}

func userIDFromContext(r *http.Request) (int, bool) {
	id, ok := r.Context().Value("userID").(int)
	return id, ok && id > 0
}
