package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/inkwell/backend/internal/audit"
	"github.com/inkwell/backend/internal/config"
	"github.com/inkwell/backend/internal/services"
)

// QuantityHeader multiplies the per-unit cost of the guarded operation.
const QuantityHeader = "X-Generation-Count"

const maxQuantity = 50

// CreditsGuard gates operations on affordability. It checks before the
// handler runs and charges only after the handler succeeds, so a failed
// generation never consumes credits.
type CreditsGuard struct {
	credits *services.CreditsService
	pricing *config.PricingConfig
	audit   *audit.Logger
}

func NewCreditsGuard(credits *services.CreditsService, pricing *config.PricingConfig) *CreditsGuard {
	return &CreditsGuard{
		credits: credits,
		pricing: pricing,
		audit:   audit.NewLogger(),
	}
}

// RequireCredits builds the guard middleware for one named operation.
func (g *CreditsGuard) RequireCredits(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := r.Context().Value("accountID").(int)
			if !ok || accountID <= 0 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			account, err := g.credits.Store().GetAccount(accountID)
			if errors.Is(err, services.ErrAccountNotFound) {
				http.Error(w, "Account not found", http.StatusNotFound)
				return
			}
			if err != nil {
				log.Printf("[GUARD] Account load failed for %d: %v", accountID, err)
				http.Error(w, "Failed to check credits", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-Credits-Tier", string(account.Tier))

			// Exempt accounts skip cost resolution entirely; nothing is
			// ever consumed for them.
			if account.CreditExempt {
				w.Header().Set("X-Credits-Consumed", "0")
				w.Header().Set("X-Credits-Remaining", strconv.FormatInt(account.Balance, 10))
				next.ServeHTTP(w, r)
				return
			}

			unitCost, err := g.pricing.CostOf(operation, account.Tier)
			if err != nil {
				log.Printf("[GUARD] Cost resolution failed for operation %s: %v", operation, err)
				http.Error(w, "Operation not priced", http.StatusInternalServerError)
				return
			}

			cost := unitCost * quantity(r)

			if cost > 0 {
				affordable, err := g.credits.CanAfford(r.Context(), accountID, cost)
				if err != nil {
					log.Printf("[GUARD] Affordability check failed for %d: %v", accountID, err)
					http.Error(w, "Failed to check credits", http.StatusInternalServerError)
					return
				}
				if !affordable {
					shortfall := cost - account.Balance
					if shortfall < 0 {
						shortfall = 0
					}
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusPaymentRequired)
					json.NewEncoder(w).Encode(map[string]any{
						"error":     "Insufficient credits",
						"required":  cost,
						"current":   account.Balance,
						"shortfall": shortfall,
					})
					return
				}
			}

			// Buffer the downstream response so consumption headers can be
			// attached after the handler has reported its outcome.
			recorder := newBufferedResponse(w.Header())
			next.ServeHTTP(recorder, r)

			if cost > 0 && recorder.succeeded() {
				result, err := g.credits.ConsumeCredits(r.Context(), accountID, cost, operation)
				switch {
				case err != nil:
					// The operation already ran; this cannot be retried
					// without risking a double generation. Park it for
					// manual reconciliation instead.
					eventID := g.audit.LogReconciliationGap(accountID, operation, cost, err)
					w.Header().Set("X-Credits-Reconciliation", "pending")
					w.Header().Set("X-Credits-Reconciliation-Event", eventID)
				case !result.Success:
					eventID := g.audit.LogReconciliationGap(accountID, operation, cost, services.ErrInsufficientCredits)
					w.Header().Set("X-Credits-Reconciliation", "pending")
					w.Header().Set("X-Credits-Reconciliation-Event", eventID)
				default:
					w.Header().Set("X-Credits-Consumed", strconv.FormatInt(cost, 10))
					w.Header().Set("X-Credits-Remaining", strconv.FormatInt(result.NewBalance, 10))
				}
			}

			recorder.flush(w)
		})
	}
}

func quantity(r *http.Request) int64 {
	qty := int64(1)
	if raw := r.Header.Get(QuantityHeader); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			qty = parsed
		}
	}
	if qty > maxQuantity {
		qty = maxQuantity
	}
	return qty
}

// bufferedResponse holds the downstream handler's output until the guard has
// decided on consumption. Headers are shared with the real writer so the
// guard can add to them after the handler returns.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse(header http.Header) *bufferedResponse {
	return &bufferedResponse{header: header}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) succeeded() bool {
	return b.status >= 200 && b.status < 300
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}
