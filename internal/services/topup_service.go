package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/inkwell/backend/internal/config"
	"github.com/inkwell/backend/internal/models"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
)

const checkoutTTL = 15 * time.Minute

// TopUpService sits between the payment gateways and the credits ledger. The
// gateways themselves are black boxes; all this service needs from them is a
// confirmed USD amount and an external transaction id.
type TopUpService struct {
	db        *sql.DB
	redis     *redis.Client
	credits   *CreditsService
	pricing   *config.PricingConfig
	validator *ValidationHelper
}

// ConfirmRequest is the gateway-confirmation webhook payload.
// @Description Payment confirmation from a gateway webhook or capture callback
type ConfirmRequest struct {
	AccountID     int     `json:"accountId" validate:"required,gt=0" example:"42"`
	Gateway       string  `json:"gateway" validate:"required,oneof=paypal crypto manual" example:"paypal"`
	USDAmount     float64 `json:"usdAmount" validate:"required,gt=0" example:"5.00"`
	TransactionID string  `json:"transactionId" validate:"required,min=4,max=128" example:"TXN-8f31ab"`
}

// CheckoutQRRequest asks for a QR code pointing at a checkout payload.
// @Description Checkout QR generation request
type CheckoutQRRequest struct {
	USDAmount float64 `json:"usdAmount" validate:"required,gt=0,max=10000" example:"10.00"`
}

func NewTopUpService(db *sql.DB, redisClient *redis.Client, credits *CreditsService, pricing *config.PricingConfig) *TopUpService {
	return &TopUpService{
		db:        db,
		redis:     redisClient,
		credits:   credits,
		pricing:   pricing,
		validator: NewValidationHelper(),
	}
}

// Confirm handles a gateway payment confirmation
// @Summary Confirm a top-up payment
// @Description Convert a gateway-confirmed USD amount to credits and apply it. Idempotent per gateway transaction id; retried webhook deliveries credit once.
// @Tags credits
// @Accept json
// @Produce json
// @Param request body ConfirmRequest true "Payment confirmation"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {string} string "Account not found"
// @Failure 500 {object} ErrorResponse
// @Router /credits/topup/confirm [post]
func (s *TopUpService) Confirm(w http.ResponseWriter, r *http.Request) {
	// Gateway callbacks carry a shared secret instead of a user token.
	if secret := viper.GetString("gateway.webhook_secret"); secret != "" {
		if r.Header.Get("X-Webhook-Secret") != secret {
			log.Printf("[TOPUP] Webhook secret mismatch from %s", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req ConfirmRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	credited := s.pricing.CreditsForUSD(req.USDAmount)
	if credited <= 0 {
		SendErrorResponse(w, "Amount too small to convert to credits", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[TOPUP] Confirming %s payment of $%.2f (%d credits) for account %d, ref %s",
		req.Gateway, req.USDAmount, credited, req.AccountID, req.TransactionID)

	result, err := s.credits.AddCredits(r.Context(), req.AccountID, credited, req.Gateway, models.KindPurchase, req.TransactionID)
	if errors.Is(err, ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[TOPUP] Credit application failed for account %d: %v", req.AccountID, err)
		SendErrorResponse(w, "Failed to apply credits, please retry", http.StatusInternalServerError, nil)
		return
	}

	if result.Duplicate {
		log.Printf("[TOPUP] Duplicate delivery for ref %s, account %d already credited", req.TransactionID, req.AccountID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"credited":   credited,
		"duplicate":  result.Duplicate,
		"newBalance": result.NewBalance,
	})
}

// CheckoutQR generates a QR code for a top-up checkout
// @Summary Generate top-up QR code
// @Description Encode a checkout payload as a QR PNG; the payload is held in Redis until scanned or expired
// @Tags credits
// @Accept json
// @Produce json
// @Param request body CheckoutQRRequest true "Checkout request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /credits/topup/qr [post]
func (s *TopUpService) CheckoutQR(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CheckoutQRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	code, image, err := s.generateCheckoutQR(r.Context(), accountID, req.USDAmount)
	if err != nil {
		log.Printf("[TOPUP] QR generation failed for account %d: %v", accountID, err)
		SendErrorResponse(w, "QR generation unavailable", http.StatusServiceUnavailable, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"qrImage": image,
	})
}

func (s *TopUpService) generateCheckoutQR(ctx context.Context, accountID int, usdAmount float64) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("redis unavailable")
	}

	payload := map[string]any{
		"accountId": accountID,
		"usdAmount": usdAmount,
		"credits":   s.pricing.CreditsForUSD(usdAmount),
		"timestamp": time.Now().Unix(),
		"nonce":     uuid.NewString(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("checkout:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, checkoutTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ResolveCheckout retrieves and consumes a parked checkout payload.
func (s *TopUpService) ResolveCheckout(ctx context.Context, code string) (map[string]any, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis unavailable")
	}

	key := fmt.Sprintf("checkout:%s", code)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired checkout code")
	}
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)
	return payload, nil
}
