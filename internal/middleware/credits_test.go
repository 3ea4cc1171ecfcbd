package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/inkwell/backend/internal/config"
	"github.com/inkwell/backend/internal/models"
	"github.com/inkwell/backend/internal/services"
	"github.com/stretchr/testify/assert"
)

func testPricing() *config.PricingConfig {
	return &config.PricingConfig{
		GenerationCost: map[models.Tier]int64{
			models.TierLite:       10,
			models.TierPro:        8,
			models.TierPremium:    5,
			models.TierEnterprise: 3,
		},
		FeatureCost:   map[string]int64{"seo_analysis": 15},
		CreditsPerUSD: 100,
		SignupBonus:   25,
	}
}

func guardRequest(accountID int) *http.Request {
	req := httptest.NewRequest("POST", "/generate", nil)
	ctx := context.WithValue(req.Context(), "accountID", accountID)
	return req.WithContext(ctx)
}

func expectAccount(mock sqlmock.Sqlmock, accountID int, balance int64, tier string, exempt bool, version int) {
	mock.ExpectQuery("SELECT id, balance, tier, credit_exempt, version, updated_at FROM accounts WHERE id = \\$1").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "tier", "credit_exempt", "version", "updated_at"}).
			AddRow(accountID, balance, tier, exempt, version, time.Now()))
}

func expectConsume(mock sqlmock.Sqlmock, accountID int, current int64, version int, cost int64) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
			AddRow(accountID, current, version))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
		WithArgs(current-cost, sqlmock.AnyArg(), accountID, version).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func okHandler(t *testing.T, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"generated"}`))
	})
}

func TestCreditsGuard_RequireCredits(t *testing.T) {
	t.Run("consumes only after success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewCreditsGuard(services.NewCreditsService(db, nil), testPricing())

		expectAccount(mock, 42, 100, "lite", false, 1)
		// advisory affordability read
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
		expectConsume(mock, 42, 100, 1, 10)

		called := false
		handler := guard.RequireCredits(config.OpGeneration)(okHandler(t, &called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guardRequest(42))

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-Credits-Consumed"))
		assert.Equal(t, "90", rec.Header().Get("X-Credits-Remaining"))
		assert.Equal(t, "lite", rec.Header().Get("X-Credits-Tier"))
		assert.JSONEq(t, `{"text":"generated"}`, rec.Body.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unaffordable request with shortfall", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewCreditsGuard(services.NewCreditsService(db, nil), testPricing())

		expectAccount(mock, 42, 4, "lite", false, 1)
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(4))

		called := false
		handler := guard.RequireCredits(config.OpGeneration)(okHandler(t, &called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guardRequest(42))

		assert.False(t, called)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)

		var body map[string]any
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(10), body["required"])
		assert.Equal(t, float64(4), body["current"])
		assert.Equal(t, float64(6), body["shortfall"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exempt account passes without consumption", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewCreditsGuard(services.NewCreditsService(db, nil), testPricing())

		// Balance would never cover the cost; exemption wins anyway.
		expectAccount(mock, 42, 0, "lite", true, 1)

		called := false
		handler := guard.RequireCredits(config.OpGeneration)(okHandler(t, &called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guardRequest(42))

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "0", rec.Header().Get("X-Credits-Consumed"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no charge when the operation fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewCreditsGuard(services.NewCreditsService(db, nil), testPricing())

		expectAccount(mock, 42, 100, "lite", false, 1)
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))

		handler := guard.RequireCredits(config.OpGeneration)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "provider down", http.StatusBadGateway)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guardRequest(42))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Empty(t, rec.Header().Get("X-Credits-Consumed"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("post-operation consume failure becomes a reconciliation gap", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewCreditsGuard(services.NewCreditsService(db, nil), testPricing())

		expectAccount(mock, 42, 100, "lite", false, 1)
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))

		// By consume time a concurrent request has drained the account.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(42, 0, 9))
		mock.ExpectRollback()

		called := false
		handler := guard.RequireCredits(config.OpGeneration)(okHandler(t, &called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guardRequest(42))

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pending", rec.Header().Get("X-Credits-Reconciliation"))
		assert.NotEmpty(t, rec.Header().Get("X-Credits-Reconciliation-Event"))
		assert.Empty(t, rec.Header().Get("X-Credits-Consumed"))
		assert.JSONEq(t, `{"text":"generated"}`, rec.Body.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("quantity header multiplies cost", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewCreditsGuard(services.NewCreditsService(db, nil), testPricing())

		expectAccount(mock, 42, 20, "lite", false, 1)
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(20))

		called := false
		handler := guard.RequireCredits(config.OpGeneration)(okHandler(t, &called))

		req := guardRequest(42)
		req.Header.Set(QuantityHeader, "3")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)

		var body map[string]any
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(30), body["required"])
		assert.Equal(t, float64(10), body["shortfall"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account context", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewCreditsGuard(services.NewCreditsService(db, nil), testPricing())

		called := false
		handler := guard.RequireCredits(config.OpGeneration)(okHandler(t, &called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/generate", nil))

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
