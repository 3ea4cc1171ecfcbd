package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	assert.NoError(t, err)
	return signed
}

func passthrough(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestAuthMiddleware(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	defer viper.Set("jwt.secret_key", "")

	InitAuthMiddleware(nil)

	t.Run("valid token populates context", func(t *testing.T) {
		token := signTestToken(t, "test-secret", jwt.MapClaims{
			"user_id":    float64(7),
			"account_id": float64(42),
			"role":       "user",
			"exp":        time.Now().Add(time.Hour).Unix(),
		})

		var gotUserID, gotAccountID int
		var gotRole string
		handler := AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUserID, _ = r.Context().Value("userID").(int)
			gotAccountID, _ = r.Context().Value("accountID").(int)
			gotRole, _ = r.Context().Value("role").(string)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/credits/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 7, gotUserID)
		assert.Equal(t, 42, gotAccountID)
		assert.Equal(t, "user", gotRole)
	})

	t.Run("missing header", func(t *testing.T) {
		called := false
		handler := AuthMiddleware(passthrough(&called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/credits/balance", nil))

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		called := false
		handler := AuthMiddleware(passthrough(&called))

		req := httptest.NewRequest("GET", "/credits/balance", nil)
		req.Header.Set("Authorization", "Token abc")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token := signTestToken(t, "other-secret", jwt.MapClaims{
			"user_id": float64(7),
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		called := false
		handler := AuthMiddleware(passthrough(&called))

		req := httptest.NewRequest("GET", "/credits/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signTestToken(t, "test-secret", jwt.MapClaims{
			"user_id": float64(7),
			"exp":     time.Now().Add(-time.Hour).Unix(),
		})

		called := false
		handler := AuthMiddleware(passthrough(&called))

		req := httptest.NewRequest("GET", "/credits/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("blacklisted token is revoked", func(t *testing.T) {
		token := signTestToken(t, "test-secret", jwt.MapClaims{
			"user_id": float64(7),
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		client, mock := redismock.NewClientMock()
		InitAuthMiddleware(client)
		defer InitAuthMiddleware(nil)

		mock.ExpectExists("blacklist:" + token).SetVal(1)

		called := false
		handler := AuthMiddleware(passthrough(&called))

		req := httptest.NewRequest("GET", "/credits/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAdminOnly(t *testing.T) {
	t.Run("admin role passes", func(t *testing.T) {
		called := false
		handler := AdminOnly(passthrough(&called))

		req := httptest.NewRequest("GET", "/admin/credits/summary", nil)
		req = req.WithContext(context.WithValue(req.Context(), "role", "admin"))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("user role is forbidden", func(t *testing.T) {
		called := false
		handler := AdminOnly(passthrough(&called))

		req := httptest.NewRequest("GET", "/admin/credits/summary", nil)
		req = req.WithContext(context.WithValue(req.Context(), "role", "user"))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing role is forbidden", func(t *testing.T) {
		called := false
		handler := AdminOnly(passthrough(&called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/credits/summary", nil))

		assert.False(t, called)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
