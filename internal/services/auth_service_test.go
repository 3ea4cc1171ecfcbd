package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/inkwell/backend/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setAuthTestConfig(t *testing.T) {
	t.Helper()
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
}

func TestPasswordHashing(t *testing.T) {
	setAuthTestConfig(t)

	hash, err := hashPassword("password123")
	assert.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotContains(t, hash, "password123")

	assert.True(t, verifyPassword("password123", hash))
	assert.False(t, verifyPassword("password124", hash))
	assert.False(t, verifyPassword("password123", "not$ahash"))
	assert.False(t, verifyPassword("password123", "garbage"))

	// Same password, fresh salt, different hash
	other, err := hashPassword("password123")
	assert.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestAuthService_Register(t *testing.T) {
	setAuthTestConfig(t)

	newService := func(t *testing.T) (*AuthService, sqlmock.Sqlmock, *sql.DB) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		credits := NewCreditsService(db, nil)
		return NewAuthService(db, nil, credits, config.LoadPricingConfig()), mock, db
	}

	t.Run("creates user, account, and signup bonus atomically", func(t *testing.T) {
		service, mock, db := newService(t)
		defer db.Close()

		mock.ExpectBegin()

		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs("lite").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		mock.ExpectQuery("INSERT INTO users").
			WithArgs("jane@example.com", sqlmock.AnyArg(), "Jane", "Doe", 42).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		// Signup bonus rides the same transaction
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(42, 0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(42, "BONUS", int64(25), "signup", "signup:42", int64(25), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(25), sqlmock.AnyArg(), 42, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		body, _ := json.Marshal(RegisterRequest{
			Email:     "Jane@example.com",
			Password:  "password123",
			FirstName: "Jane",
			LastName:  "Doe",
		})

		req := httptest.NewRequest("POST", "/auth/register", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		service.Register(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp AuthResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, 7, resp.User.ID)
		assert.Equal(t, 42, resp.User.AccountID)
		assert.Equal(t, int64(25), resp.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown tier is rejected", func(t *testing.T) {
		service, mock, db := newService(t)
		defer db.Close()

		body, _ := json.Marshal(RegisterRequest{
			Email:     "jane@example.com",
			Password:  "password123",
			FirstName: "Jane",
			LastName:  "Doe",
			Tier:      "trial",
		})

		req := httptest.NewRequest("POST", "/auth/register", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		service.Register(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate email conflicts and rolls back", func(t *testing.T) {
		service, mock, db := newService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs("lite").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "users_email_key"`))
		mock.ExpectRollback()

		body, _ := json.Marshal(RegisterRequest{
			Email:     "jane@example.com",
			Password:  "password123",
			FirstName: "Jane",
			LastName:  "Doe",
		})

		req := httptest.NewRequest("POST", "/auth/register", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		service.Register(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		service, mock, db := newService(t)
		defer db.Close()

		req := httptest.NewRequest("POST", "/auth/register",
			bytes.NewReader([]byte(`{"Email":"a@b.com","Password":"password123","FirstName":"A","LastName":"B","IsAdmin":true}`)))
		rec := httptest.NewRecorder()
		service.Register(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validation failure", func(t *testing.T) {
		service, mock, db := newService(t)
		defer db.Close()

		body, _ := json.Marshal(RegisterRequest{
			Email:     "not-an-email",
			Password:  "short",
			FirstName: "J",
			LastName:  "D",
		})

		req := httptest.NewRequest("POST", "/auth/register", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		service.Register(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuthService_Login(t *testing.T) {
	setAuthTestConfig(t)

	hash, err := hashPassword("password123")
	assert.NoError(t, err)

	userColumns := []string{"id", "email", "first_name", "last_name", "password", "role", "account_id"}

	t.Run("valid credentials", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAuthService(db, nil, NewCreditsService(db, nil), config.LoadPricingConfig())

		mock.ExpectQuery("SELECT id, email, first_name, last_name, password, role, account_id FROM users WHERE email = \\$1").
			WithArgs("jane@example.com").
			WillReturnRows(sqlmock.NewRows(userColumns).
				AddRow(7, "jane@example.com", "Jane", "Doe", hash, "user", 42))

		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(25))

		body, _ := json.Marshal(LoginRequest{Email: "jane@example.com", Password: "password123"})
		req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		service.Login(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp AuthResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, int64(25), resp.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong password", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAuthService(db, nil, NewCreditsService(db, nil), config.LoadPricingConfig())

		mock.ExpectQuery("SELECT id, email, first_name, last_name, password, role, account_id FROM users WHERE email = \\$1").
			WithArgs("jane@example.com").
			WillReturnRows(sqlmock.NewRows(userColumns).
				AddRow(7, "jane@example.com", "Jane", "Doe", hash, "user", 42))

		body, _ := json.Marshal(LoginRequest{Email: "jane@example.com", Password: "wrongpassword"})
		req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		service.Login(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown email", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAuthService(db, nil, NewCreditsService(db, nil), config.LoadPricingConfig())

		mock.ExpectQuery("SELECT id, email, first_name, last_name, password, role, account_id FROM users WHERE email = \\$1").
			WithArgs("nobody@example.com").
			WillReturnError(sql.ErrNoRows)

		body, _ := json.Marshal(LoginRequest{Email: "nobody@example.com", Password: "password123"})
		req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		service.Login(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuthService_Logout(t *testing.T) {
	setAuthTestConfig(t)

	redisClient, redisMock := redismock.NewClientMock()
	service := NewAuthService(nil, redisClient, nil, config.LoadPricingConfig())

	redisMock.ExpectSet("blacklist:some-token", "1", 24*time.Hour).SetVal("OK")

	req := httptest.NewRequest("POST", "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer some-token")

	rec := httptest.NewRecorder()
	service.Logout(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
