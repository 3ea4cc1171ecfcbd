package services

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell/backend/internal/models"
)

var (
	// ErrInsufficientCredits means a floor-enforced delta would have driven
	// the balance negative. No mutation occurred.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAccountNotFound means the operation referenced an unknown account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrLedgerWrite wraps transactional write failures. Balance and log are
	// untouched when it is returned.
	ErrLedgerWrite = errors.New("ledger write failed")
)

// LedgerStore is the only component that mutates account balances. Every
// mutation goes through applyDeltaTx: balance update and ledger insert commit
// together or not at all.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// GetBalance reads the current balance. An account that was never
// initialized reads as 0 so downstream arithmetic stays total.
func (s *LedgerStore) GetBalance(accountID int) (int64, error) {
	var balance int64
	err := s.db.QueryRow(`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read balance: %v", ErrLedgerWrite, err)
	}
	return balance, nil
}

// GetAccount loads the full account row for cost resolution.
func (s *LedgerStore) GetAccount(accountID int) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRow(`
		SELECT id, balance, tier, credit_exempt, version, updated_at
		FROM accounts
		WHERE id = $1`, accountID).
		Scan(&account.ID, &account.Balance, &account.Tier, &account.CreditExempt, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read account: %v", ErrLedgerWrite, err)
	}
	return &account, nil
}

// ApplyDelta applies a signed delta and its ledger entry in one transaction.
// With enforceFloor set, a delta that would drive the balance below zero is
// rejected with ErrInsufficientCredits; the returned balance is then the
// unchanged current balance.
func (s *LedgerStore) ApplyDelta(accountID int, delta int64, entry models.LedgerEntry, enforceFloor bool) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrLedgerWrite, err)
	}
	defer tx.Rollback()

	newBalance, err := s.ApplyDeltaTx(tx, accountID, delta, entry, enforceFloor)
	if err != nil {
		return newBalance, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrLedgerWrite, err)
	}
	return newBalance, nil
}

// ApplyDeltaTx is ApplyDelta inside a caller-owned transaction, for flows
// that bundle the ledger write with other inserts (registration bonus).
func (s *LedgerStore) ApplyDeltaTx(tx *sql.Tx, accountID int, delta int64, entry models.LedgerEntry, enforceFloor bool) (int64, error) {
	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return 0, err
	}

	newBalance := account.Balance + delta
	if enforceFloor && newBalance < 0 {
		return account.Balance, ErrInsufficientCredits
	}

	entry.AccountID = accountID
	entry.Amount = delta
	entry.Balance = newBalance
	if err := s.insertEntry(tx, &entry); err != nil {
		return 0, err
	}

	if err := s.updateAccountBalance(tx, accountID, newBalance, account.Version); err != nil {
		return 0, err
	}

	return newBalance, nil
}

// lockAccount takes the row lock that serializes concurrent deltas for one
// account. The affordability check downstream is only sound under this lock.
func (s *LedgerStore) lockAccount(tx *sql.Tx, accountID int) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock account: %v", ErrLedgerWrite, err)
	}
	return &account, nil
}

func (s *LedgerStore) insertEntry(tx *sql.Tx, entry *models.LedgerEntry) error {
	externalRef := sql.NullString{String: entry.ExternalRef, Valid: entry.ExternalRef != ""}
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (account_id, kind, amount, source, external_ref, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.AccountID, string(entry.Kind), entry.Amount, entry.Source, externalRef, entry.Balance, time.Now())
	if err != nil {
		return fmt.Errorf("%w: insert entry: %v", ErrLedgerWrite, err)
	}
	return nil
}

func (s *LedgerStore) updateAccountBalance(tx *sql.Tx, accountID int, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return fmt.Errorf("%w: update balance: %v", ErrLedgerWrite, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update balance: %v", ErrLedgerWrite, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: optimistic lock failed for account %d", ErrLedgerWrite, accountID)
	}

	return nil
}

// FindByExternalRef returns the entry already recorded for a gateway
// transaction id, or nil when the ref is unseen.
func (s *LedgerStore) FindByExternalRef(accountID int, externalRef string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.QueryRow(`
		SELECT id, account_id, kind, amount, source, external_ref, balance, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND external_ref = $2`, accountID, externalRef).
		Scan(&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount, &entry.Source, &entry.ExternalRef, &entry.Balance, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find external ref: %v", ErrLedgerWrite, err)
	}
	return &entry, nil
}

// History returns the account's entries most-recent-first.
func (s *LedgerStore) History(accountID, limit, offset int) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, kind, amount, source, COALESCE(external_ref, ''), balance, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: read history: %v", ErrLedgerWrite, err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount, &entry.Source, &entry.ExternalRef, &entry.Balance, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan history: %v", ErrLedgerWrite, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Aggregate rolls up the full log for the admin dashboard.
func (s *LedgerStore) Aggregate() (*models.LedgerSummary, error) {
	var summary models.LedgerSummary
	err := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'USAGE' THEN -amount ELSE 0 END), 0),
			COUNT(DISTINCT account_id),
			COUNT(*)
		FROM ledger_entries`).
		Scan(&summary.TotalIssued, &summary.TotalConsumed, &summary.DistinctAccounts, &summary.TotalEntries)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate: %v", ErrLedgerWrite, err)
	}
	return &summary, nil
}

// ReplayBalance recomputes an account's balance from its log. The log is the
// source of truth; the accounts row is a cache this should always agree with.
func (s *LedgerStore) ReplayBalance(accountID int) (int64, error) {
	var replayed int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`, accountID).
		Scan(&replayed)
	if err != nil {
		return 0, fmt.Errorf("%w: replay: %v", ErrLedgerWrite, err)
	}
	return replayed, nil
}

// CreateAccountTx inserts a fresh account inside the caller's transaction.
func (s *LedgerStore) CreateAccountTx(tx *sql.Tx, tier models.Tier) (int, error) {
	var accountID int
	err := tx.QueryRow(`
		INSERT INTO accounts (balance, tier, credit_exempt, version, updated_at)
		VALUES (0, $1, FALSE, 1, NOW())
		RETURNING id`, string(tier)).Scan(&accountID)
	if err != nil {
		return 0, fmt.Errorf("%w: create account: %v", ErrLedgerWrite, err)
	}
	return accountID, nil
}

// SetCreditExempt flips the exemption flag. Attributable admin actions only.
func (s *LedgerStore) SetCreditExempt(accountID int, exempt bool) error {
	result, err := s.db.Exec(`
		UPDATE accounts SET credit_exempt = $1, updated_at = $2 WHERE id = $3`,
		exempt, time.Now(), accountID)
	if err != nil {
		return fmt.Errorf("%w: set exempt: %v", ErrLedgerWrite, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: set exempt: %v", ErrLedgerWrite, err)
	}
	if rowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
