package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/inkwell/backend/internal/audit"
	"github.com/inkwell/backend/internal/models"
)

const (
	balanceCacheTTL   = 30 * time.Second
	externalRefTTL    = 24 * time.Hour
	keyBalanceCache   = "credits:balance:%d"
	keyExternalRef    = "credits:ref:%d:%s"
	maxHistoryPerPage = 100
)

// Claims are released only by their owner, so a crashed request cannot be
// unclaimed by a concurrent one.
const claimReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// CreditsService owns the public credit-mutation verbs. All of them funnel
// into LedgerStore.ApplyDelta; nothing else writes balances.
type CreditsService struct {
	db           *sql.DB
	store        *LedgerStore
	redis        *redis.Client
	audit        *audit.Logger
	releaseClaim *redis.Script
}

// MutationResult is the caller-facing outcome of a credit mutation.
type MutationResult struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"newBalance"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Message    string `json:"message,omitempty"`
}

func NewCreditsService(db *sql.DB, redisClient *redis.Client) *CreditsService {
	return &CreditsService{
		db:           db,
		store:        NewLedgerStore(db),
		redis:        redisClient,
		audit:        audit.NewLogger(),
		releaseClaim: redis.NewScript(claimReleaseScript),
	}
}

// Store exposes the read side for handlers and the guard.
func (s *CreditsService) Store() *LedgerStore {
	return s.store
}

// AddCredits credits an account. When externalRef is set the call is
// idempotent on (accountID, externalRef): a retried gateway webhook gets the
// already-recorded result instead of a second credit.
func (s *CreditsService) AddCredits(ctx context.Context, accountID int, amount int64, source string, kind models.EntryKind, externalRef string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be a positive integer, got %d", amount)
	}
	if !models.CreditKinds[kind] {
		return nil, fmt.Errorf("kind %s is not valid for adding credits", kind)
	}

	var claimKey, claimToken string
	if externalRef != "" {
		var claimed bool
		var err error
		claimKey, claimToken, claimed, err = s.claimExternalRef(ctx, accountID, externalRef)
		if err != nil {
			log.Printf("[CREDITS] External ref claim failed for account %d: %v", accountID, err)
		} else if !claimed {
			return s.duplicateResult(accountID, externalRef)
		}

		// The claim is a fast path; the ledger itself is checked so a
		// restarted Redis or an expired claim cannot double-credit.
		existing, err := s.store.FindByExternalRef(accountID, externalRef)
		if err != nil {
			s.release(ctx, claimKey, claimToken)
			return nil, err
		}
		if existing != nil {
			log.Printf("[CREDITS] Duplicate external ref %s for account %d, returning existing result", externalRef, accountID)
			balance, err := s.store.GetBalance(accountID)
			if err != nil {
				return nil, err
			}
			return &MutationResult{Success: true, NewBalance: balance, Duplicate: true}, nil
		}
	}

	newBalance, err := s.store.ApplyDelta(accountID, amount, models.LedgerEntry{
		Kind:        kind,
		Source:      source,
		ExternalRef: externalRef,
	}, false)
	if err != nil {
		if claimKey != "" {
			s.release(ctx, claimKey, claimToken)
		}
		s.audit.LogError(accountID, "add_credits", err)
		return nil, err
	}

	s.audit.LogMutation(accountID, string(kind), amount, newBalance, source)
	s.cacheBalance(ctx, accountID, newBalance)
	return &MutationResult{Success: true, NewBalance: newBalance}, nil
}

// ConsumeCredits debits an account for usage. The affordability check and
// the decrement happen under the store's row lock, so concurrent consumers
// of the same account cannot both pass on a stale read.
func (s *CreditsService) ConsumeCredits(ctx context.Context, accountID int, amount int64, source string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be a positive integer, got %d", amount)
	}

	newBalance, err := s.store.ApplyDelta(accountID, -amount, models.LedgerEntry{
		Kind:   models.KindUsage,
		Source: source,
	}, true)
	if errors.Is(err, ErrInsufficientCredits) {
		return &MutationResult{
			Success:    false,
			NewBalance: newBalance,
			Message:    "Insufficient credits",
		}, nil
	}
	if err != nil {
		s.audit.LogError(accountID, "consume_credits", err)
		return nil, err
	}

	s.audit.LogMutation(accountID, string(models.KindUsage), -amount, newBalance, source)
	s.cacheBalance(ctx, accountID, newBalance)
	return &MutationResult{Success: true, NewBalance: newBalance}, nil
}

// AdjustCredits applies a signed admin correction, attributed for audit.
// Adjustments honor the non-negativity invariant: a negative amount larger
// than the balance is rejected, not floored into a negative balance. Zeroing
// an account means adjusting by exactly -balance.
func (s *CreditsService) AdjustCredits(ctx context.Context, accountID int, amount int64, reason string, actingAdminID int) (*MutationResult, error) {
	if amount == 0 {
		return nil, fmt.Errorf("adjustment amount must be non-zero")
	}

	source := fmt.Sprintf("Manual adjustment by admin %d: %s", actingAdminID, reason)
	newBalance, err := s.store.ApplyDelta(accountID, amount, models.LedgerEntry{
		Kind:   models.KindAdjustment,
		Source: source,
	}, true)
	if errors.Is(err, ErrInsufficientCredits) {
		return &MutationResult{
			Success:    false,
			NewBalance: newBalance,
			Message:    "Adjustment would drive balance negative",
		}, nil
	}
	if err != nil {
		s.audit.LogError(accountID, "adjust_credits", err)
		return nil, err
	}

	s.audit.LogMutation(accountID, string(models.KindAdjustment), amount, newBalance, source)
	s.cacheBalance(ctx, accountID, newBalance)
	return &MutationResult{Success: true, NewBalance: newBalance}, nil
}

// CanAfford is an advisory read for UI display. It is never the sole gate
// before consumption; ConsumeCredits re-verifies under the row lock.
func (s *CreditsService) CanAfford(ctx context.Context, accountID int, cost int64) (bool, error) {
	if cost <= 0 {
		return true, nil
	}

	if s.redis != nil {
		cached, err := s.redis.Get(ctx, fmt.Sprintf(keyBalanceCache, accountID)).Result()
		if err == nil {
			if balance, perr := strconv.ParseInt(cached, 10, 64); perr == nil {
				return balance >= cost, nil
			}
		}
	}

	balance, err := s.store.GetBalance(accountID)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}

// GrantSignupBonusTx writes the first-time grant inside the registration
// transaction, keyed so a replayed registration cannot grant twice.
func (s *CreditsService) GrantSignupBonusTx(tx *sql.Tx, accountID int, amount int64) (int64, error) {
	if amount <= 0 {
		return s.balanceInTx(tx, accountID)
	}
	return s.store.ApplyDeltaTx(tx, accountID, amount, models.LedgerEntry{
		Kind:        models.KindBonus,
		Source:      "signup",
		ExternalRef: fmt.Sprintf("signup:%d", accountID),
	}, false)
}

func (s *CreditsService) balanceInTx(tx *sql.Tx, accountID int) (int64, error) {
	var balance int64
	err := tx.QueryRow(`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%w: read balance: %v", ErrLedgerWrite, err)
	}
	return balance, nil
}

func (s *CreditsService) duplicateResult(accountID int, externalRef string) (*MutationResult, error) {
	log.Printf("[CREDITS] External ref %s already claimed for account %d", externalRef, accountID)
	balance, err := s.store.GetBalance(accountID)
	if err != nil {
		return nil, err
	}
	return &MutationResult{Success: true, NewBalance: balance, Duplicate: true}, nil
}

func (s *CreditsService) claimExternalRef(ctx context.Context, accountID int, externalRef string) (string, string, bool, error) {
	if s.redis == nil {
		return "", "", true, nil
	}
	key := fmt.Sprintf(keyExternalRef, accountID, externalRef)
	token := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, key, token, externalRefTTL).Result()
	if err != nil {
		return "", "", true, err
	}
	return key, token, ok, nil
}

func (s *CreditsService) release(ctx context.Context, key, token string) {
	if s.redis == nil || key == "" || token == "" {
		return
	}
	if err := s.releaseClaim.Run(ctx, s.redis, []string{key}, token).Err(); err != nil && err != redis.Nil {
		log.Printf("[CREDITS] Failed to release claim %s: %v", key, err)
	}
}

func (s *CreditsService) cacheBalance(ctx context.Context, accountID int, balance int64) {
	if s.redis == nil {
		return
	}
	key := fmt.Sprintf(keyBalanceCache, accountID)
	if err := s.redis.Set(ctx, key, strconv.FormatInt(balance, 10), balanceCacheTTL).Err(); err != nil {
		log.Printf("[CREDITS] Failed to cache balance for account %d: %v", accountID, err)
	}
}
