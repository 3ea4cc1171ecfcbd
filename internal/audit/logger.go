package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	AccountID int       `json:"account_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogMutation records a balance-affecting ledger operation.
func (a *Logger) LogMutation(accountID int, kind string, amount, newBalance int64, source string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventID:   uuid.NewString(),
		EventType: "CREDIT_MUTATION",
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details: map[string]any{
			"kind":        kind,
			"source":      source,
			"new_balance": newBalance,
		},
	})
}

// LogReconciliationGap records a guarded operation that completed but could
// not be charged. These are never retried automatically; the event id is the
// handle for manual reconciliation.
func (a *Logger) LogReconciliationGap(accountID int, operation string, cost int64, cause error) string {
	eventID := uuid.NewString()
	a.log(Event{
		Timestamp: time.Now(),
		EventID:   eventID,
		EventType: "RECONCILIATION_GAP",
		AccountID: accountID,
		Amount:    cost,
		Status:    "UNCHARGED",
		Details: map[string]string{
			"operation": operation,
			"cause":     cause.Error(),
		},
	})
	return eventID
}

func (a *Logger) LogError(accountID int, operation string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventID:   uuid.NewString(),
		EventType: "ERROR",
		AccountID: accountID,
		Status:    "FAILED",
		Details: map[string]string{
			"operation": operation,
			"error":     err.Error(),
		},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
