package models

import (
	"fmt"
	"time"
)

// EntryKind is the business reason for a ledger entry.
type EntryKind string

const (
	KindPurchase   EntryKind = "PURCHASE"
	KindBonus      EntryKind = "BONUS"
	KindAdjustment EntryKind = "ADJUSTMENT"
	KindUsage      EntryKind = "USAGE"
)

// CreditKinds are the kinds accepted on the credit-increasing path.
var CreditKinds = map[EntryKind]bool{
	KindPurchase:   true,
	KindBonus:      true,
	KindAdjustment: true,
}

// LedgerEntry is one immutable record of a balance change. Rows are
// append-only; the stored account balance is a cache of their running sum.
type LedgerEntry struct {
	ID          int64     `json:"id" db:"id"`
	AccountID   int       `json:"account_id" db:"account_id"`
	Kind        EntryKind `json:"kind" db:"kind"`
	Amount      int64     `json:"amount" db:"amount"` // signed delta actually applied
	Source      string    `json:"source" db:"source"`
	ExternalRef string    `json:"external_ref,omitempty" db:"external_ref"`
	Balance     int64     `json:"balance" db:"balance"` // balance after application
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// LedgerSummary is the administrative rollup over the full log.
type LedgerSummary struct {
	TotalIssued      int64 `json:"total_issued"`
	TotalConsumed    int64 `json:"total_consumed"`
	DistinctAccounts int64 `json:"distinct_accounts"`
	TotalEntries     int64 `json:"total_entries"`
}

// Tier is a closed set of service levels. Unknown tier strings are a
// configuration error, never a silent fallback to a default cost.
type Tier string

const (
	TierLite       Tier = "lite"
	TierPro        Tier = "pro"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierLite, TierPro, TierPremium, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

type Account struct {
	ID           int       `json:"id" db:"id"`
	Balance      int64     `json:"balance" db:"balance"`
	Tier         Tier      `json:"tier" db:"tier"`
	CreditExempt bool      `json:"credit_exempt" db:"credit_exempt"`
	Version      int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
