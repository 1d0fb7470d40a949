// Package credits implements the credit ledger: account balances, the
// append-only entry history, and FIFO attribution of the balance to free and
// purchased credit sources.
package credits

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// Errors returned by ledger stores and the credit service
var (
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrAccountExists       = errors.New("credit account already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
	ErrConcurrentUpdate    = errors.New("credit account was modified concurrently")
)

// EntryType classifies a ledger entry
type EntryType string

const (
	EntryBonus       EntryType = "bonus"
	EntryPurchase    EntryType = "purchase"
	EntryRollover    EntryType = "rollover"
	EntryTransferIn  EntryType = "transfer_in"
	EntryTransferOut EntryType = "transfer_out"
	EntrySpend       EntryType = "spend"
	EntryRefund      EntryType = "refund"
	EntryAdjustment  EntryType = "adjustment"
)

// Source records who or what produced a ledger entry
type Source string

const (
	SourceScheduler Source = "scheduler"
	SourceStripe    Source = "stripe"
	SourceSystem    Source = "system"
	SourceUser      Source = "user"
	SourceExecution Source = "execution"
)

// Meta keys understood by the accounting rules
const (
	MetaOriginalSource = "originalSource"
	MetaConsumedSource = "consumedSource"
	MetaRunID          = "runId"
	MetaStepID         = "stepId"
	MetaPaymentRef     = "paymentRef"
	MetaCounterparty   = "counterparty"
)

// Entry is one append-only row in an account's credit history.
// Positive amounts credit the account, negative amounts debit it.
type Entry struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Amount    *big.Int          `json:"amount"`
	Type      EntryType         `json:"type"`
	Source    Source            `json:"source"`
	CreatedAt time.Time         `json:"created_at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Account holds the authoritative running balance of an account
type Account struct {
	ID             string    `json:"id"`
	CurrentBalance *big.Int  `json:"current_balance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LedgerReader is the read side of a ledger store
type LedgerReader interface {
	// GetAccount returns ErrAccountNotFound when the account does not exist
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// ListEntries returns the account's entries ordered by CreatedAt, then ID
	ListEntries(ctx context.Context, accountID string) ([]Entry, error)
}

// LedgerStore persists accounts and entries
type LedgerStore interface {
	LedgerReader

	// CreateAccount creates an account with a zero balance
	CreateAccount(ctx context.Context, account Account) error

	// Append records entries, which may span accounts, and moves each
	// account's balance by the sum of its entries in one atomic write.
	// It fails with ErrInsufficientCredits if any balance would go negative
	// and with ErrConcurrentUpdate if a balance changed underneath it.
	Append(ctx context.Context, entries ...Entry) error
}

// NewEntryID returns a lexicographically time-ordered entry id
func NewEntryID() string {
	return ulid.Make().String()
}

// SortEntries orders entries by CreatedAt, breaking ties by ID
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

// SumByAccount totals entry amounts per account
func SumByAccount(entries []Entry) map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, e := range entries {
		sum, ok := out[e.AccountID]
		if !ok {
			sum = new(big.Int)
			out[e.AccountID] = sum
		}
		if e.Amount != nil {
			sum.Add(sum, e.Amount)
		}
	}
	return out
}

// ParseAmount parses a base-10 integer amount as stored by the SQL and
// DynamoDB backends
func ParseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	return new(big.Int).SetString(s, 10)
}
