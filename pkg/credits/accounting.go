package credits

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
)

// ConsumedSource describes which pool a prospective spend draws from
type ConsumedSource string

const (
	ConsumedFree      ConsumedSource = "free"
	ConsumedPurchased ConsumedSource = "purchased"
	ConsumedMixed     ConsumedSource = "mixed"
)

// Balances splits an account's balance by credit origin
type Balances struct {
	Free      *big.Int `json:"free"`
	Purchased *big.Int `json:"purchased"`
	Total     *big.Int `json:"total"`
}

// Accounting computes FIFO free/purchased attribution from the ledger.
// It never writes.
type Accounting struct {
	ledger LedgerReader
	logger *slog.Logger
}

// NewAccounting creates an Accounting over ledger
func NewAccounting(ledger LedgerReader, logger *slog.Logger) *Accounting {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounting{ledger: ledger, logger: logger}
}

// CalculateFreeCreditsBalance returns the free credits remaining after
// spends have consumed free credits first. Read failures yield zero.
func (a *Accounting) CalculateFreeCreditsBalance(ctx context.Context, accountID string) *big.Int {
	entries, err := a.ledger.ListEntries(ctx, accountID)
	if err != nil {
		a.logger.Warn("failed to read credit ledger, treating free balance as zero",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))
		return new(big.Int)
	}
	return FreeCreditsRemaining(entries)
}

// FreeCreditsRemaining applies the FIFO rules to an entry list
func FreeCreditsRemaining(entries []Entry) *big.Int {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	SortEntries(ordered)

	freeAdded := new(big.Int)
	totalSpent := new(big.Int)
	for _, e := range ordered {
		if e.Amount == nil {
			continue
		}
		switch e.Amount.Sign() {
		case 1:
			if isFreeCredit(e) {
				freeAdded.Add(freeAdded, e.Amount)
			}
		case -1:
			totalSpent.Sub(totalSpent, e.Amount)
		}
	}

	freeSpent := minInt(totalSpent, freeAdded)
	return new(big.Int).Sub(freeAdded, freeSpent)
}

// isFreeCredit classifies a positive entry. Anything not recognised as free
// counts as purchased.
func isFreeCredit(e Entry) bool {
	switch e.Type {
	case EntryBonus:
		return e.Source == SourceScheduler
	case EntryRollover:
		return true
	case EntryTransferIn:
		return e.Meta[MetaOriginalSource] == string(ConsumedFree)
	default:
		return false
	}
}

// GetCreditBalancesBySource returns the free, purchased and total balance.
// Total comes from the account row; the free share is clamped to it.
func (a *Accounting) GetCreditBalancesBySource(ctx context.Context, accountID string) (Balances, error) {
	account, err := a.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return Balances{}, fmt.Errorf("get credit account %s: %w", accountID, err)
	}

	total := new(big.Int)
	if account.CurrentBalance != nil {
		total.Set(account.CurrentBalance)
	}

	free := a.CalculateFreeCreditsBalance(ctx, accountID)
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	if total.Sign() < 0 {
		free.SetInt64(0)
	} else if free.Cmp(total) > 0 {
		free.Set(total)
	}

	purchased := new(big.Int).Sub(total, free)
	if purchased.Sign() < 0 {
		purchased.SetInt64(0)
	}

	return Balances{Free: free, Purchased: purchased, Total: total}, nil
}

// GetConsumedCreditSource classifies a prospective spend against the free
// balance available before it
func GetConsumedCreditSource(freeBalance, spendAmount *big.Int) ConsumedSource {
	if spendAmount.Cmp(freeBalance) <= 0 {
		return ConsumedFree
	}
	if freeBalance.Sign() == 0 {
		return ConsumedPurchased
	}
	return ConsumedMixed
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
