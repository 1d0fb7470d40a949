package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

// maxAppendAttempts bounds optimistic retries when a balance changes between
// the free-balance read and the write
const maxAppendAttempts = 3

// Service records credit movements and exposes balances
type Service struct {
	store      LedgerStore
	accounting *Accounting
	now        func() time.Time
	logger     *slog.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceClock overrides the clock used to stamp entries
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithServiceLogger sets the service logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a credit service backed by store
func NewService(store LedgerStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.accounting = NewAccounting(store, s.logger)
	return s
}

// Accounting returns the FIFO accounting view over the same store
func (s *Service) Accounting() *Accounting {
	return s.accounting
}

// CreateAccount creates an empty account
func (s *Service) CreateAccount(ctx context.Context, accountID string) (Account, error) {
	if accountID == "" {
		return Account{}, fmt.Errorf("account id is required")
	}
	now := s.now().UTC()
	account := Account{
		ID:             accountID,
		CurrentBalance: new(big.Int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// EnsureAccount creates the account unless it already exists
func (s *Service) EnsureAccount(ctx context.Context, accountID string) error {
	if _, err := s.store.GetAccount(ctx, accountID); err == nil {
		return nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	_, err := s.CreateAccount(ctx, accountID)
	if errors.Is(err, ErrAccountExists) {
		return nil
	}
	return err
}

// GrantBonus credits free bonus credits. Bonuses only count as free when
// their source is the scheduler.
func (s *Service) GrantBonus(ctx context.Context, accountID string, amount *big.Int, source Source) (Entry, error) {
	return s.credit(ctx, accountID, amount, EntryBonus, source, nil)
}

// Purchase credits purchased credits from a payment
func (s *Service) Purchase(ctx context.Context, accountID string, amount *big.Int, paymentRef string) (Entry, error) {
	var meta map[string]string
	if paymentRef != "" {
		meta = map[string]string{MetaPaymentRef: paymentRef}
	}
	return s.credit(ctx, accountID, amount, EntryPurchase, SourceStripe, meta)
}

// Rollover carries unused free credits into a new period
func (s *Service) Rollover(ctx context.Context, accountID string, amount *big.Int) (Entry, error) {
	return s.credit(ctx, accountID, amount, EntryRollover, SourceScheduler, nil)
}

func (s *Service) credit(ctx context.Context, accountID string, amount *big.Int, typ EntryType, source Source, meta map[string]string) (Entry, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	entry := s.newEntry(accountID, new(big.Int).Set(amount), typ, source, meta)
	if err := s.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append %s entry: %w", typ, err)
	}
	s.logger.Info("credits added",
		slog.String("account_id", accountID),
		slog.String("type", string(typ)),
		slog.String("amount", amount.String()))
	return entry, nil
}

// Spend debits amount and annotates the entry with the pool it was drawn
// from at the time of the spend
func (s *Service) Spend(ctx context.Context, accountID string, amount *big.Int, meta map[string]string) (Entry, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Entry{}, ErrInvalidAmount
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		free := s.accounting.CalculateFreeCreditsBalance(ctx, accountID)
		consumed := GetConsumedCreditSource(free, amount)

		m := make(map[string]string, len(meta)+1)
		for k, v := range meta {
			m[k] = v
		}
		m[MetaConsumedSource] = string(consumed)

		entry := s.newEntry(accountID, new(big.Int).Neg(amount), EntrySpend, SourceExecution, m)
		err := s.store.Append(ctx, entry)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return Entry{}, fmt.Errorf("append spend entry: %w", err)
		}
		lastErr = err
	}
	return Entry{}, fmt.Errorf("append spend entry: %w", lastErr)
}

// Transfer moves credits between accounts. The receiving entry is marked as
// free only when the sender's free balance fully covers the amount.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if fromID == toID {
		return fmt.Errorf("cannot transfer credits to the same account")
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		free := s.accounting.CalculateFreeCreditsBalance(ctx, fromID)
		origin := ConsumedPurchased
		if GetConsumedCreditSource(free, amount) == ConsumedFree {
			origin = ConsumedFree
		}

		out := s.newEntry(fromID, new(big.Int).Neg(amount), EntryTransferOut, SourceUser, map[string]string{
			MetaCounterparty:   toID,
			MetaConsumedSource: string(GetConsumedCreditSource(free, amount)),
		})
		in := s.newEntry(toID, new(big.Int).Set(amount), EntryTransferIn, SourceUser, map[string]string{
			MetaCounterparty:   fromID,
			MetaOriginalSource: string(origin),
		})

		err := s.store.Append(ctx, out, in)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return fmt.Errorf("append transfer entries: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("append transfer entries: %w", lastErr)
}

// Balances returns the free/purchased/total split for an account
func (s *Service) Balances(ctx context.Context, accountID string) (Balances, error) {
	return s.accounting.GetCreditBalancesBySource(ctx, accountID)
}

// AvailableCredits returns the account's spendable balance
func (s *Service) AvailableCredits(ctx context.Context, accountID string) (*big.Int, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.CurrentBalance == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(account.CurrentBalance), nil
}

// History returns the account's ledger entries in FIFO order
func (s *Service) History(ctx context.Context, accountID string) ([]Entry, error) {
	entries, err := s.store.ListEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	SortEntries(entries)
	return entries, nil
}

func (s *Service) newEntry(accountID string, amount *big.Int, typ EntryType, source Source, meta map[string]string) Entry {
	return Entry{
		ID:        NewEntryID(),
		AccountID: accountID,
		Amount:    amount,
		Type:      typ,
		Source:    source,
		CreatedAt: s.now().UTC(),
		Meta:      meta,
	}
}
