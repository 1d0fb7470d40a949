package credits

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/robfig/cron/v3"
)

// Granter is the subset of Service used by the scheduler
type Granter interface {
	GrantBonus(ctx context.Context, accountID string, amount *big.Int, source Source) (Entry, error)
}

// BonusScheduler periodically grants free scheduler bonuses to a set of
// accounts
type BonusScheduler struct {
	granter  Granter
	schedule string
	amount   *big.Int
	logger   *slog.Logger

	mu       sync.Mutex
	accounts map[string]struct{}
	cron     *cron.Cron
	entryID  cron.EntryID
}

// NewBonusScheduler creates a scheduler. schedule is a cron expression with
// an optional leading seconds field.
func NewBonusScheduler(granter Granter, schedule string, amount *big.Int, logger *slog.Logger) (*BonusScheduler, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid bonus schedule %q: %w", schedule, err)
	}
	return &BonusScheduler{
		granter:  granter,
		schedule: schedule,
		amount:   new(big.Int).Set(amount),
		logger:   logger,
		accounts: make(map[string]struct{}),
		cron:     cron.New(cron.WithParser(parser)),
	}, nil
}

// AddAccount enrols an account in future grants
func (s *BonusScheduler) AddAccount(accountID string) {
	s.mu.Lock()
	s.accounts[accountID] = struct{}{}
	s.mu.Unlock()
}

// RemoveAccount stops granting to an account
func (s *BonusScheduler) RemoveAccount(accountID string) {
	s.mu.Lock()
	delete(s.accounts, accountID)
	s.mu.Unlock()
}

// Start registers the cron job and starts the cron runner
func (s *BonusScheduler) Start() error {
	id, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule bonus grants: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("bonus scheduler started", slog.String("schedule", s.schedule))
	return nil
}

// Stop halts the cron runner and waits for a running grant to finish
func (s *BonusScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
}

// RunOnce grants the bonus to every enrolled account and returns how many
// grants succeeded
func (s *BonusScheduler) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	accounts := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		accounts = append(accounts, id)
	}
	s.mu.Unlock()

	granted := 0
	for _, id := range accounts {
		if _, err := s.granter.GrantBonus(ctx, id, s.amount, SourceScheduler); err != nil {
			s.logger.Error("bonus grant failed",
				slog.String("account_id", id),
				slog.String("error", err.Error()))
			continue
		}
		granted++
	}
	return granted
}
