package storage

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/models"
)

// Errors returned by the storage providers
var (
	ErrRunNotFound = errors.New("run not found")
)

// MemoryProvider implements the StorageProvider interface using in-memory storage
type MemoryProvider struct {
	ledgerStore *MemoryLedgerStore
	runStore    *MemoryRunStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		ledgerStore: NewMemoryLedgerStore(),
		runStore:    NewMemoryRunStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

// GetLedgerStore returns the credit ledger store
func (p *MemoryProvider) GetLedgerStore() credits.LedgerStore {
	return p.ledgerStore
}

// GetRunStore returns a store for run data
func (p *MemoryProvider) GetRunStore() RunStore {
	return p.runStore
}

// MemoryLedgerStore implements credits.LedgerStore using in-memory storage
type MemoryLedgerStore struct {
	accounts map[string]credits.Account
	entries  map[string][]credits.Entry
	mu       sync.RWMutex
}

// NewMemoryLedgerStore creates a new in-memory ledger store
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts: make(map[string]credits.Account),
		entries:  make(map[string][]credits.Entry),
	}
}

// CreateAccount creates an account with a zero balance
func (s *MemoryLedgerStore) CreateAccount(_ context.Context, account credits.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return credits.ErrAccountExists
	}
	account.CurrentBalance = new(big.Int)
	s.accounts[account.ID] = account
	return nil
}

// GetAccount retrieves an account
func (s *MemoryLedgerStore) GetAccount(_ context.Context, accountID string) (credits.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return credits.Account{}, credits.ErrAccountNotFound
	}
	return copyAccount(account), nil
}

// ListEntries returns an account's entries in FIFO order
func (s *MemoryLedgerStore) ListEntries(_ context.Context, accountID string) ([]credits.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, credits.ErrAccountNotFound
	}
	out := make([]credits.Entry, 0, len(s.entries[accountID]))
	for _, e := range s.entries[accountID] {
		out = append(out, copyEntry(e))
	}
	credits.SortEntries(out)
	return out, nil
}

// Append records entries and moves balances under a single lock
func (s *MemoryLedgerStore) Append(_ context.Context, entries ...credits.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := credits.SumByAccount(entries)
	next := make(map[string]*big.Int, len(deltas))
	for accountID, delta := range deltas {
		account, ok := s.accounts[accountID]
		if !ok {
			return credits.ErrAccountNotFound
		}
		balance := new(big.Int).Add(account.CurrentBalance, delta)
		if balance.Sign() < 0 {
			return credits.ErrInsufficientCredits
		}
		next[accountID] = balance
	}

	now := time.Now().UTC()
	for accountID, balance := range next {
		account := s.accounts[accountID]
		account.CurrentBalance = balance
		account.UpdatedAt = now
		s.accounts[accountID] = account
	}
	for _, e := range entries {
		s.entries[e.AccountID] = append(s.entries[e.AccountID], copyEntry(e))
	}
	return nil
}

// MemoryRunStore implements the RunStore interface using in-memory storage
type MemoryRunStore struct {
	runs map[string]models.RunStatus
	logs map[string][]models.RunLog
	mu   sync.RWMutex
}

// NewMemoryRunStore creates a new in-memory run store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]models.RunStatus),
		logs: make(map[string][]models.RunLog),
	}
}

// SaveRun persists run data
func (s *MemoryRunStore) SaveRun(_ context.Context, run models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

// GetRun retrieves run data
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (models.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return models.RunStatus{}, ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns all runs for an account, newest first
func (s *MemoryRunStore) ListRuns(_ context.Context, accountID string) ([]models.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []models.RunStatus
	for _, run := range s.runs {
		if run.AccountID == accountID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	return runs, nil
}

// SaveRunLog persists a run log entry
func (s *MemoryRunStore) SaveRunLog(_ context.Context, runID string, log models.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[runID] = append(s.logs[runID], log)
	return nil
}

// GetRunLogs retrieves logs for a run
func (s *MemoryRunStore) GetRunLogs(_ context.Context, runID string) ([]models.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]models.RunLog, len(s.logs[runID]))
	copy(logs, s.logs[runID])
	return logs, nil
}

func copyAccount(a credits.Account) credits.Account {
	if a.CurrentBalance != nil {
		a.CurrentBalance = new(big.Int).Set(a.CurrentBalance)
	}
	return a
}

func copyEntry(e credits.Entry) credits.Entry {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Meta != nil {
		meta := make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		e.Meta = meta
	}
	return e
}
