// Package storage provides persistence backends for the credit ledger and
// routine run history.
package storage

import (
	"context"

	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/models"
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetLedgerStore returns the credit ledger store
	GetLedgerStore() credits.LedgerStore

	// GetRunStore returns a store for run data
	GetRunStore() RunStore
}

// RunStore manages run data persistence
type RunStore interface {
	// SaveRun creates or replaces a run record
	SaveRun(ctx context.Context, run models.RunStatus) error

	// GetRun retrieves a run record
	GetRun(ctx context.Context, runID string) (models.RunStatus, error)

	// ListRuns returns all runs for an account, newest first
	ListRuns(ctx context.Context, accountID string) ([]models.RunStatus, error)

	// SaveRunLog persists a run log entry
	SaveRunLog(ctx context.Context, runID string, log models.RunLog) error

	// GetRunLogs retrieves logs for a run in the order they were written
	GetRunLogs(ctx context.Context, runID string) ([]models.RunLog, error)
}
