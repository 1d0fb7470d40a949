// Package api provides the HTTP and websocket surface of routinerunner.
package api

import (
	"context"

	"github.com/tcmartin/routinerunner/pkg/auth"
	"github.com/tcmartin/routinerunner/pkg/breaker"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/engine"
	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/llm"
	"github.com/tcmartin/routinerunner/pkg/models"
)

// RunService starts and inspects runs. *engine.Executor implements it.
type RunService interface {
	// Start runs a routine in the background and returns the run id
	Start(ctx context.Context, req engine.RunRequest) (string, error)

	// Run executes a routine to completion
	Run(ctx context.Context, req engine.RunRequest) (engine.RunResult, error)

	// Cancel stops an active run
	Cancel(runID string) error

	// GetStatus retrieves the status of a run
	GetStatus(ctx context.Context, runID string) (models.RunStatus, error)

	// GetLogs retrieves the logs of a run
	GetLogs(ctx context.Context, runID string) ([]models.RunLog, error)

	// ListRuns returns an account's runs, newest first
	ListRuns(ctx context.Context, accountID string) ([]models.RunStatus, error)
}

// CreditService reports account balances. *credits.Service implements it.
type CreditService interface {
	Balances(ctx context.Context, accountID string) (credits.Balances, error)
	History(ctx context.Context, accountID string) ([]credits.Entry, error)
}

// ProviderStatuses reports LLM provider health. *llm.ServiceRegistry
// implements it.
type ProviderStatuses interface {
	Statuses() []llm.ServiceStatus
}

// Dependencies are the services the API serves. Credits, Providers,
// Breakers and Bus are optional.
type Dependencies struct {
	Runs      RunService
	Credits   CreditService
	Providers ProviderStatuses
	Breakers  *breaker.Registry
	Tokens    auth.TokenValidator
	Bus       events.Bus
}
