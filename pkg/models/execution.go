package models

import "time"

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// RunStatus represents the current state of a routine run
type RunStatus struct {
	// ID of the run
	ID string `json:"id"`

	// RoutineID is the content hash of the routine configuration being run
	RoutineID string `json:"routine_id"`

	// AccountID is the credit account charged for the run
	AccountID string `json:"account_id"`

	// UserID is the user who started the run
	UserID string `json:"user_id,omitempty"`

	// Status of the run
	Status string `json:"status"` // "running", "completed", "failed", "canceled"

	// StartTime is when the run started
	StartTime time.Time `json:"start_time"`

	// EndTime is when the run finished
	EndTime time.Time `json:"end_time,omitempty"`

	// Error message if the run failed
	Error string `json:"error,omitempty"`

	// Outputs holds each completed step's normalized outputs, keyed by step id
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Progress of the run (0-100%)
	Progress float64 `json:"progress"`

	// CurrentStep is the ID of the most recently started step
	CurrentStep string `json:"current_step,omitempty"`

	// CreditsUsed is the base-10 total of credits charged so far
	CreditsUsed string `json:"credits_used,omitempty"`

	// TokensUsed is the total LLM tokens reported by providers
	TokensUsed int `json:"tokens_used,omitempty"`
}

// RunLog represents a log entry for a run
type RunLog struct {
	// Timestamp of the log entry
	Timestamp time.Time `json:"timestamp"`

	// StepID is the ID of the step that generated the log
	StepID string `json:"step_id,omitempty"`

	// Level of the log entry
	Level string `json:"level"` // "info", "warning", "error", "debug"

	// Message is the log message
	Message string `json:"message"`

	// Data is additional context for the log entry
	Data map[string]interface{} `json:"data,omitempty"`
}
