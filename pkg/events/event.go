// Package events carries step and run lifecycle events between the engine,
// strategies and live subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	StepStarted    = "step.started"
	StepCompleted  = "step.completed"
	StepFailed     = "step.failed"
	RunStarted     = "run.started"
	RunCompleted   = "run.completed"
	RunFailed      = "run.failed"
	RunCanceled    = "run.canceled"
	CreditsCharged = "credits.charged"
)

// Event is an immutable lifecycle notification. CorrelationID is the run id.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh id
func New(eventType, source, correlationID string, data map[string]interface{}) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
}
