// Package navigator walks a routine's step configuration and hands the engine
// opaque Locations to execute.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidLocation is returned when a location does not belong to the
	// navigator or routine it was passed to
	ErrInvalidLocation = errors.New("invalid location")

	// ErrRoutineNotFound is returned when a location's routine config is no
	// longer available
	ErrRoutineNotFound = errors.New("routine config not found")

	// ErrNotNavigable is returned when a navigator is asked to start a config
	// it cannot navigate
	ErrNotNavigable = errors.New("config not navigable")

	ErrInvalidGraph    = errors.New("invalid routine graph")
	ErrNoStartNode     = errors.New("graph has no start node")
	ErrUnknownNode     = errors.New("unknown graph node")
	ErrUnreachableNode = errors.New("graph node unreachable from any start node")
)

// LocationError describes why a location was rejected
type LocationError struct {
	Location Location
	Reason   string
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("invalid location %s (routine %s, node %s): %s",
		e.Location.ID, e.Location.RoutineID, e.Location.NodeID, e.Reason)
}

func (e *LocationError) Unwrap() error {
	return ErrInvalidLocation
}

// Location points at one step of one routine. It is derived from the routine
// config hash and the node id and never changes.
type Location struct {
	ID        string `json:"id"`
	RoutineID string `json:"routineId"`
	NodeID    string `json:"nodeId"`
}

// StepInfo describes one executable step
type StepInfo struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// TimeoutAction is what happens when a location timeout fires
type TimeoutAction string

const (
	TimeoutFail     TimeoutAction = "fail"
	TimeoutSkip     TimeoutAction = "skip"
	TimeoutContinue TimeoutAction = "continue"
)

// NavigationTrigger advances a waiting location when a matching event arrives
type NavigationTrigger struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"eventType"`
	Condition string `json:"condition,omitempty"`
}

// NavigationTimeout bounds how long a location may wait
type NavigationTimeout struct {
	ID        string        `json:"id"`
	Duration  time.Duration `json:"duration"`
	OnTimeout TimeoutAction `json:"onTimeout"`
}

// NavigationEvent is an external event offered to a location's triggers
type NavigationEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Navigator traverses one shape of routine config
type Navigator interface {
	// Type names the navigator; it is part of the routine id hash
	Type() string

	CanNavigate(cfg *RoutineConfig) bool
	StartLocation(ctx context.Context, cfg *RoutineConfig) (Location, error)
	AllStartLocations(ctx context.Context, cfg *RoutineConfig) ([]Location, error)

	// NextLocations returns the successors of current. vars feeds transition
	// conditions.
	NextLocations(ctx context.Context, current Location, vars map[string]interface{}) ([]Location, error)
	IsEndLocation(ctx context.Context, loc Location) bool
	StepInfo(ctx context.Context, loc Location) (StepInfo, error)
	Dependencies(ctx context.Context, loc Location) ([]string, error)
	ParallelBranches(ctx context.Context, loc Location) ([][]Location, error)

	LocationTriggers(ctx context.Context, loc Location) ([]NavigationTrigger, error)
	LocationTimeouts(ctx context.Context, loc Location) ([]NavigationTimeout, error)
	CanTriggerEvent(ctx context.Context, loc Location, event NavigationEvent) (bool, error)
}

// Select returns the first navigator that accepts cfg
func Select(cfg *RoutineConfig, navigators ...Navigator) (Navigator, error) {
	for _, n := range navigators {
		if n.CanNavigate(cfg) {
			return n, nil
		}
	}
	return nil, ErrNotNavigable
}
