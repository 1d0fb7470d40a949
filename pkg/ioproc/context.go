package ioproc

import (
	"sync"
)

// UserData identifies the user a run acts for
type UserData struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name,omitempty"`
	Email string                 `json:"email,omitempty"`
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SubroutineContext holds every step's inputs and outputs for one run.
// Writes are keyed by step id, so concurrent branches never conflict.
type SubroutineContext struct {
	mu            sync.RWMutex
	allInputsMap  map[string]map[string]interface{}
	allOutputsMap map[string]map[string]interface{}
}

// NewSubroutineContext creates an empty subroutine context
func NewSubroutineContext() *SubroutineContext {
	return &SubroutineContext{
		allInputsMap:  make(map[string]map[string]interface{}),
		allOutputsMap: make(map[string]map[string]interface{}),
	}
}

// Output returns the stored outputs of a step
func (s *SubroutineContext) Output(stepID string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.allOutputsMap[stepID]
	return out, ok
}

// SetOutput records the outputs of a step
func (s *SubroutineContext) SetOutput(stepID string, outputs map[string]interface{}) {
	s.mu.Lock()
	s.allOutputsMap[stepID] = outputs
	s.mu.Unlock()
}

// Input returns the payload a step was started with
func (s *SubroutineContext) Input(stepID string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.allInputsMap[stepID]
	return in, ok
}

// SetInput records the payload a step was started with
func (s *SubroutineContext) SetInput(stepID string, inputs map[string]interface{}) {
	s.mu.Lock()
	s.allInputsMap[stepID] = inputs
	s.mu.Unlock()
}

// AllOutputs returns a shallow copy of the outputs map
func (s *SubroutineContext) AllOutputs() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.allOutputsMap))
	for k, v := range s.allOutputsMap {
		out[k] = v
	}
	return out
}

// AllInputs returns a shallow copy of the inputs map
func (s *SubroutineContext) AllInputs() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in := make(map[string]interface{}, len(s.allInputsMap))
	for k, v := range s.allInputsMap {
		in[k] = v
	}
	return in
}

// Context is what the processor needs to know about the running step
type Context interface {
	RunID() string
	RoutineID() string
	User() UserData
	CurrentStepID() string
	// Value resolves a dotted path against run variables
	Value(path string) (interface{}, bool)
	GetSubroutineContext() *SubroutineContext
}

// RunContext is the Context for one step of one run. ForStep derives the
// context for another step sharing the same subroutine context.
type RunContext struct {
	runID     string
	routineID string
	user      UserData
	stepID    string
	vars      map[string]interface{}
	sub       *SubroutineContext
}

// NewRunContext creates the context for a run. vars holds run-level values
// such as the run inputs.
func NewRunContext(runID, routineID string, user UserData, vars map[string]interface{}) *RunContext {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return &RunContext{
		runID:     runID,
		routineID: routineID,
		user:      user,
		vars:      vars,
		sub:       NewSubroutineContext(),
	}
}

// ForStep returns a context for stepID
func (c *RunContext) ForStep(stepID string) *RunContext {
	cp := *c
	cp.stepID = stepID
	return &cp
}

func (c *RunContext) RunID() string { return c.runID }
func (c *RunContext) RoutineID() string { return c.routineID }
func (c *RunContext) User() UserData { return c.user }
func (c *RunContext) CurrentStepID() string { return c.stepID }
func (c *RunContext) GetSubroutineContext() *SubroutineContext { return c.sub }

func (c *RunContext) Value(path string) (interface{}, bool) {
	return lookupPath(c.vars, path)
}
