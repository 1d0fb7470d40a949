package navigator

import (
	"sort"
)

// Well-known call types. Any other call-data key is passed through as the
// step type.
const (
	CallTypeReasoning     = "reasoning"
	CallTypeDeterministic = "deterministic"
)

// RoutineConfig is one version of a routine as supplied by the caller
type RoutineConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`

	// CallData holds one config block per call type for single-step routines
	CallData map[string]map[string]interface{} `json:"callData,omitempty" yaml:"callData,omitempty"`

	Graph *GraphConfig `json:"graph,omitempty" yaml:"graph,omitempty"`
}

// HasGraph reports whether the config describes a step graph
func (c *RoutineConfig) HasGraph() bool {
	return c != nil && c.Graph != nil
}

// CallTypes returns the call types with a non-nil block, reasoning and
// deterministic first, the rest sorted
func (c *RoutineConfig) CallTypes() []string {
	if c == nil {
		return nil
	}
	var types []string
	for _, preferred := range []string{CallTypeReasoning, CallTypeDeterministic} {
		if block, ok := c.CallData[preferred]; ok && block != nil {
			types = append(types, preferred)
		}
	}
	var rest []string
	for k, block := range c.CallData {
		if block == nil || k == CallTypeReasoning || k == CallTypeDeterministic {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(types, rest...)
}

// GraphConfig is a step graph. DOT may be given instead of Nodes/Edges.
type GraphConfig struct {
	Nodes      []NodeConfig `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Edges      []EdgeConfig `json:"edges,omitempty" yaml:"edges,omitempty"`
	StartNodes []string     `json:"startNodes,omitempty" yaml:"startNodes,omitempty"`
	DOT        string       `json:"dot,omitempty" yaml:"dot,omitempty"`
}

// NodeConfig is one step in a graph
type NodeConfig struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Type        string                 `json:"type" yaml:"type"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Triggers    []TriggerConfig        `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Timeouts    []TimeoutConfig        `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
}

// EdgeConfig is a transition. An empty condition is always taken.
type EdgeConfig struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type TriggerConfig struct {
	ID        string `json:"id" yaml:"id"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty"`
	EventType string `json:"eventType" yaml:"eventType"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// TimeoutConfig carries the duration as a Go duration string ("30s")
type TimeoutConfig struct {
	ID        string        `json:"id" yaml:"id"`
	Duration  string        `json:"duration" yaml:"duration"`
	OnTimeout TimeoutAction `json:"onTimeout,omitempty" yaml:"onTimeout,omitempty"`
}
