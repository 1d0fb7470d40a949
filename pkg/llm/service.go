// Package llm routes completions across interchangeable providers. The
// router retries across services picked by a health-tracking registry and
// keeps every call inside the caller's credit budget.
package llm

import (
	"context"
	"io"
	"math/big"
	"sync"
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes a function the model may call
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ServiceRequest is what a provider adapter receives
type ServiceRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []ToolSchema
}

// ServiceResponse is a blocking completion from one provider
type ServiceResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Stream event types
const (
	EventMessage = "message"
	EventEnd     = "end"
)

// StreamEvent is one item of a completion stream. The end event carries
// usage.
type StreamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`

	// Set on end events
	ServiceID    string   `json:"serviceId,omitempty"`
	InputTokens  int      `json:"inputTokens,omitempty"`
	OutputTokens int      `json:"outputTokens,omitempty"`
	Credits      *big.Int `json:"credits,omitempty"`
}

// EventStream is a pull-based sequence of events. Next returns io.EOF after
// the end event. Close stops the stream early and releases the underlying
// connection; it is safe to call more than once.
type EventStream interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// Pricing is the credit cost per thousand tokens
type Pricing struct {
	InputPer1K  int64 `json:"input_per_1k"`
	OutputPer1K int64 `json:"output_per_1k"`
}

// Cost returns the credits for the given token counts, rounded up
func (p Pricing) Cost(inputTokens, outputTokens int) *big.Int {
	total := new(big.Int).Mul(big.NewInt(int64(inputTokens)), big.NewInt(p.InputPer1K))
	total.Add(total, new(big.Int).Mul(big.NewInt(int64(outputTokens)), big.NewInt(p.OutputPer1K)))
	return ceilDiv(total, big.NewInt(1000))
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(a, b, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Service is one LLM provider endpoint
type Service interface {
	ID() string
	// Models lists supported model ids; empty means any
	Models() []string
	Pricing(model string) Pricing
	Complete(ctx context.Context, req ServiceRequest) (ServiceResponse, error)
	Stream(ctx context.Context, req ServiceRequest) (EventStream, error)
	ClassifyError(err error) ErrorKind
}

// sliceStream replays a fixed list of events
type sliceStream struct {
	mu     sync.Mutex
	events []StreamEvent
	closed bool
}

func newSliceStream(events ...StreamEvent) *sliceStream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Next(ctx context.Context) (StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return StreamEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StreamEvent{}, ErrStreamClosed
	}
	if len(s.events) == 0 {
		return StreamEvent{}, io.EOF
	}
	evt := s.events[0]
	s.events = s.events[1:]
	return evt, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
