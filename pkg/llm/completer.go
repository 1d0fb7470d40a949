package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"math/big"
	"strings"
)

// CompletionRequest is a single prompt sent through the router
type CompletionRequest struct {
	Prompt      string
	System      string
	Model       string
	BotID       string
	Temperature float64
	MaxTokens   int
	AccountID   string
	// MaxCredits caps what this completion may cost; nil means no cap beyond
	// the account's available credits
	MaxCredits *big.Int
}

// CompletionResponse is a collected completion. Usage fields are filled even
// when Complete returns an error.
type CompletionResponse struct {
	Text      string
	Model     string
	ServiceID string
	Tokens    int
	Credits   int64
}

// Completer produces one completion for a prompt
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// RouterCompleter collects a routed stream into one completion
type RouterCompleter struct {
	router Router
}

// NewRouterCompleter wraps router as a Completer
func NewRouterCompleter(router Router) *RouterCompleter {
	return &RouterCompleter{router: router}
}

func (c *RouterCompleter) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	stream, err := c.router.Stream(ctx, StreamOptions{
		BotID:       req.BotID,
		Model:       req.Model,
		System:      req.System,
		Messages:    []Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		AccountID:   req.AccountID,
		MaxCredits:  req.MaxCredits,
	})
	if err != nil {
		return CompletionResponse{}, err
	}
	defer stream.Close()

	var (
		resp CompletionResponse
		text strings.Builder
	)
	for {
		evt, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ur, ok := stream.(UsageReporter); ok {
				u := ur.Usage()
				resp.Tokens = u.InputTokens + u.OutputTokens
				resp.Credits = creditsInt64(u.Credits)
			}
			resp.Text = text.String()
			return resp, err
		}
		switch evt.Type {
		case EventMessage:
			text.WriteString(evt.Content)
			if evt.Model != "" {
				resp.Model = evt.Model
			}
		case EventEnd:
			resp.ServiceID = evt.ServiceID
			if evt.Model != "" {
				resp.Model = evt.Model
			}
			resp.Tokens = evt.InputTokens + evt.OutputTokens
			resp.Credits = creditsInt64(evt.Credits)
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func creditsInt64(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	if !v.IsInt64() {
		return math.MaxInt64
	}
	return v.Int64()
}
