package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicService talks to the Anthropic messages API
type AnthropicService struct {
	httpProvider
	apiKey string
}

// NewAnthropicService creates an Anthropic adapter
func NewAnthropicService(cfg ProviderConfig) *AnthropicService {
	return &AnthropicService{
		httpProvider: newHTTPProvider(cfg, "anthropic", "https://api.anthropic.com/v1"),
		apiKey:       cfg.APIKey,
	}
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *AnthropicService) buildRequest(req ServiceRequest, stream bool) anthropicRequest {
	body := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = anthropicDefaultMaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		body.Tools = append(body.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return body
}

func (s *AnthropicService) headers() map[string]string {
	return map[string]string{
		"x-api-key":         s.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func anthropicErrorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if body.Error.Type == "overloaded_error" && !strings.Contains(strings.ToLower(body.Error.Message), "overloaded") {
		return "overloaded: " + body.Error.Message
	}
	return body.Error.Message
}

func anthropicErrorKind(errType string) ErrorKind {
	switch errType {
	case "overloaded_error":
		return KindOverloaded
	case "rate_limit_error":
		return KindRateLimit
	case "authentication_error", "permission_error":
		return KindAuthentication
	case "invalid_request_error":
		return KindInvalidRequest
	case "timeout_error":
		return KindTimeout
	default:
		return KindAPIError
	}
}

func (s *AnthropicService) Complete(ctx context.Context, req ServiceRequest) (ServiceResponse, error) {
	resp, err := s.post(ctx, "/messages", s.headers(), s.buildRequest(req, false), anthropicErrorMessage)
	if err != nil {
		return ServiceResponse{}, err
	}
	var out anthropicResponse
	if err := decodeBody(resp, &out); err != nil {
		return ServiceResponse{}, err
	}
	if out.StopReason == "refusal" {
		return ServiceResponse{}, &ProviderError{Provider: s.id, Kind: KindContentFilter, Message: "model refused the request"}
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return ServiceResponse{
		Text:         text.String(),
		Model:        out.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

func (s *AnthropicService) Stream(ctx context.Context, req ServiceRequest) (EventStream, error) {
	resp, err := s.post(ctx, "/messages", s.headers(), s.buildRequest(req, true), anthropicErrorMessage)
	if err != nil {
		return nil, err
	}

	var usage anthropicUsage
	var model string
	return newSSEStream(resp.Body, func(event, data string) (StreamEvent, bool, error) {
		var evt anthropicEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return StreamEvent{}, false, fmt.Errorf("failed to parse stream event: %w", err)
		}
		if evt.Type == "" {
			evt.Type = event
		}
		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				model = evt.Message.Model
				usage.InputTokens = evt.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if evt.Delta != nil && evt.Delta.Text != "" {
				return StreamEvent{Type: EventMessage, Content: evt.Delta.Text, Model: model}, true, nil
			}
		case "message_delta":
			if evt.Usage != nil {
				usage.OutputTokens = evt.Usage.OutputTokens
			}
			if evt.Delta != nil && evt.Delta.StopReason == "refusal" {
				return StreamEvent{}, false, &ProviderError{Provider: s.id, Kind: KindContentFilter, Message: "model refused the request"}
			}
		case "message_stop":
			return StreamEvent{
				Type:         EventEnd,
				Model:        model,
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
			}, true, nil
		case "error":
			if evt.Error != nil {
				return StreamEvent{}, false, &ProviderError{Provider: s.id, Kind: anthropicErrorKind(evt.Error.Type), Message: evt.Error.Message}
			}
			return StreamEvent{}, false, &ProviderError{Provider: s.id, Kind: KindAPIError, Message: "stream error"}
		}
		return StreamEvent{}, false, nil
	}), nil
}
