package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProviderConfig configures an HTTP provider adapter
type ProviderConfig struct {
	ID             string
	BaseURL        string
	APIKey         string
	Models         []string
	Pricing        map[string]Pricing
	DefaultPricing Pricing
	Timeout        time.Duration
	HTTPClient     *http.Client
}

func newHTTPProvider(cfg ProviderConfig, defaultID, defaultURL string) httpProvider {
	if cfg.ID == "" {
		cfg.ID = defaultID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return httpProvider{
		id:             cfg.ID,
		baseURL:        cfg.BaseURL,
		client:         client,
		models:         cfg.Models,
		pricing:        cfg.Pricing,
		defaultPricing: cfg.DefaultPricing,
		now:            time.Now,
	}
}

// OpenAIService talks to an OpenAI-compatible chat completions endpoint
type OpenAIService struct {
	httpProvider
	apiKey string
}

// NewOpenAIService creates an OpenAI-compatible adapter
func NewOpenAIService(cfg ProviderConfig) *OpenAIService {
	return &OpenAIService{
		httpProvider: newHTTPProvider(cfg, "openai", "https://api.openai.com/v1"),
		apiKey:       cfg.APIKey,
	}
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Temperature   float64         `json:"temperature"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Tools         []openAITool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *openAIStreamOp `json:"stream_options,omitempty"`
}

type openAIStreamOp struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAITool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (s *OpenAIService) buildRequest(req ServiceRequest, stream bool) openAIRequest {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)
	body := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{Type: "function", Function: t})
	}
	if stream {
		body.StreamOptions = &openAIStreamOp{IncludeUsage: true}
	}
	return body
}

func (s *OpenAIService) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.apiKey}
}

func openAIErrorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	return body.Error.Message
}

func (s *OpenAIService) Complete(ctx context.Context, req ServiceRequest) (ServiceResponse, error) {
	resp, err := s.post(ctx, "/chat/completions", s.headers(), s.buildRequest(req, false), openAIErrorMessage)
	if err != nil {
		return ServiceResponse{}, err
	}
	var out openAIResponse
	if err := decodeBody(resp, &out); err != nil {
		return ServiceResponse{}, err
	}
	if len(out.Choices) == 0 {
		return ServiceResponse{}, &ProviderError{Provider: s.id, Kind: KindAPIError, Message: "response has no choices"}
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return ServiceResponse{}, &ProviderError{Provider: s.id, Kind: KindContentFilter, Message: "completion stopped by content filter"}
	}
	return ServiceResponse{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

func (s *OpenAIService) Stream(ctx context.Context, req ServiceRequest) (EventStream, error) {
	resp, err := s.post(ctx, "/chat/completions", s.headers(), s.buildRequest(req, true), openAIErrorMessage)
	if err != nil {
		return nil, err
	}

	var usage openAIUsage
	var model string
	return newSSEStream(resp.Body, func(_, data string) (StreamEvent, bool, error) {
		if data == "[DONE]" {
			return StreamEvent{
				Type:         EventEnd,
				Model:        model,
				InputTokens:  usage.PromptTokens,
				OutputTokens: usage.CompletionTokens,
			}, true, nil
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return StreamEvent{}, false, fmt.Errorf("failed to parse stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return StreamEvent{}, false, &ProviderError{
				Provider: s.id,
				Kind:     classifyByMessage(chunk.Error.Type+" "+chunk.Error.Message, KindAPIError),
				Message:  chunk.Error.Message,
			}
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			return StreamEvent{}, false, nil
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr == "content_filter" {
			return StreamEvent{}, false, &ProviderError{Provider: s.id, Kind: KindContentFilter, Message: "completion stopped by content filter"}
		}
		if chunk.Choices[0].Delta.Content == "" {
			return StreamEvent{}, false, nil
		}
		return StreamEvent{Type: EventMessage, Content: chunk.Choices[0].Delta.Content, Model: model}, true, nil
	}), nil
}
