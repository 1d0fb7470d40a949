package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIService_Complete(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	svc := NewOpenAIService(ProviderConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	resp, err := svc.Complete(context.Background(), ServiceRequest{
		Model:     "gpt-test",
		System:    "be brief",
		Messages:  userMessage("hello"),
		MaxTokens: 20,
		Tools:     []ToolSchema{{Name: "lookup", Parameters: map[string]interface{}{"type": "object"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)

	msgs := got["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
	assert.Equal(t, float64(20), got["max_tokens"])
	tools := got["tools"].([]interface{})
	assert.Equal(t, "function", tools[0].(map[string]interface{})["type"])
	assert.Equal(t, "openai", svc.ID())
}

func TestOpenAIService_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"gpt-test\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-test\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	svc := NewOpenAIService(ProviderConfig{BaseURL: srv.URL})
	stream, err := svc.Stream(context.Background(), ServiceRequest{Model: "gpt-test", Messages: userMessage("hi")})
	require.NoError(t, err)
	defer stream.Close()

	evts, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "Hel", evts[0].Content)
	assert.Equal(t, "lo", evts[1].Content)
	assert.Equal(t, EventEnd, evts[2].Type)
	assert.Equal(t, 7, evts[2].InputTokens)
	assert.Equal(t, 2, evts[2].OutputTokens)
	assert.Equal(t, "gpt-test", evts[2].Model)
}

func TestOpenAIService_HTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"requests"}}`)
	}))
	defer srv.Close()

	svc := NewOpenAIService(ProviderConfig{ID: "compat", BaseURL: srv.URL})
	_, err := svc.Complete(context.Background(), ServiceRequest{Model: "m", Messages: userMessage("hi")})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindRateLimit, pe.Kind)
	assert.Equal(t, "compat", pe.Provider)
	assert.Equal(t, "slow down", pe.Message)
	require.NotNil(t, pe.RetryAfter)
	assert.Equal(t, 7*time.Second, *pe.RetryAfter)
	assert.Equal(t, KindRateLimit, svc.ClassifyError(err))
}

func TestAnthropicService_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rules\n\nmore rules", body["system"])
		assert.Equal(t, float64(anthropicDefaultMaxTokens), body["max_tokens"])
		fmt.Fprint(w, `{"model":"claude-test","content":[{"type":"text","text":"ok"},{"type":"text","text":"!"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`)
	}))
	defer srv.Close()

	svc := NewAnthropicService(ProviderConfig{BaseURL: srv.URL, APIKey: "key"})
	resp, err := svc.Complete(context.Background(), ServiceRequest{
		Model:  "claude-test",
		System: "rules",
		Messages: []Message{
			{Role: "system", Content: "more rules"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok!", resp.Text)
	assert.Equal(t, 5, resp.InputTokens)
	assert.Equal(t, 2, resp.OutputTokens)
}

func TestAnthropicService_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-test\",\"usage\":{\"input_tokens\":11,\"output_tokens\":1}}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":3}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	svc := NewAnthropicService(ProviderConfig{BaseURL: srv.URL})
	stream, err := svc.Stream(context.Background(), ServiceRequest{Model: "claude-test", Messages: userMessage("hi")})
	require.NoError(t, err)
	defer stream.Close()

	evts, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "Hi", evts[0].Content)
	assert.Equal(t, "claude-test", evts[0].Model)
	assert.Equal(t, EventEnd, evts[1].Type)
	assert.Equal(t, 11, evts[1].InputTokens)
	assert.Equal(t, 3, evts[1].OutputTokens)
}

func TestAnthropicService_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	svc := NewAnthropicService(ProviderConfig{BaseURL: srv.URL})
	stream, err := svc.Stream(context.Background(), ServiceRequest{Model: "m", Messages: userMessage("hi")})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindOverloaded, pe.Kind)
}

func TestAnthropicService_OverloadedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"try later"}}`)
	}))
	defer srv.Close()

	svc := NewAnthropicService(ProviderConfig{BaseURL: srv.URL})
	_, err := svc.Complete(context.Background(), ServiceRequest{Model: "m", Messages: userMessage("hi")})
	assert.Equal(t, KindOverloaded, ClassifyError(err))
}

func TestRouter_StreamsThroughProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"routed\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":1000,\"completion_tokens\":1000}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	svc := NewOpenAIService(ProviderConfig{BaseURL: srv.URL, DefaultPricing: Pricing{InputPer1K: 1, OutputPer1K: 2}})
	r := NewFallbackRouter(NewServiceRegistry([]Service{svc}), RouterConfig{DefaultModel: "gpt-test"})

	resp, err := NewRouterCompleter(r).Complete(context.Background(), CompletionRequest{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "routed", resp.Text)
	assert.Equal(t, "openai", resp.ServiceID)
	assert.Equal(t, 2000, resp.Tokens)
	assert.Equal(t, int64(3), resp.Credits)
}
