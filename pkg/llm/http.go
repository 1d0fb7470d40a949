package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
)

const maxSSEEventSize = 1 << 20

// httpProvider holds what the provider adapters share
type httpProvider struct {
	id             string
	baseURL        string
	client         *http.Client
	models         []string
	pricing        map[string]Pricing
	defaultPricing Pricing
	now            func() time.Time
}

func (p *httpProvider) ID() string       { return p.id }
func (p *httpProvider) Models() []string { return p.models }

func (p *httpProvider) Pricing(model string) Pricing {
	if pr, ok := p.pricing[model]; ok {
		return pr
	}
	return p.defaultPricing
}

func (p *httpProvider) ClassifyError(err error) ErrorKind {
	return ClassifyError(err)
}

// post sends body as JSON. Non-2xx responses are turned into a
// ProviderError using extractMessage on the response body.
func (p *httpProvider) post(ctx context.Context, path string, headers map[string]string, body interface{}, extractMessage func([]byte) string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.baseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{Provider: p.id, Kind: KindTimeout, Message: err.Error()}
		}
		return nil, fmt.Errorf("%s request failed: %w", p.id, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := extractMessage(raw)
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, ErrorFromHTTPStatus(p.id, resp.StatusCode, msg, ParseRetryAfter(resp.Header.Get("Retry-After"), p.now()))
	}
	return resp, nil
}

func decodeBody(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// sseDecoder turns one server-sent event into a stream event. emit is false
// for events that carry nothing for the caller.
type sseDecoder func(event, data string) (evt StreamEvent, emit bool, err error)

// sseStream reads provider events from a response body
type sseStream struct {
	body      io.ReadCloser
	reader    *sse.EventStreamReader
	decode    sseDecoder
	closeOnce sync.Once
	done      bool
}

func newSSEStream(body io.ReadCloser, decode sseDecoder) *sseStream {
	return &sseStream{
		body:   body,
		reader: sse.NewEventStreamReader(body, maxSSEEventSize),
		decode: decode,
	}
}

func (s *sseStream) Next(ctx context.Context) (StreamEvent, error) {
	for {
		if s.done {
			return StreamEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return StreamEvent{}, err
		}
		raw, err := s.reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
			}
			return StreamEvent{}, err
		}
		event, data := parseSSE(raw)
		if data == "" && event == "" {
			continue
		}
		evt, emit, err := s.decode(event, data)
		if err != nil {
			return StreamEvent{}, err
		}
		if !emit {
			continue
		}
		if evt.Type == EventEnd {
			s.done = true
		}
		return evt, nil
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

// parseSSE extracts the event name and the joined data lines of one event
func parseSSE(raw []byte) (event, data string) {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			lines = append(lines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return event, strings.Join(lines, "\n")
}
