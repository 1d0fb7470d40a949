// Package webhooks delivers run lifecycle events to HTTP callbacks.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tcmartin/routinerunner/pkg/breaker"
	"github.com/tcmartin/routinerunner/pkg/events"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body, prefixed "sha256="
const SignatureHeader = "X-Routinerunner-Signature"

// DefaultEvents are delivered when a webhook names no event types
var DefaultEvents = []string{events.RunCompleted, events.RunFailed, events.RunCanceled}

// Config contains configuration for a webhook
type Config struct {
	// URL to send the webhook to
	URL string `json:"url"`

	// Events limits delivery to these event types; empty means DefaultEvents
	Events []string `json:"events,omitempty"`

	// AccountID limits delivery to one account's runs; empty means all
	AccountID string `json:"account_id,omitempty"`

	// Headers to include in the request
	Headers map[string]string `json:"headers,omitempty"`

	// Secret for signing the webhook payload
	Secret string `json:"secret,omitempty"`

	// Retry for failed webhook deliveries
	Retry RetryConfig `json:"retry,omitempty"`
}

// RetryConfig contains retry settings for webhook delivery
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `json:"max_retries"`

	// InitialDelayMillis is the delay before the first retry
	InitialDelayMillis int `json:"initial_delay_ms"`

	// MaxDelayMillis caps the delay between retries
	MaxDelayMillis int `json:"max_delay_ms"`

	// BackoffFactor is the multiplier for the delay between retries
	BackoffFactor float64 `json:"backoff_factor"`
}

// delay returns the wait before retry number attempt (1-based)
func (r RetryConfig) delay(attempt int) time.Duration {
	d := time.Duration(r.InitialDelayMillis) * time.Millisecond
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	factor := r.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
	}
	if limit := time.Duration(r.MaxDelayMillis) * time.Millisecond; limit > 0 && d > limit {
		d = limit
	}
	return d
}

// Payload is the JSON body of a webhook request
type Payload struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	AccountID string                 `json:"account_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// DeliveryError is returned when the endpoint answers with a non-2xx status
type DeliveryError struct {
	URL        string
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook %s responded %d", e.URL, e.StatusCode)
}

// retryable reports whether another attempt may succeed
func retryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.StatusCode >= 500 || de.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, breaker.ErrCircuitOpen) && !errors.Is(err, context.Canceled)
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBreakers guards each endpoint with a breaker from registry
func WithBreakers(registry *breaker.Registry) Option {
	return func(d *Dispatcher) { d.breakers = registry }
}

// WithSleep replaces the retry wait, mostly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// Dispatcher posts matching bus events to configured webhooks
type Dispatcher struct {
	hooks    []Config
	client   *http.Client
	breakers *breaker.Registry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher for hooks
func NewDispatcher(hooks []Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:    hooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		breakers: breaker.NewRegistry(breaker.ResourceOperation),
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach subscribes the dispatcher to every event type any hook wants
func (d *Dispatcher) Attach(bus events.Bus) events.Subscription {
	seen := map[string]bool{}
	var types []string
	for _, h := range d.hooks {
		for _, t := range hookEvents(h) {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	if len(types) == 0 {
		return nil
	}
	return bus.Subscribe(d.Handle, types...)
}

// Handle delivers evt to each matching hook. Delivery failures are logged and
// joined into the returned error.
func (d *Dispatcher) Handle(ctx context.Context, evt events.Event) error {
	accountID, _ := evt.Data["accountId"].(string)
	payload := Payload{
		ID:        evt.ID,
		Type:      evt.Type,
		Timestamp: evt.Timestamp,
		RunID:     evt.CorrelationID,
		AccountID: accountID,
		Data:      evt.Data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	var errs []error
	for _, h := range d.hooks {
		if !matches(h, evt.Type, accountID) {
			continue
		}
		if err := d.deliver(ctx, h, evt.Type, body); err != nil {
			d.logger.Warn("webhook delivery failed",
				slog.String("url", h.URL),
				slog.String("event_type", evt.Type),
				slog.String("run_id", evt.CorrelationID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, h Config, eventType string, body []byte) error {
	cb := d.breakers.Get("webhook:" + h.URL)
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if serr := d.sleep(ctx, h.Retry.delay(attempt)); serr != nil {
				return serr
			}
		}
		err = cb.Execute(ctx, func(ctx context.Context) error {
			return d.post(ctx, h, eventType, body)
		})
		if err == nil || attempt >= h.Retry.MaxRetries || !retryable(err) {
			return err
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, h Config, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Routinerunner-Event", eventType)
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	if h.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(h.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{URL: h.URL, StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a SignatureHeader value against body
func Verify(secret string, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(header))
}

func hookEvents(h Config) []string {
	if len(h.Events) == 0 {
		return DefaultEvents
	}
	return h.Events
}

func matches(h Config, eventType, accountID string) bool {
	if h.AccountID != "" && h.AccountID != accountID {
		return false
	}
	for _, t := range hookEvents(h) {
		if t == eventType {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
