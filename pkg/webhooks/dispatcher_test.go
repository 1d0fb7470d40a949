package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/routinerunner/pkg/events"
)

func noSleep(context.Context, time.Duration) error { return nil }

func runEvent(eventType, runID, accountID string) events.Event {
	return events.New(eventType, "engine", runID, map[string]interface{}{
		"accountId": accountID,
		"status":    "completed",
	})
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Payload
		sigOK    bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		assert.NoError(t, json.Unmarshal(body, &p))
		mu.Lock()
		received = append(received, p)
		sigOK = Verify("s3cret", body, r.Header.Get(SignatureHeader))
		mu.Unlock()
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		assert.Equal(t, events.RunCompleted, r.Header.Get("X-Routinerunner-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{{
		URL:     srv.URL,
		Secret:  "s3cret",
		Headers: map[string]string{"X-Custom": "yes"},
	}}, WithSleep(noSleep))

	require.NoError(t, d.Handle(context.Background(), runEvent(events.RunCompleted, "run-1", "acct-1")))
	require.NoError(t, d.Handle(context.Background(), runEvent(events.StepCompleted, "run-1", "acct-1")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "run-1", received[0].RunID)
	assert.Equal(t, "acct-1", received[0].AccountID)
	assert.True(t, sigOK)
}

func TestDispatcher_FiltersByAccountAndType(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{{
		URL:       srv.URL,
		AccountID: "acct-1",
		Events:    []string{events.RunFailed},
	}}, WithSleep(noSleep))

	ctx := context.Background()
	require.NoError(t, d.Handle(ctx, runEvent(events.RunFailed, "r1", "acct-2")))
	require.NoError(t, d.Handle(ctx, runEvent(events.RunCompleted, "r2", "acct-1")))
	require.NoError(t, d.Handle(ctx, runEvent(events.RunFailed, "r3", "acct-1")))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var delays []time.Duration
	d := NewDispatcher([]Config{{
		URL:   srv.URL,
		Retry: RetryConfig{MaxRetries: 3, InitialDelayMillis: 100, BackoffFactor: 2},
	}}, WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	require.NoError(t, d.Handle(context.Background(), runEvent(events.RunCompleted, "r", "a")))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestDispatcher_ClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{{URL: srv.URL, Retry: RetryConfig{MaxRetries: 5}}}, WithSleep(noSleep))

	err := d.Handle(context.Background(), runEvent(events.RunCompleted, "r", "a"))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadRequest, de.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatcher_AttachToBus(t *testing.T) {
	got := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		json.NewDecoder(r.Body).Decode(&p)
		got <- p
	}))
	defer srv.Close()

	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	d := NewDispatcher([]Config{{URL: srv.URL}}, WithSleep(noSleep))
	sub := d.Attach(bus)
	require.NotNil(t, sub)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), runEvent(events.RunCanceled, "run-7", "acct")))

	select {
	case p := <-got:
		assert.Equal(t, events.RunCanceled, p.Type)
		assert.Equal(t, "run-7", p.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	r := RetryConfig{InitialDelayMillis: 100, MaxDelayMillis: 250, BackoffFactor: 3}
	assert.Equal(t, 100*time.Millisecond, r.delay(1))
	assert.Equal(t, 250*time.Millisecond, r.delay(2))
	assert.Equal(t, 500*time.Millisecond, RetryConfig{}.delay(1))
}
