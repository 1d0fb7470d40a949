package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/routinerunner/pkg/auth"
	"github.com/tcmartin/routinerunner/pkg/breaker"
	"github.com/tcmartin/routinerunner/pkg/config"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/engine"
	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/models"
	"github.com/tcmartin/routinerunner/pkg/storage"
)

// MockRunService is a mock implementation of RunService
type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) Start(ctx context.Context, req engine.RunRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockRunService) Run(ctx context.Context, req engine.RunRequest) (engine.RunResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.RunResult), args.Error(1)
}

func (m *MockRunService) Cancel(runID string) error {
	args := m.Called(runID)
	return args.Error(0)
}

func (m *MockRunService) GetStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(models.RunStatus), args.Error(1)
}

func (m *MockRunService) GetLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).([]models.RunLog), args.Error(1)
}

func (m *MockRunService) ListRuns(ctx context.Context, accountID string) ([]models.RunStatus, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).([]models.RunStatus), args.Error(1)
}

// MockCreditService is a mock implementation of CreditService
type MockCreditService struct {
	mock.Mock
}

func (m *MockCreditService) Balances(ctx context.Context, accountID string) (credits.Balances, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(credits.Balances), args.Error(1)
}

func (m *MockCreditService) History(ctx context.Context, accountID string) ([]credits.Entry, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).([]credits.Entry), args.Error(1)
}

type testServer struct {
	server  *Server
	runs    *MockRunService
	credits *MockCreditService
	bus     *events.LocalBus
	tokens  *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		runs:    new(MockRunService),
		credits: new(MockCreditService),
		bus:     events.NewBus(events.BusConfig{}),
		tokens:  auth.NewJWTService("test-secret", 1),
	}
	t.Cleanup(func() { ts.bus.Close() })

	breakers := breaker.NewRegistry(nil)
	breakers.Get("provider:openai")

	ts.server = NewServer(config.DefaultConfig(), Dependencies{
		Runs:     ts.runs,
		Credits:  ts.credits,
		Breakers: breakers,
		Tokens:   ts.tokens,
		Bus:      ts.bus,
	}, nil)
	return ts
}

func (ts *testServer) token(t *testing.T, accountID string) string {
	t.Helper()
	tok, err := ts.tokens.GenerateToken(accountID, "user-"+accountID)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, accountID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if accountID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, accountID))
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRunsRequireAuthentication(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/runs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRun(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.On("Start", mock.Anything, mock.MatchedBy(func(req engine.RunRequest) bool {
		return req.AccountID == "acct-1" &&
			req.User.ID == "user-acct-1" &&
			req.Config != nil && req.Config.Name == "summarize" &&
			req.Inputs["topic"] == "go" &&
			req.Constraints.MaxCredits != nil && req.Constraints.MaxCredits.Int64() == 5
	})).Return("run-1", nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", "acct-1", map[string]interface{}{
		"config": map[string]interface{}{
			"name":     "summarize",
			"callData": map[string]interface{}{"deterministic": map[string]interface{}{}},
		},
		"inputs":      map[string]interface{}{"topic": "go"},
		"constraints": map[string]interface{}{"maxCredits": 5},
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp["id"])
	ts.runs.AssertExpectations(t)
}

func TestCreateRunWait(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.On("Run", mock.Anything, mock.Anything).Return(engine.RunResult{
		RunID:     "run-2",
		RoutineID: "r-1",
		Status:    models.RunStatusCompleted,
		Outputs:   map[string]interface{}{"a": map[string]interface{}{"ok": true}},
		Credits:   big.NewInt(3),
	}, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", "acct-1", map[string]interface{}{
		"config": map[string]interface{}{"name": "x"},
		"wait":   true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run-2"`)
}

func TestCreateRunErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"insufficient credits", fmt.Errorf("start: %w", credits.ErrInsufficientCredits), http.StatusPaymentRequired},
		{"no config", engine.ErrNoConfig, http.StatusBadRequest},
		{"storage failure", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.runs.On("Start", mock.Anything, mock.Anything).Return("", tt.err)

			rec := ts.do(t, http.MethodPost, "/api/v1/runs", "acct-1", map[string]interface{}{
				"config": map[string]interface{}{"name": "x"},
			})
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCreateRunBadBody(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "acct-1"))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs", "acct-1", map[string]interface{}{
		"routine": "name: [unterminated",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ts.runs.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.On("GetStatus", mock.Anything, "run-1").Return(models.RunStatus{
		ID: "run-1", AccountID: "acct-1", Status: models.RunStatusRunning,
	}, nil)
	ts.runs.On("GetStatus", mock.Anything, "missing").Return(models.RunStatus{}, storage.ErrRunNotFound)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/run-1", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run models.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.ID)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/run-1", "acct-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/missing", "acct-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunLogs(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.On("GetStatus", mock.Anything, "run-1").Return(models.RunStatus{ID: "run-1", AccountID: "acct-1"}, nil)
	ts.runs.On("GetLogs", mock.Anything, "run-1").Return([]models.RunLog{
		{StepID: "a", Level: "info", Message: "step completed"},
	}, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/run-1/logs", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []models.RunLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].StepID)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.On("ListRuns", mock.Anything, "acct-1").Return([]models.RunStatus{{ID: "run-1"}, {ID: "run-2"}}, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.On("GetStatus", mock.Anything, mock.Anything).Return(models.RunStatus{ID: "run-1", AccountID: "acct-1"}, nil)
	ts.runs.On("Cancel", "run-1").Return(nil).Once()
	ts.runs.On("Cancel", "run-1").Return(engine.ErrRunNotActive)

	rec := ts.do(t, http.MethodDelete, "/api/v1/runs/run-1", "acct-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/runs/run-1", "acct-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetCredits(t *testing.T) {
	ts := newTestServer(t)
	ts.credits.On("Balances", mock.Anything, "acct-1").Return(credits.Balances{
		Free:      big.NewInt(40),
		Purchased: big.NewInt(60),
		Total:     big.NewInt(100),
	}, nil)
	ts.credits.On("Balances", mock.Anything, "acct-3").Return(credits.Balances{}, credits.ErrAccountNotFound)

	rec := ts.do(t, http.MethodGet, "/api/v1/accounts/acct-1/credits", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "40", resp["free"])
	assert.Equal(t, "60", resp["purchased"])
	assert.Equal(t, "100", resp["total"])

	rec = ts.do(t, http.MethodGet, "/api/v1/accounts/acct-1/credits", "acct-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/accounts/acct-3/credits", "acct-3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCreditHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.credits.On("History", mock.Anything, "acct-1").Return([]credits.Entry{
		{ID: "e1", AccountID: "acct-1", Amount: big.NewInt(100), Source: credits.SourceScheduler},
	}, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/accounts/acct-1/credits/history", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"e1"`)
}

func TestBreakersAndProviders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/breakers", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Contains(t, stats, "provider:openai")
	assert.Equal(t, "closed", stats["provider:openai"]["state"])

	rec = ts.do(t, http.MethodGet, "/api/v1/providers", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRoutineDOT(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/routines/dot", "acct-1", map[string]interface{}{
		"name": "pair",
		"graph": map[string]interface{}{
			"nodes": []map[string]interface{}{
				{"id": "a", "type": "deterministic"},
				{"id": "b", "type": "deterministic"},
			},
			"edges": []map[string]interface{}{{"from": "a", "to": "b"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "digraph")
}

func TestWebSocketRunEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.On("GetStatus", mock.Anything, "run-1").Return(models.RunStatus{
		ID: "run-1", AccountID: "acct-1", Status: models.RunStatusRunning,
	}, nil)
	ts.runs.On("GetStatus", mock.Anything, "run-9").Return(models.RunStatus{ID: "run-9", AccountID: "acct-9"}, nil)

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?access_token=" + ts.token(t, "acct-1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", RunID: "run-9"}))
	var update RunUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "error", update.Type)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", RunID: "run-1"}))
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, "subscribed", update.Type)
	assert.Equal(t, "run-1", update.RunID)

	require.NoError(t, ts.bus.Publish(context.Background(),
		events.New("other.event", "test", "run-2", nil)))
	require.NoError(t, ts.bus.Publish(context.Background(),
		events.New(events.StepCompleted, "engine", "run-1", map[string]interface{}{"stepId": "a"})))

	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, events.StepCompleted, update.Type)
	assert.Equal(t, "run-1", update.RunID)
	assert.Equal(t, "a", update.Data["stepId"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "pong", update.Type)
}

func TestWebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
