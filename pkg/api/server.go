package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/routinerunner/pkg/api/middleware"
	"github.com/tcmartin/routinerunner/pkg/config"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/engine"
	"github.com/tcmartin/routinerunner/pkg/ioproc"
	"github.com/tcmartin/routinerunner/pkg/models"
	"github.com/tcmartin/routinerunner/pkg/navigator"
	"github.com/tcmartin/routinerunner/pkg/storage"
	"github.com/tcmartin/routinerunner/pkg/strategy"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 4 << 20

// Server represents the HTTP API server
type Server struct {
	config *config.Config
	router *mux.Router
	server *http.Server
	deps   Dependencies
	ws     *WebSocketManager
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		deps:   deps,
		logger: logger,
	}
	if deps.Bus != nil {
		s.ws = NewWebSocketManager(deps.Runs, deps.Bus, logger)
	}

	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", slog.String("addr", addr))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully and disconnects websocket clients
func (s *Server) Stop(ctx context.Context) error {
	if s.ws != nil {
		s.ws.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	authMiddleware := middleware.NewAuthMiddleware(s.deps.Tokens, s.logger)

	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public routes (no authentication required)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	// Authenticated routes
	authenticated := api.NewRoute().Subrouter()
	authenticated.Use(authMiddleware.Authenticate)

	runs := authenticated.PathPrefix("/runs").Subrouter()
	runs.HandleFunc("", s.handleListRuns).Methods(http.MethodGet, http.MethodOptions)
	runs.HandleFunc("", s.handleCreateRun).Methods(http.MethodPost, http.MethodOptions)
	runs.HandleFunc("/{id}", s.handleGetRun).Methods(http.MethodGet, http.MethodOptions)
	runs.HandleFunc("/{id}", s.handleCancelRun).Methods(http.MethodDelete, http.MethodOptions)
	runs.HandleFunc("/{id}/logs", s.handleGetRunLogs).Methods(http.MethodGet, http.MethodOptions)

	authenticated.HandleFunc("/routines/dot", s.handleRoutineDOT).Methods(http.MethodPost, http.MethodOptions)
	authenticated.HandleFunc("/accounts/{id}/credits", s.handleGetCredits).Methods(http.MethodGet, http.MethodOptions)
	authenticated.HandleFunc("/accounts/{id}/credits/history", s.handleGetCreditHistory).Methods(http.MethodGet, http.MethodOptions)
	authenticated.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet, http.MethodOptions)
	authenticated.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet, http.MethodOptions)
	authenticated.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.CORS)
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// CreateRunRequest is the body of POST /api/v1/runs. Routine may carry the
// routine as YAML or JSON text instead of Config.
type CreateRunRequest struct {
	Config      *navigator.RoutineConfig `json:"config,omitempty"`
	Routine     string                   `json:"routine,omitempty"`
	Inputs      map[string]interface{}   `json:"inputs,omitempty"`
	User        *ioproc.UserData         `json:"user,omitempty"`
	Constraints map[string]interface{}   `json:"constraints,omitempty"`
	Wait        bool                     `json:"wait,omitempty"`
}

// handleCreateRun starts a run for the authenticated account
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r)
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	var body CreateRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := body.Config
	if body.Routine != "" {
		loaded, err := navigator.LoadRoutine([]byte(body.Routine))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg = loaded
	}

	user := ioproc.UserData{ID: middleware.GetUserID(r)}
	if body.User != nil {
		user = *body.User
		user.ID = middleware.GetUserID(r)
	}

	req := engine.RunRequest{
		AccountID:   accountID,
		User:        user,
		Config:      cfg,
		Inputs:      body.Inputs,
		Constraints: strategy.ConstraintsFromConfig(map[string]interface{}{"constraints": body.Constraints}),
	}

	if body.Wait {
		res, err := s.deps.Runs.Run(r.Context(), req)
		if err != nil && res.RoutineID == "" {
			http.Error(w, err.Error(), runErrorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	runID, err := s.deps.Runs.Start(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), runErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     runID,
		"status": "running",
	})
}

// handleListRuns lists the authenticated account's runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r)
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), accountID)
	if err != nil {
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a run's status
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleGetRunLogs returns a run's logs
func (s *Server) handleGetRunLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	logs, err := s.deps.Runs.GetLogs(r.Context(), run.ID)
	if err != nil {
		http.Error(w, "Failed to retrieve logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleCancelRun cancels an active run
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	if err := s.deps.Runs.Cancel(run.ID); err != nil {
		if errors.Is(err, engine.ErrRunNotActive) {
			http.Error(w, "Run is not active", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRoutineDOT renders a routine graph as DOT
func (s *Server) handleRoutineDOT(w http.ResponseWriter, r *http.Request) {
	var cfg navigator.RoutineConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	dot, err := navigator.ExportDOT(&cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.Write([]byte(dot))
}

// handleGetCredits returns an account's free/purchased/total balances
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.ownAccount(w, r)
	if !ok {
		return
	}

	balances, err := s.deps.Credits.Balances(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, credits.ErrAccountNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve balances", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": accountID,
		"free":       balances.Free.String(),
		"purchased":  balances.Purchased.String(),
		"total":      balances.Total.String(),
	})
}

// handleGetCreditHistory returns an account's ledger entries
func (s *Server) handleGetCreditHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.ownAccount(w, r)
	if !ok {
		return
	}

	entries, err := s.deps.Credits.History(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, credits.ErrAccountNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleProviders reports LLM provider states
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Providers == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Providers.Statuses())
}

// handleBreakers reports circuit breaker counters
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		writeJSON(w, http.StatusOK, map[string]struct{}{})
		return
	}
	stats := s.deps.Breakers.Stats()
	out := make(map[string]map[string]interface{}, len(stats))
	for name, st := range stats {
		out[name] = map[string]interface{}{
			"state":         st.State.String(),
			"failure_count": st.FailureCount,
			"total_calls":   st.TotalCalls,
			"blocked_calls": st.BlockedCalls,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWebSocket upgrades to a websocket carrying live run events
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		http.Error(w, "Live updates are not enabled", http.StatusNotImplemented)
		return
	}
	accountID, ok := middleware.GetAccountID(r)
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	s.ws.HandleWebSocket(w, r, accountID)
}

// ownedRun loads the run named in the path. Runs of other accounts are
// reported as missing.
func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request) (models.RunStatus, bool) {
	accountID, ok := middleware.GetAccountID(r)
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return models.RunStatus{}, false
	}

	run, err := s.deps.Runs.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return models.RunStatus{}, false
		}
		http.Error(w, "Failed to retrieve run", http.StatusInternalServerError)
		return models.RunStatus{}, false
	}
	if run.AccountID != accountID {
		http.Error(w, "Run not found", http.StatusNotFound)
		return models.RunStatus{}, false
	}
	return run, true
}

// ownAccount checks the path account against the token's account
func (s *Server) ownAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	authAccountID, ok := middleware.GetAccountID(r)
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return "", false
	}
	accountID := mux.Vars(r)["id"]
	if accountID != authAccountID {
		http.Error(w, "Access denied", http.StatusForbidden)
		return "", false
	}
	if s.deps.Credits == nil {
		http.Error(w, "Credits are not enabled", http.StatusNotImplemented)
		return "", false
	}
	return accountID, true
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, engine.ErrNoConfig),
		errors.Is(err, engine.ErrNoAccount),
		errors.Is(err, navigator.ErrNotNavigable),
		errors.Is(err, navigator.ErrInvalidGraph),
		errors.Is(err, navigator.ErrNoStartNode):
		return http.StatusBadRequest
	case errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
