package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tcmartin/routinerunner/pkg/events"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// RunUpdate is a run event forwarded to websocket subscribers
type RunUpdate struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// WebSocketMessage represents incoming websocket messages
type WebSocketMessage struct {
	Type  string `json:"type"` // "subscribe", "unsubscribe", "ping"
	RunID string `json:"run_id,omitempty"`
}

// wsClient is one websocket connection. Writes are serialized by mu.
type wsClient struct {
	conn      *websocket.Conn
	accountID string
	mu        sync.Mutex
	runs      map[string]bool
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsClient) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketManager forwards bus events to clients subscribed to their run
type WebSocketManager struct {
	upgrader websocket.Upgrader
	runs     RunService
	logger   *slog.Logger
	sub      events.Subscription

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	byRun   map[string]map[*wsClient]struct{}
}

// NewWebSocketManager creates a manager subscribed to every event on bus
func NewWebSocketManager(runs RunService, bus events.Bus, logger *slog.Logger) *WebSocketManager {
	if logger == nil {
		logger = slog.Default()
	}
	wsm := &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		runs:    runs,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
		byRun:   make(map[string]map[*wsClient]struct{}),
	}
	wsm.sub = bus.Subscribe(wsm.handleEvent)
	return wsm
}

// HandleWebSocket upgrades the connection and serves it until it closes
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		conn:      conn,
		accountID: accountID,
		runs:      make(map[string]bool),
		done:      make(chan struct{}),
	}
	wsm.mu.Lock()
	wsm.clients[client] = struct{}{}
	wsm.mu.Unlock()

	defer func() {
		client.stop()
		wsm.remove(client)
		conn.Close()
		wsm.logger.Debug("websocket connection closed", slog.String("account_id", accountID))
	}()

	wsm.logger.Debug("websocket connection established", slog.String("account_id", accountID))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go wsm.pingRoutine(client)

	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsm.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		wsm.handleMessage(r.Context(), client, msg)
	}
}

// handleMessage processes incoming websocket messages
func (wsm *WebSocketManager) handleMessage(ctx context.Context, client *wsClient, msg WebSocketMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.RunID == "" {
			wsm.sendError(client, "", "run_id is required")
			return
		}
		run, err := wsm.runs.GetStatus(ctx, msg.RunID)
		if err != nil || run.AccountID != client.accountID {
			wsm.sendError(client, msg.RunID, "run not found")
			return
		}
		wsm.subscribe(client, msg.RunID)
		client.send(RunUpdate{
			Type:      "subscribed",
			RunID:     msg.RunID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"status": run.Status},
		})

	case "unsubscribe":
		wsm.unsubscribe(client, msg.RunID)
		client.send(RunUpdate{Type: "unsubscribed", RunID: msg.RunID, Timestamp: time.Now()})

	case "ping":
		client.send(RunUpdate{Type: "pong", Timestamp: time.Now()})

	default:
		wsm.sendError(client, msg.RunID, "unknown message type: "+msg.Type)
	}
}

func (wsm *WebSocketManager) sendError(client *wsClient, runID, message string) {
	client.send(RunUpdate{Type: "error", RunID: runID, Timestamp: time.Now(), Message: message})
}

func (wsm *WebSocketManager) subscribe(client *wsClient, runID string) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	if wsm.byRun[runID] == nil {
		wsm.byRun[runID] = make(map[*wsClient]struct{})
	}
	wsm.byRun[runID][client] = struct{}{}
	client.runs[runID] = true
}

func (wsm *WebSocketManager) unsubscribe(client *wsClient, runID string) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	wsm.detach(client, runID)
}

// detach must be called with mu held
func (wsm *WebSocketManager) detach(client *wsClient, runID string) {
	delete(client.runs, runID)
	if set, ok := wsm.byRun[runID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(wsm.byRun, runID)
		}
	}
}

func (wsm *WebSocketManager) remove(client *wsClient) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	for runID := range client.runs {
		wsm.detach(client, runID)
	}
	delete(wsm.clients, client)
}

// handleEvent forwards a bus event to the clients subscribed to its run
func (wsm *WebSocketManager) handleEvent(ctx context.Context, evt events.Event) error {
	if evt.CorrelationID == "" {
		return nil
	}

	wsm.mu.RLock()
	targets := make([]*wsClient, 0, len(wsm.byRun[evt.CorrelationID]))
	for client := range wsm.byRun[evt.CorrelationID] {
		targets = append(targets, client)
	}
	wsm.mu.RUnlock()

	update := RunUpdate{
		Type:      evt.Type,
		RunID:     evt.CorrelationID,
		Timestamp: evt.Timestamp,
		Data:      evt.Data,
	}
	for _, client := range targets {
		if err := client.send(update); err != nil {
			wsm.logger.Debug("websocket send failed",
				slog.String("run_id", evt.CorrelationID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// pingRoutine keeps the connection alive until the client stops
func (wsm *WebSocketManager) pingRoutine(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (wsm *WebSocketManager) ClientCount() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.clients)
}

// Close unsubscribes from the bus and closes every connection
func (wsm *WebSocketManager) Close() {
	if wsm.sub != nil {
		wsm.sub.Unsubscribe()
	}
	wsm.mu.RLock()
	clients := make([]*wsClient, 0, len(wsm.clients))
	for c := range wsm.clients {
		clients = append(clients, c)
	}
	wsm.mu.RUnlock()
	for _, c := range clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		c.conn.Close()
	}
}
