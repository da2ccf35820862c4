// -----------------------------------------------------------------------
// Live jobs WebSocket - authenticated per-project event stream with
// heartbeat termination and bounded, loss-prioritized send buffers
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

// Application close codes sent on rejected upgrades.
const (
	wsCloseBadPath      = 4000
	wsCloseUnauthorized = 4001
	wsCloseInternal     = 4500
)

const (
	defaultPingInterval = 30 * time.Second
	defaultSendBuffer   = 256
	wsWriteTimeout      = 10 * time.Second
	wsReadLimit         = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser clients connect from dashboard origins we do not control
	},
}

// wsFrame is the wire envelope for server-to-client messages.
type wsFrame struct {
	Type    models.EventKind `json:"type"`
	Payload interface{}      `json:"payload,omitempty"`
}

// clientFrame is the client-to-server message shape (PING / SUBSCRIBE).
type clientFrame struct {
	Type string `json:"type"`
}

// connectedPayload acknowledges a successful attach.
type connectedPayload struct {
	ProjectID        string    `json:"projectId"`
	ServerInstanceID string    `json:"serverInstanceId"` // Changes on restart so clients can reset state
	ServerTime       time.Time `json:"serverTime"`
}

// pongPayload answers an application-level PING.
type pongPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

// WSHandler upgrades /ws/jobs/{projectId} connections, verifies the caller's
// token against the project's organization, and relays bus events in publish
// order until the client disconnects or misses a heartbeat.
type WSHandler struct {
	store        interfaces.StorageManager
	events       interfaces.EventService
	verifier     interfaces.TokenVerifier
	logger       arbor.ILogger
	pingInterval time.Duration
	sendBuffer   int
	minLogLevel  int
	instanceID   string

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewWSHandler creates the live jobs WebSocket handler.
func NewWSHandler(store interfaces.StorageManager, events interfaces.EventService, verifier interfaces.TokenVerifier, cfg *common.Config, logger arbor.ILogger) *WSHandler {
	if logger == nil {
		logger = common.GetLogger()
	}

	pingInterval := defaultPingInterval
	sendBuffer := defaultSendBuffer
	minLevel := levelRank("info")
	if cfg != nil {
		pingInterval = common.ParseDurationOr(cfg.WebSocket.PingInterval, defaultPingInterval)
		if cfg.WebSocket.SendBuffer > 0 {
			sendBuffer = cfg.WebSocket.SendBuffer
		}
		if cfg.WebSocket.MinLevel != "" {
			minLevel = levelRank(cfg.WebSocket.MinLevel)
		}
	}

	return &WSHandler{
		store:        store,
		events:       events,
		verifier:     verifier,
		logger:       logger,
		pingInterval: pingInterval,
		sendBuffer:   sendBuffer,
		minLogLevel:  minLevel,
		instanceID:   uuid.New().String(),
		clients:      make(map[*wsClient]struct{}),
	}
}

// HandleJobSocket handles GET /ws/jobs/{projectId}?token=...
func (h *WSHandler) HandleJobSocket(w http.ResponseWriter, r *http.Request) {
	projectID := extractIDFromPath(r.URL.Path, "/ws/jobs/")
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	// Rejections happen after the upgrade so the client receives the
	// application close code rather than a plain HTTP error.
	if projectID == "" || strings.Contains(projectID, "/") {
		h.reject(conn, wsCloseBadPath, "expected /ws/jobs/{projectId}")
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.reject(conn, wsCloseUnauthorized, "invalid token")
		return
	}

	project, err := h.store.ProjectStorage().GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			h.reject(conn, wsCloseBadPath, "unknown project")
		} else {
			h.logger.Error().Err(err).Str("project_id", projectID).Msg("Project lookup failed during WebSocket attach")
			h.reject(conn, wsCloseInternal, "internal error")
		}
		return
	}

	if project.OrganizationID != claims.OrganizationID {
		h.reject(conn, wsCloseUnauthorized, "project belongs to another organization")
		return
	}

	client := &wsClient{
		conn:   conn,
		limit:  h.sendBuffer,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	client.lastPong.Store(time.Now().UnixNano())
	conn.SetReadLimit(wsReadLimit)
	conn.SetPongHandler(func(string) error {
		client.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	if !h.register(client) {
		h.reject(conn, wsCloseInternal, "server shutting down")
		return
	}

	topic := models.TopicOf(project.OrganizationID, project.ID)
	subToken := h.events.Subscribe(topic, func(_ context.Context, event models.BusEvent) {
		h.relay(client, event)
	})

	defer func() {
		h.events.Unsubscribe(topic, subToken)
		h.unregister(client)
		client.close()
		conn.Close()
		h.logger.Debug().
			Str("project_id", project.ID).
			Str("user_id", claims.UserID).
			Msg("WebSocket client disconnected")
	}()

	client.enqueue(wsFrame{
		Type: models.EventConnected,
		Payload: connectedPayload{
			ProjectID:        project.ID,
			ServerInstanceID: h.instanceID,
			ServerTime:       time.Now().UTC(),
		},
	})

	go h.writeLoop(client)

	h.logger.Debug().
		Str("project_id", project.ID).
		Str("user_id", claims.UserID).
		Msg("WebSocket client connected")

	// Read loop. The connection stays open until the client goes away or
	// the writer tears it down on heartbeat timeout.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch strings.ToUpper(frame.Type) {
		case "PING":
			client.enqueue(wsFrame{
				Type:    models.EventPong,
				Payload: pongPayload{ServerTime: time.Now().UTC()},
			})
		case "SUBSCRIBE":
			// The path already bound the connection to its project; a
			// SUBSCRIBE is acknowledged with a fresh CONNECTED frame.
			client.enqueue(wsFrame{
				Type: models.EventConnected,
				Payload: connectedPayload{
					ProjectID:        project.ID,
					ServerInstanceID: h.instanceID,
					ServerTime:       time.Now().UTC(),
				},
			})
		}
	}
}

// CloseAll terminates every open connection. Called on server shutdown.
func (h *WSHandler) CloseAll() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
		client.conn.Close()
	}

	if len(clients) > 0 {
		h.logger.Info().Int("count", len(clients)).Msg("WebSocket connections closed")
	}
}

// ClientCount reports the number of attached connections.
func (h *WSHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// relay forwards one bus event onto the client's send queue, applying the
// log level floor.
func (h *WSHandler) relay(client *wsClient, event models.BusEvent) {
	switch event.Kind {
	case models.EventLog:
		if logEvent, ok := event.Payload.(models.LogEvent); ok && levelRank(logEvent.Level) < h.minLogLevel {
			return
		}
	case models.EventJobUpdate, models.EventStatsUpdate:
	default:
		return
	}

	client.enqueue(wsFrame{Type: event.Kind, Payload: event.Payload})
}

// writeLoop drains the client's queue and drives the heartbeat. A client
// that has not answered the previous ping is terminated. lastPing stays zero
// until the first ping goes out so a fresh client is never checked against a
// ping it was never sent.
func (h *WSHandler) writeLoop(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	var lastPing time.Time
	for {
		select {
		case <-client.done:
			return

		case <-client.notify:
			for _, frame := range client.drain() {
				client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := client.conn.WriteJSON(frame); err != nil {
					client.conn.Close()
					return
				}
			}

		case <-ticker.C:
			if client.pongAt().Before(lastPing) {
				h.logger.Debug().Msg("WebSocket client missed heartbeat, terminating")
				client.conn.Close()
				return
			}
			deadline := time.Now().Add(wsWriteTimeout)
			if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				client.conn.Close()
				return
			}
			lastPing = time.Now()
		}
	}
}

// reject closes a freshly upgraded connection with an application code.
func (h *WSHandler) reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func (h *WSHandler) register(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *WSHandler) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// wsClient owns one connection's outbound queue. All writes to the socket
// happen on its writeLoop goroutine.
type wsClient struct {
	conn     *websocket.Conn
	limit    int
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once
	lastPong atomic.Int64

	mu    sync.Mutex
	queue []wsFrame
}

// enqueue appends a frame, shedding per the back-pressure policy when the
// queue is full: oldest LOG first, then oldest non-terminal update. Terminal
// job updates are never dropped; the queue grows to hold them if it must.
func (c *wsClient) enqueue(frame wsFrame) {
	c.mu.Lock()
	if len(c.queue) >= c.limit {
		if !c.shed() && !isTerminalUpdate(frame) {
			c.mu.Unlock()
			return
		}
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// shed removes the oldest expendable frame. Returns false when every queued
// frame is a terminal job update.
func (c *wsClient) shed() bool {
	for i, frame := range c.queue {
		if frame.Type == models.EventLog {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	for i, frame := range c.queue {
		if !isTerminalUpdate(frame) {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (c *wsClient) drain() []wsFrame {
	c.mu.Lock()
	frames := c.queue
	c.queue = nil
	c.mu.Unlock()
	return frames
}

func (c *wsClient) pongAt() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func isTerminalUpdate(frame wsFrame) bool {
	if frame.Type != models.EventJobUpdate {
		return false
	}
	update, ok := frame.Payload.(models.JobUpdateEvent)
	return ok && update.IsTerminal()
}

// levelRank orders log levels for the broadcast floor. The success level
// used by worker completion logs ranks alongside info.
func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "warn", "warning":
		return 2
	case "error":
		return 3
	default: // info, success
		return 1
	}
}
