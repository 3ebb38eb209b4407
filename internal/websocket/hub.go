package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hackhub-backend/internal/assistant"
	"hackhub-backend/internal/middleware"
	"hackhub-backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	sendBufferSize = 64
	openTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type tokenVerifier interface {
	ParseToken(tokenStr string) (middleware.Principal, error)
}

type profileResolver interface {
	Resolve(id string) (models.ModelProfile, bool)
}

type HubConfig struct {
	Auth          tokenVerifier
	Store         assistant.MessageStore
	Summarizer    *assistant.Summarizer
	Invoker       *assistant.Invoker
	Cache         assistant.SummaryCache
	Catalog       profileResolver
	SystemPrompt  string
	ContextWindow int
	Logger        *zap.Logger
}

// Hub serves assistant chat views over websockets. Every connection owns one
// assistant.Controller for the session in the URL.
type Hub struct {
	cfg HubConfig
	log *zap.Logger

	mu          sync.Mutex
	connections map[uuid.UUID][]*client
	closing     bool
	wg          sync.WaitGroup
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		cfg:         cfg,
		log:         log,
		connections: make(map[uuid.UUID][]*client),
	}
}

// HandleWebSocket upgrades GET /sessions/{id}/assistant/ws?token=&model=.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate via token query param
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	principal, err := h.cfg.Auth.ParseToken(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}
	profile, ok := h.cfg.Catalog.Resolve(r.URL.Query().Get("model"))
	if !ok {
		http.Error(w, "Unknown model", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, h.log.With(
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", principal.UserID.String()),
		zap.String("model", profile.ID),
	))
	c.ctrl = assistant.NewController(assistant.ControllerConfig{
		SessionID:         sessionID,
		User:              assistant.Identity{UserID: principal.UserID, Name: principal.Name},
		Profile:           profile,
		SystemPrompts:     systemPrompts(h.cfg.SystemPrompt, profile),
		ContextWindowSize: h.cfg.ContextWindow,
		Store:             h.cfg.Store,
		Summarizer:        h.cfg.Summarizer,
		Invoker:           h.cfg.Invoker,
		Cache:             h.cfg.Cache,
		Listener:          c.onEvent,
		Logger:            h.log,
	})

	if !h.registerConnection(sessionID, c) {
		conn.Close()
		return
	}

	go c.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	err = c.ctrl.Open(ctx)
	cancel()
	if err != nil {
		c.log.Error("failed to open assistant session", zap.Error(err))
		c.enqueue(models.WSTypeError, models.ErrorEvent{ErrorCode: "SESSION_UNAVAILABLE", ErrorMessage: "Could not load the conversation"})
		go func() {
			defer h.unregisterConnection(sessionID, c)
			c.shutdown()
		}()
		return
	}

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(sessionID, c)
		c.readPump()
		c.shutdown()
	}()
}

func systemPrompts(base string, profile models.ModelProfile) []string {
	var prompts []string
	if base != "" {
		prompts = append(prompts, base)
	}
	if profile.SystemPrompt != "" {
		prompts = append(prompts, profile.SystemPrompt)
	}
	return prompts
}

func (h *Hub) registerConnection(sessionID uuid.UUID, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return false
	}
	h.connections[sessionID] = append(h.connections[sessionID], c)
	h.wg.Add(1)

	c.log.Info("assistant view connected", zap.Int("views", len(h.connections[sessionID])))
	return true
}

func (h *Hub) unregisterConnection(sessionID uuid.UUID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.connections[sessionID]
	for i, other := range conns {
		if other == c {
			h.connections[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[sessionID]) == 0 {
		delete(h.connections, sessionID)
	}
	h.wg.Done()

	c.log.Info("assistant view disconnected")
}

// ActiveViews reports how many chat views are open for a session.
func (h *Hub) ActiveViews(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections[sessionID])
}

// Shutdown closes every connection and waits for their sessions to tear down.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	var all []*client
	for _, conns := range h.connections {
		all = append(all, conns...)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.closeConn(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type client struct {
	conn *websocket.Conn
	ctrl *assistant.Controller
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sends  sync.WaitGroup

	mu     sync.Mutex
	send   chan []byte
	closed bool

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, log *zap.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		conn:   conn,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBufferSize),
	}
}

// onEvent runs under the controller lock, so it only encodes and queues.
func (c *client) onEvent(ev assistant.Event) {
	switch ev.Type {
	case models.WSTypeHistory:
		c.enqueue(ev.Type, models.HistoryEvent{Messages: ev.History})
	case models.WSTypeMessage:
		payload := models.MessageEvent{Message: ev.Message}
		if ev.Message.Role == models.RoleAssistant {
			if html, err := assistant.RenderHTML(ev.Message.Text); err == nil {
				payload.HTML = html
			}
		}
		c.enqueue(ev.Type, payload)
	case models.WSTypeReconciled:
		c.enqueue(ev.Type, models.ReconciledEvent{LocalID: ev.LocalID, Message: ev.Message})
	case models.WSTypeState:
		c.enqueue(ev.Type, models.StateEvent{State: string(ev.State)})
	}
}

func (c *client) enqueue(msgType string, payload interface{}) {
	data, err := json.Marshal(models.WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		c.log.Error("failed to encode websocket frame", zap.String("type", msgType), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("dropping websocket frame for slow client", zap.String("type", msgType))
	}
}

func (c *client) readPump() {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame models.WSClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case "send":
			c.sends.Add(1)
			go func(text string) {
				defer c.sends.Done()
				c.handleSend(text)
			}(frame.Text)
		default:
			c.enqueue(models.WSTypeError, models.ErrorEvent{ErrorCode: "UNKNOWN_FRAME", ErrorMessage: "Unsupported frame type"})
		}
	}
}

func (c *client) handleSend(text string) {
	err := c.ctrl.Send(c.ctx, text)
	switch {
	case err == nil, errors.Is(err, assistant.ErrSessionClosed):
	case errors.Is(err, assistant.ErrEmptyMessage):
		c.enqueue(models.WSTypeError, models.ErrorEvent{ErrorCode: "EMPTY_MESSAGE", ErrorMessage: "Message is empty"})
	case errors.Is(err, assistant.ErrTurnInProgress):
		c.enqueue(models.WSTypeError, models.ErrorEvent{ErrorCode: "TURN_IN_PROGRESS", ErrorMessage: "Wait for the current reply to finish"})
	default:
		var cerr *assistant.CompletionError
		if errors.As(err, &cerr) {
			// The controller already rendered a reply bubble for this.
			return
		}
		c.enqueue(models.WSTypeError, models.ErrorEvent{ErrorCode: "PERSIST_FAILED", ErrorMessage: "Your message was answered but could not be saved"})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// shutdown tears the session down once the reader has stopped: in-flight
// turns are cancelled, the controller is closed and the writer drains.
func (c *client) shutdown() {
	c.cancel()
	c.ctrl.Close()
	c.sends.Wait()

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *client) closeConn(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.conn.Close()
	})
}
