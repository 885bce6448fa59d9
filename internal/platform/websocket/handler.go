// Package websocket streams appointment status and chat events to browser
// and mobile clients. Clients subscribe to per-appointment topics and
// receive every event published on them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/notify"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// ServerMessage acknowledges or rejects a subscription request.
type ServerMessage struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
}

// Subscriber is satisfied by *notify.Notifier and *notify.Hub.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) *notify.Subscription
}

// AuthorizeFunc reports whether the user may watch the appointment.
type AuthorizeFunc func(ctx context.Context, userID, role, appointmentID string) error

// client is a single WebSocket connection and its topic subscriptions.
type client struct {
	id       string
	userID   string
	role     string
	conn     *gorillawebsocket.Conn
	send     chan []byte
	done     chan struct{}
	dropOnce sync.Once

	mu   sync.Mutex
	subs map[string]*notify.Subscription
}

func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// drop closes a connection that has fallen behind. The read pump then fails
// and the handler tears the client down; the peer re-fetches on reconnect.
func (c *client) drop() {
	c.dropOnce.Do(func() {
		c.conn.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseTryAgainLater, "client too slow"),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

func (c *client) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, sub := range c.subs {
		sub.Close()
		delete(c.subs, topic)
	}
}

type Handler struct {
	events    Subscriber
	authorize AuthorizeFunc
	upgrader  gorillawebsocket.Upgrader
	log       zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHandler creates a handler. An empty allowedOrigins list or "*" accepts
// any origin.
func NewHandler(events Subscriber, authorize AuthorizeFunc, allowedOrigins []string, log zerolog.Logger) *Handler {
	return &Handler{
		events:    events,
		authorize: authorize,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log:     log.With().Str("component", "websocket").Logger(),
		clients: make(map[*client]struct{}),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// ClientCount returns the number of open connections.
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnect upgrades the request and serves the connection until it
// closes. The caller's identity comes from the auth middleware.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	cl := &client{
		id:     uuid.NewString(),
		userID: userID,
		role:   auth.ConsultRole(ctx),
		conn:   ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*notify.Subscription),
	}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		cancel()
		close(cl.done)
		cl.closeAll()
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
		ws.Close()
		h.log.Debug().Str("client_id", cl.id).Str("user_id", cl.userID).Msg("websocket client disconnected")
	}()

	h.log.Debug().Str("client_id", cl.id).Str("user_id", cl.userID).Msg("websocket client connected")

	go h.writePump(cl, ws)
	h.readPump(connCtx, cl, ws)
	return nil
}

// readPump reads messages from the WebSocket connection and processes them.
func (h *Handler) readPump(ctx context.Context, cl *client, ws *gorillawebsocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.reply(cl, ServerMessage{Type: TypeError, Message: "malformed message"})
			continue
		}
		h.process(ctx, cl, msg)
	}
}

func (h *Handler) process(ctx context.Context, cl *client, msg ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		for _, topic := range msg.Topics {
			if err := h.subscribe(ctx, cl, topic); err != nil {
				h.reply(cl, ServerMessage{Type: TypeError, Topic: topic, Message: err.Error()})
				continue
			}
			h.reply(cl, ServerMessage{Type: TypeSubscribed, Topic: topic})
		}
	case ActionUnsubscribe:
		for _, topic := range msg.Topics {
			cl.mu.Lock()
			if sub, ok := cl.subs[topic]; ok {
				sub.Close()
				delete(cl.subs, topic)
			}
			cl.mu.Unlock()
			h.reply(cl, ServerMessage{Type: TypeUnsubscribed, Topic: topic})
		}
	default:
		h.reply(cl, ServerMessage{Type: TypeError, Message: "unknown action " + msg.Action})
	}
}

type subscribeError string

func (e subscribeError) Error() string { return string(e) }

func (h *Handler) subscribe(ctx context.Context, cl *client, topic string) error {
	appointmentID, _, err := notify.ParseTopic(topic)
	if err != nil {
		return subscribeError("invalid topic")
	}

	cl.mu.Lock()
	_, exists := cl.subs[topic]
	cl.mu.Unlock()
	if exists {
		return nil
	}

	if err := h.authorize(ctx, cl.userID, cl.role, appointmentID); err != nil {
		h.log.Debug().Err(err).Str("user_id", cl.userID).Str("topic", topic).Msg("subscription denied")
		return subscribeError("forbidden")
	}

	sub := h.events.Subscribe(ctx, topic)
	cl.mu.Lock()
	if _, exists := cl.subs[topic]; exists {
		cl.mu.Unlock()
		sub.Close()
		return nil
	}
	cl.subs[topic] = sub
	cl.mu.Unlock()

	go h.forward(cl, sub)
	return nil
}

// forward copies events from one subscription to the client until the
// subscription closes. A client that cannot keep up is disconnected rather
// than skipped.
func (h *Handler) forward(cl *client, sub *notify.Subscription) {
	for ev := range sub.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Error().Err(err).Str("topic", ev.Topic).Msg("failed to marshal event")
			continue
		}
		if !cl.enqueue(data) {
			select {
			case <-cl.done:
				return
			default:
			}
			h.log.Warn().Str("client_id", cl.id).Str("topic", ev.Topic).Msg("websocket client too slow, disconnecting")
			cl.drop()
			return
		}
	}
	if sub.Overflowed() {
		h.log.Warn().Str("client_id", cl.id).Strs("topics", sub.Topics()).Msg("subscription overflowed, disconnecting")
		cl.drop()
	}
}

func (h *Handler) reply(cl *client, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	cl.enqueue(data)
}

// writePump writes queued messages to the connection and keeps it alive
// with pings.
func (h *Handler) writePump(cl *client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-cl.done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(gorillawebsocket.CloseMessage,
				gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""))
			return
		case message := <-cl.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
