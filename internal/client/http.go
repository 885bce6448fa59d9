package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/notify"
	"github.com/teleconsult/consult/internal/platform/websocket"
)

// ErrUnavailable marks network failures reaching the server.
var ErrUnavailable = errors.New("consultation server unavailable")

// APIError is a non-2xx response. It unwraps to the matching engine error
// so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Message    string
	Redirect   string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return consultation.ErrNotFound
	case http.StatusForbidden:
		return consultation.ErrForbidden
	case http.StatusPreconditionFailed:
		return consultation.ErrPreConsultationIncomplete
	case http.StatusConflict:
		if strings.Contains(e.Message, consultation.ErrNotLive.Error()) {
			return consultation.ErrNotLive
		}
		if strings.Contains(e.Message, consultation.ErrTerminalState.Error()) {
			return consultation.ErrTerminalState
		}
		return consultation.ErrInvalidTransition
	case http.StatusServiceUnavailable:
		return consultation.ErrProviderUnavailable
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	return nil
}

func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Credentials identify the participant. A bearer token is preferred; the
// user id and role are sent as development headers when no token is set.
type Credentials struct {
	Token  string
	UserID string
	Role   string
	Name   string
}

// HTTPClient talks to the consultation server over its REST and WebSocket
// endpoints.
type HTTPClient struct {
	baseURL string
	creds   Credentials
	httpc   *http.Client
	dialer  *gorillawebsocket.Dialer
	log     zerolog.Logger
	// streamIdle is how long the event stream may stay silent, pings
	// included, before it is treated as dead.
	streamIdle time.Duration
}

// defaultStreamIdle matches the server's pong wait; the server pings well
// inside it.
const defaultStreamIdle = 60 * time.Second

// NewHTTPClient creates a client for the server at baseURL, for example
// "http://localhost:8000".
func NewHTTPClient(baseURL string, creds Credentials, httpc *http.Client, log zerolog.Logger) *HTTPClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpc:   httpc,
		dialer:  &gorillawebsocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log,

		streamIdle: defaultStreamIdle,
	}
}

func (c *HTTPClient) identify(h http.Header) {
	if c.creds.Token != "" {
		h.Set("Authorization", "Bearer "+c.creds.Token)
		return
	}
	h.Set(auth.DevUserIDHeader, c.creds.UserID)
	h.Set(auth.DevUserRoleHeader, c.creds.Role)
	if c.creds.Name != "" {
		h.Set("X-User-Name", c.creds.Name)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.identify(req.Header)

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, data []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Message  string `json:"message"`
		Redirect string `json:"redirect"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Message
		apiErr.Redirect = body.Redirect
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

func (c *HTTPClient) GetAppointment(ctx context.Context, id string) (*consultation.View, error) {
	var view consultation.View
	if err := c.do(ctx, http.MethodGet, "/appointments/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	if view.Appointment == nil {
		return nil, fmt.Errorf("empty appointment response")
	}
	return &view, nil
}

func (c *HTTPClient) Transition(ctx context.Context, id string, to consultation.Status) (*consultation.TransitionResult, error) {
	var res consultation.TransitionResult
	err := c.do(ctx, http.MethodPost, "/appointments/"+url.PathEscape(id)+"/transition",
		consultation.TransitionRequest{Status: to}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) Join(ctx context.Context, id string) (*consultation.JoinCredentials, error) {
	var creds consultation.JoinCredentials
	if err := c.do(ctx, http.MethodPost, "/appointments/"+url.PathEscape(id)+"/join", nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *HTTPClient) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Subscribe opens a WebSocket and waits until every topic is acknowledged.
func (c *HTTPClient) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	wsURL, err := c.wsURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	c.identify(header)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			resp.Body.Close()
			return nil, decodeError(resp, data)
		}
		return nil, fmt.Errorf("dial %s: %w: %v", wsURL, ErrUnavailable, err)
	}

	if err := conn.WriteJSON(websocket.ClientMessage{Action: websocket.ActionSubscribe, Topics: topics}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w: %v", ErrUnavailable, err)
	}

	pending := make(map[string]bool, len(topics))
	for _, t := range topics {
		pending[t] = true
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	for len(pending) > 0 {
		var msg websocket.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("await subscription ack: %w: %v", ErrUnavailable, err)
		}
		switch msg.Type {
		case websocket.TypeSubscribed:
			delete(pending, msg.Topic)
		case websocket.TypeError:
			conn.Close()
			if msg.Message == "forbidden" {
				return nil, fmt.Errorf("subscribe %s: %w", msg.Topic, consultation.ErrForbidden)
			}
			return nil, fmt.Errorf("subscribe %s: %s", msg.Topic, msg.Message)
		}
	}
	conn.SetReadDeadline(time.Time{})

	sub := &wsSubscription{
		conn:   conn,
		idle:   c.streamIdle,
		events: make(chan notify.Event, 64),
		done:   make(chan struct{}),
	}
	go sub.readLoop(c.log)
	return sub, nil
}

type wsSubscription struct {
	conn   *gorillawebsocket.Conn
	idle   time.Duration
	events chan notify.Event
	done   chan struct{}
	once   sync.Once
}

func (s *wsSubscription) Events() <-chan notify.Event { return s.events }

func (s *wsSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readLoop closes Events when the stream ends. A half-open connection is
// detected by the read deadline, which every frame and server ping extends.
func (s *wsSubscription) readLoop(log zerolog.Logger) {
	defer close(s.events)
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.idle))
		err := s.conn.WriteControl(gorillawebsocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, gorillawebsocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.idle))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Debug().Err(err).Msg("event stream ended")
			}
			return
		}
		var ev notify.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			continue
		}
		switch ev.Type {
		case websocket.TypeSubscribed, websocket.TypeUnsubscribed, websocket.TypeError:
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
