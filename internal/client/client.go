// Package client implements the consumer half of the gateway protocol: one
// resilient WebSocket per Client that survives network drops by resuming the
// session it was on. Chat and abort requests issued while the link is down
// are buffered and flushed after the next successful dial.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-gateway/internal/engine"
	"github.com/workspace/agent-gateway/internal/retry"
)

const (
	defaultReconnectDelay = time.Second
	defaultMaxReconnects  = 5
	writeTimeout          = 10 * time.Second
)

// Frame type strings of the gateway wire protocol.
const (
	frameChat           = "chat"
	frameResume         = "resume"
	frameAbort          = "abort"
	framePing           = "ping"
	frameSessionInit    = "session_init"
	frameMessagesLoaded = "messages_loaded"
	frameMessage        = "message"
	frameError          = "error"
	frameDone           = "done"
	framePong           = "pong"
	frameAborted        = "aborted"
)

// outbound is a client-to-gateway frame.
type outbound struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// inboundFrame is the union of gateway-to-client frame shapes.
type inboundFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Retriable bool           `json:"retriable,omitempty"`
	Event     *engine.Event  `json:"event,omitempty"`
	Messages  []engine.Event `json:"messages,omitempty"`
}

// State describes the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	// StateFailed means reconnection attempts are exhausted; the client is
	// done and Err reports why.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TurnError is an error frame reported by the gateway for a turn.
type TurnError struct {
	Code      string
	Message   string
	Retriable bool
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	// URL is the gateway's agent WebSocket endpoint.
	URL string
	// Header carries handshake headers, typically credentials.
	Header http.Header
	// SessionID, when set, is resumed immediately after connecting.
	SessionID string
	// ReconnectDelay is the linear backoff step between reconnect attempts.
	ReconnectDelay time.Duration
	// MaxReconnects bounds attempts per outage before the client gives up.
	MaxReconnects int
	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer
}

// Client is a reconnecting gateway session. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	// writeMu serializes frame writes on the current connection.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	sessionID string
	userID    string
	inFlight  bool
	pending   []outbound
	conv      conversation
	lastErr   error
	turnErr   *TurnError

	updates   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Client. Call Connect to start it.
func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:       cfg,
		dialer:    dialer,
		sessionID: cfg.SessionID,
		updates:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Connect dials the gateway and starts the read loop. The first dial is
// synchronous so callers learn immediately when the gateway is unreachable;
// drops after that are healed in the background.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		c.transition(StateFailed, err)
		return err
	}
	c.flush()
	go c.run(ctx)
	return nil
}

// Chat sends a user message. The query-in-flight flag raises immediately;
// if the link is down the frame is buffered for the next connection.
func (c *Client) Chat(content string) {
	c.send(outbound{Type: frameChat, Content: content}, true)
}

// Abort asks the gateway to stop the current turn. Safe to call when
// nothing is running; the gateway acknowledges regardless.
func (c *Client) Abort() {
	c.send(outbound{Type: frameAbort}, false)
}

// Ping round-trips a protocol ping. Used to probe liveness above the
// transport's own keepalive.
func (c *Client) Ping() {
	c.send(outbound{Type: framePing}, false)
}

func (c *Client) send(frame outbound, raisesInFlight bool) {
	c.mu.Lock()
	if raisesInFlight {
		c.inFlight = true
		c.turnErr = nil
	}
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	if !connected {
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
		c.notify()
		return
	}
	c.mu.Unlock()
	c.notify()

	if err := c.write(conn, frame); err != nil {
		// The read loop will notice the broken socket and reconnect;
		// keep the frame for the flush that follows.
		c.mu.Lock()
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
	}
}

// Close ends the session deliberately. The gateway sees a normal closure,
// so no reconnect follows.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		c.notify()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}
	})
	return err
}

// State returns the connection lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session identifier assigned by the gateway, or the
// configured one before the first session_init arrives.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the identity the gateway authenticated, once known.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// QueryInFlight reports whether a chat awaits its terminal frame.
func (c *Client) QueryInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Err returns the error that moved the client to StateFailed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// TurnErr returns the most recent error frame, or nil. Cleared when the
// next chat is sent.
func (c *Client) TurnErr() *TurnError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnErr
}

// Conversation returns a snapshot of the reassembled conversation.
func (c *Client) Conversation() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.snapshot()
}

// Updates signals state, conversation, or flag changes. Coalescing: a slow
// reader sees at least one signal per burst.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

func (c *Client) dial(ctx context.Context) error {
	if c.isClosed() {
		return retry.Permanent(fmt.Errorf("client closed"))
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			// Rejected credentials do not heal on retry.
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return retry.Permanent(fmt.Errorf("gateway refused the handshake: %s", resp.Status))
			}
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return retry.Permanent(fmt.Errorf("client closed"))
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.notify()
	return nil
}

// flush resumes the known session and drains buffered frames, in that
// order, on a fresh connection.
func (c *Client) flush() {
	c.mu.Lock()
	frames := make([]outbound, 0, len(c.pending)+1)
	if c.sessionID != "" {
		frames = append(frames, outbound{Type: frameResume, SessionID: c.sessionID})
	}
	frames = append(frames, c.pending...)
	c.pending = nil
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for i, frame := range frames {
		if err := c.write(conn, frame); err != nil {
			// Requeue what did not make it, minus the resume frame, which
			// is regenerated on the next flush.
			c.mu.Lock()
			var requeue []outbound
			for _, f := range frames[i:] {
				if f.Type != frameResume {
					requeue = append(requeue, f)
				}
			}
			c.pending = append(requeue, c.pending...)
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		err := c.readLoop(conn)
		conn.Close()
		if c.isClosed() {
			return
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			// The gateway said goodbye on purpose.
			c.transition(StateClosed, nil)
			return
		}

		c.transition(StateReconnecting, err)
		rerr := retry.Do(ctx, retry.Config{
			Policy:       retry.PolicyLinear,
			InitialDelay: c.cfg.ReconnectDelay,
			MaxDelay:     c.cfg.ReconnectDelay * time.Duration(c.cfg.MaxReconnects),
			MaxAttempts:  c.cfg.MaxReconnects,
		}, "gateway reconnect", c.dial)
		if rerr != nil {
			c.transition(StateFailed, rerr)
			return
		}
		c.flush()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("Dropping undecodable gateway frame", "error", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f inboundFrame) {
	c.mu.Lock()
	switch f.Type {
	case frameSessionInit:
		c.sessionID = f.SessionID
		if f.UserID != "" {
			c.userID = f.UserID
		}
	case frameMessagesLoaded:
		c.conv.reset()
		for _, ev := range f.Messages {
			c.conv.apply(ev)
		}
	case frameMessage:
		if f.Event != nil {
			c.conv.apply(*f.Event)
		}
	case frameError:
		c.turnErr = &TurnError{Code: f.Code, Message: f.Message, Retriable: f.Retriable}
		c.inFlight = false
	case frameDone, frameAborted:
		c.inFlight = false
		c.conv.seal()
	case framePong:
	default:
		slog.Debug("Ignoring unknown gateway frame", "type", f.Type)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) transition(s State, err error) {
	c.mu.Lock()
	// A deliberate Close wins over anything the read loop reports.
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	if s != StateConnected {
		c.conn = nil
	}
	c.mu.Unlock()
	c.notify()

	switch s {
	case StateReconnecting:
		slog.Info("Gateway connection lost, reconnecting", "error", err)
	case StateFailed:
		slog.Error("Gateway connection failed permanently", "error", err)
	case StateClosed:
		slog.Info("Gateway closed the connection")
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
