package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-gateway/internal/engine"
	"github.com/workspace/agent-gateway/internal/session"
	"github.com/workspace/agent-gateway/internal/worker"
)

// connState is the protocol state of one client connection.
type connState int

const (
	stateIdle   connState = iota // no turn in flight
	stateActive                  // a worker is streaming
	stateClosed                  // transport gone, terminal
)

// maxTitleLen bounds session titles derived from the first prompt.
const maxTitleLen = 80

// writeTimeout bounds every outbound write. A client that stops draining
// its socket fails fast instead of wedging the write lock.
const writeTimeout = 10 * time.Second

// errSuppressed reports a write skipped because the turn was aborted or
// superseded. Forwarders keep draining after it.
var errSuppressed = errors.New("turn suppressed")

// turn is one in-flight query: a worker plus the identifiers its events are
// tagged with on the way out.
type turn struct {
	worker      *worker.Worker
	workspaceID string

	// suppressed is guarded by Conn.writeMu, not Conn.mu: suppression and
	// outbound writes must be ordered by the same lock so no event frame
	// can slip out after the aborted acknowledgment.
	suppressed bool
}

// Conn owns one authenticated WebSocket connection. Inbound frames are
// handled strictly in arrival order on the read loop; the only concurrent
// writers are the per-turn forwarder, the liveness sweep, and shutdown.
type Conn struct {
	srv    *Server
	ws     *websocket.Conn
	userID string

	writeMu sync.Mutex // serializes all writes to ws and guards turn.suppressed

	mu          sync.Mutex
	state       connState
	workspaceID string // current workspace session, "" until first chat/resume
	turn        *turn  // live turn, nil when idle
	alive       bool   // cleared by the sweep, set by pong or any inbound frame
}

func newConn(s *Server, ws *websocket.Conn, userID string) *Conn {
	c := &Conn{
		srv:    s,
		ws:     ws,
		userID: userID,
		state:  stateIdle,
		alive:  true,
	}
	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})
	return c
}

// run reads and dispatches inbound frames until the connection dies. Frames
// are processed one at a time; ordering across frames is the client's send
// order.
func (c *Conn) run() {
	defer c.teardown()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read ended", "userId", c.userID, "error", err)
			}
			return
		}
		c.markAlive()

		msg, err := parseInbound(data)
		if err != nil {
			// Protocol errors never change connection state.
			c.writeErrorFrame(errCodeBadRequest, err.Error(), false)
			continue
		}

		switch msg.Type {
		case MsgChat:
			c.handleChat(msg)
		case MsgResume:
			c.handleResume(msg)
		case MsgAbort:
			c.handleAbort()
		case MsgPing:
			_ = c.write(signalMessage{Type: MsgPong})
		}
	}
}

// handleChat starts a turn. An in-flight turn is aborted and fully reaped
// first, so at most one worker is ever live per connection and no events
// from the two turns interleave.
func (c *Conn) handleChat(msg inboundMessage) {
	c.mu.Lock()
	prev := c.turn
	c.mu.Unlock()
	if prev != nil {
		c.suppress(prev)
		prev.worker.Abort()
		<-prev.worker.Done()
	}

	sess, err := c.resolveSession(msg.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrForbidden) {
			c.writeErrorFrame(errCodeForbidden, "session not found", false)
		} else {
			slog.Error("Session resolution failed", "userId", c.userID, "error", err)
			c.writeErrorFrame(errCodeInternal, "could not prepare the session", true)
		}
		_ = c.write(signalMessage{Type: MsgDone})
		return
	}

	dir, err := c.srv.workspaces.Provision(c.userID, sess.WorkspaceID)
	if err != nil {
		slog.Error("Workspace provisioning failed", "userId", c.userID, "workspaceSessionId", sess.WorkspaceID, "error", err)
		c.failTurn("could not prepare the session workspace")
		return
	}
	if sess.WorkDir != dir {
		if err := c.srv.sessions.SetWorkDir(sess.WorkspaceID, dir); err != nil {
			slog.Warn("Failed to record workspace directory", "workspaceSessionId", sess.WorkspaceID, "error", err)
		}
	}
	if sess.Title == "" {
		if err := c.srv.sessions.SetTitle(sess.WorkspaceID, titleFromPrompt(msg.Content)); err != nil {
			slog.Warn("Failed to set session title", "workspaceSessionId", sess.WorkspaceID, "error", err)
		}
	}

	w, err := c.srv.workers.Spawn(context.Background(), worker.SpawnRequest{
		Prompt:          msg.Content,
		EngineSessionID: sess.EngineSessionID,
		Dir:             dir,
	})
	if err != nil {
		slog.Error("Worker spawn failed", "userId", c.userID, "workspaceSessionId", sess.WorkspaceID, "error", err)
		c.failTurn("could not start the agent engine")
		return
	}

	t := &turn{worker: w, workspaceID: sess.WorkspaceID}
	c.mu.Lock()
	c.turn = t
	c.state = stateActive
	c.workspaceID = sess.WorkspaceID
	c.mu.Unlock()

	go c.runTurn(t)
}

// handleResume switches the connection to an existing workspace session and
// replays its history. The reply is session_init first, then exactly one
// messages_loaded when an engine mapping exists; an id the gateway has
// never seen proceeds as a fresh conversation under that same id.
func (c *Conn) handleResume(msg inboundMessage) {
	c.mu.Lock()
	prev := c.turn
	c.mu.Unlock()
	if prev != nil {
		c.suppress(prev)
		prev.worker.Abort()
		<-prev.worker.Done()
	}

	sess, err := c.resolveSession(msg.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrForbidden) {
			c.writeErrorFrame(errCodeForbidden, "session not found", false)
		} else {
			slog.Error("Session resolution failed", "userId", c.userID, "error", err)
			c.writeErrorFrame(errCodeInternal, "could not load the session", true)
		}
		return
	}

	c.mu.Lock()
	c.workspaceID = sess.WorkspaceID
	c.mu.Unlock()

	_ = c.write(sessionInitMessage{Type: MsgSessionInit, SessionID: sess.WorkspaceID, UserID: c.userID})

	if sess.EngineSessionID == "" {
		return
	}

	events, err := c.srv.transcripts.Read(sess.EngineSessionID,
		sess.WorkDir, c.srv.workspaces.SessionDir(c.userID, sess.WorkspaceID))
	if err != nil {
		// Missing or unreadable history resumes as empty, never as an error.
		slog.Debug("Transcript read failed", "engineSessionId", sess.EngineSessionID, "error", err)
		events = nil
	}
	if events == nil {
		events = []engine.Event{}
	}
	for i := range events {
		events[i].SessionID = sess.WorkspaceID
	}
	_ = c.write(messagesLoadedMessage{Type: MsgMessagesLoaded, Messages: events})
}

// handleAbort cancels the active turn: kill signal first, acknowledgment
// immediately after. Idempotent, and a no-op worker-wise when nothing is
// running or the worker already exited.
func (c *Conn) handleAbort() {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()

	if t != nil {
		t.worker.Abort()
	}

	// Suppression and the ack share one writeMu critical section: nothing
	// may be written for this turn after the aborted frame.
	c.writeMu.Lock()
	if t != nil {
		t.suppressed = true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(signalMessage{Type: MsgAborted})
	c.writeMu.Unlock()
	if err != nil {
		slog.Debug("Failed to write abort acknowledgment", "userId", c.userID, "error", err)
	}
}

// resolveSession maps an optional client-supplied session id to a workspace
// session. No id continues the connection's current session or mints a
// fresh one; an explicit id is resolved, or adopted when unknown.
func (c *Conn) resolveSession(sessionID string) (session.Session, error) {
	if sessionID == "" {
		c.mu.Lock()
		current := c.workspaceID
		c.mu.Unlock()
		if current != "" {
			if sess, ok := c.srv.sessions.Get(current); ok {
				return sess, nil
			}
		}
		return c.srv.sessions.Mint(c.userID, "")
	}
	return c.srv.sessions.Ensure(sessionID, c.userID)
}

// runTurn forwards one worker's events in production order until the
// stream closes, then reports the turn's terminal frame. Runs on its own
// goroutine; everything it writes goes through writeTurn so a concurrent
// abort cuts it off cleanly.
func (c *Conn) runTurn(t *turn) {
	engineIDSeen := false
	for ev := range t.worker.Events() {
		if !engineIDSeen && ev.SessionID != "" {
			engineIDSeen = true
			c.bindEngineID(t, ev.SessionID)
		}
		// Clients only ever see workspace ids.
		ev.SessionID = t.workspaceID
		if err := c.writeTurn(t, eventMessage{Type: MsgMessage, Event: ev}); err != nil && !errors.Is(err, errSuppressed) {
			slog.Debug("Event forward failed", "userId", c.userID, "error", err)
		}
	}

	<-t.worker.Done()
	c.finishTurn(t)
}

// bindEngineID records the engine's id for this turn's workspace session
// and confirms the stable id to the client. Runs before the triggering
// event is forwarded, so session_init precedes all message frames.
func (c *Conn) bindEngineID(t *turn, engineID string) {
	if err := c.srv.sessions.RecordEngineID(t.workspaceID, engineID); err != nil {
		slog.Warn("Failed to record engine session id", "workspaceSessionId", t.workspaceID, "error", err)
	}
	_ = c.writeTurn(t, sessionInitMessage{Type: MsgSessionInit, SessionID: t.workspaceID, UserID: c.userID})
}

// finishTurn clears the turn and emits its terminal frames. Aborted turns
// emit nothing here: the aborted acknowledgment was already written and
// nothing for the turn may follow it.
func (c *Conn) finishTurn(t *turn) {
	w := t.worker

	c.mu.Lock()
	if c.turn == t {
		c.turn = nil
		if c.state == stateActive {
			c.state = stateIdle
		}
	}
	c.mu.Unlock()

	switch {
	case w.Aborted():
		return
	case w.TimedOut():
		_ = c.writeTurn(t, errorMessage{Type: MsgError, Code: errCodeTimeout,
			Message: "turn exceeded the time limit", Retriable: true})
	case w.Err() != nil:
		msg := "agent engine exited unexpectedly"
		if stderr := strings.TrimSpace(w.Stderr()); stderr != "" {
			msg += ": " + truncate(stderr, 500)
		}
		_ = c.writeTurn(t, errorMessage{Type: MsgError, Code: errCodeEngineFailed,
			Message: msg, Retriable: true})
	}
	_ = c.writeTurn(t, signalMessage{Type: MsgDone})
}

// failTurn reports an environment that never started: one retriable error,
// then done, so the client's pending state clears. Connection state is
// untouched; the next chat may well succeed.
func (c *Conn) failTurn(message string) {
	c.writeErrorFrame(errCodeSpawnFailed, message, true)
	_ = c.write(signalMessage{Type: MsgDone})
}

// suppress discards all future writes for a turn without acknowledging
// anything. Used when a new chat or resume supersedes the turn.
func (c *Conn) suppress(t *turn) {
	c.writeMu.Lock()
	t.suppressed = true
	c.writeMu.Unlock()
}

// write sends one frame, serialized against all other writers.
func (c *Conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// writeTurn sends one frame on behalf of a turn unless the turn has been
// suppressed. The check and the write share the lock.
func (c *Conn) writeTurn(t *turn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if t.suppressed {
		return errSuppressed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *Conn) writeErrorFrame(code, message string, retriable bool) {
	_ = c.write(errorMessage{Type: MsgError, Code: code, Message: message, Retriable: retriable})
}

// markAlive records liveness for the sweep. Any inbound traffic counts,
// not just pongs.
func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// sweep is called by the heartbeat loop. It reports false when the client
// missed a full interval, and otherwise clears the flag and pings so the
// next sweep has a fresh answer.
func (c *Conn) sweep() bool {
	c.mu.Lock()
	alive := c.alive
	c.alive = false
	c.mu.Unlock()
	if !alive {
		return false
	}

	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
	c.writeMu.Unlock()
	return err == nil
}

// liveWorker returns the in-flight worker, if any.
func (c *Conn) liveWorker() *worker.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return nil
	}
	return c.turn.worker
}

// teardown closes the connection and terminates any bound worker. Safe to
// call from any goroutine and more than once; the read loop, the sweep,
// and server shutdown all funnel through it. The socket closes before the
// worker abort so a writer stuck on a dead peer is released first.
func (c *Conn) teardown() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	t := c.turn
	c.turn = nil
	c.mu.Unlock()

	_ = c.ws.Close()
	if t != nil {
		t.worker.Abort()
	}
}

// shutdown is teardown with a close frame first, for server-initiated
// stops where the client deserves a clean goodbye.
func (c *Conn) shutdown() {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.teardown()
}

// titleFromPrompt derives a session title from the first prompt: its first
// line, bounded.
func titleFromPrompt(prompt string) string {
	title := strings.TrimSpace(prompt)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	return truncate(title, maxTitleLen)
}

// truncate bounds s to max runes.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
