package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/workspace/agent-gateway/internal/engine"
)

// MessageType identifies a frame on the agent WebSocket.
type MessageType string

// Inbound frame types (client to gateway).
const (
	// MsgChat starts a turn, aborting any in-flight turn first.
	MsgChat MessageType = "chat"
	// MsgResume loads the mapping and history for an existing workspace session.
	MsgResume MessageType = "resume"
	// MsgAbort cancels the active turn. Idempotent.
	MsgAbort MessageType = "abort"
	// MsgPing is a client liveness check.
	MsgPing MessageType = "ping"
)

// Outbound frame types (gateway to client).
const (
	// MsgSessionInit tells the client its workspace session id. Only ever
	// carries the gateway-minted id, never the engine's.
	MsgSessionInit MessageType = "session_init"
	// MsgMessagesLoaded replays parsed history on resume.
	MsgMessagesLoaded MessageType = "messages_loaded"
	// MsgMessage forwards one engine event.
	MsgMessage MessageType = "message"
	// MsgError reports a terminal or recoverable fault.
	MsgError MessageType = "error"
	// MsgDone marks a turn complete; no more message frames follow for it.
	MsgDone MessageType = "done"
	// MsgPong answers a ping.
	MsgPong MessageType = "pong"
	// MsgAborted acknowledges an abort.
	MsgAborted MessageType = "aborted"
)

// Error codes carried by MsgError frames.
const (
	// errCodeBadRequest covers malformed or unknown inbound frames. Never retriable.
	errCodeBadRequest = "bad_request"
	// errCodeForbidden covers requests for another user's session. Never retriable.
	errCodeForbidden = "forbidden"
	// errCodeSpawnFailed covers execution environments that never started. Retriable.
	errCodeSpawnFailed = "spawn_failed"
	// errCodeEngineFailed covers mid-stream engine crashes. Retriable.
	errCodeEngineFailed = "engine_failed"
	// errCodeTimeout covers turns cut off by the hard per-turn limit. Retriable.
	errCodeTimeout = "timeout"
	// errCodeInternal covers unexpected gateway faults. Retriable.
	errCodeInternal = "internal"
)

// inboundMessage is the single envelope for all client frames. Fields
// beyond Type are populated per frame type.
type inboundMessage struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

// sessionInitMessage confirms the workspace session id to the client.
type sessionInitMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	UserID    string      `json:"userId,omitempty"`
}

// messagesLoadedMessage carries the replayed history for a resumed session.
// Messages is always an array on the wire, possibly empty, never null.
type messagesLoadedMessage struct {
	Type     MessageType    `json:"type"`
	Messages []engine.Event `json:"messages"`
}

// eventMessage forwards one engine event verbatim.
type eventMessage struct {
	Type  MessageType  `json:"type"`
	Event engine.Event `json:"event"`
}

// errorMessage reports a fault. Retriable faults leave the conversation
// usable; non-retriable ones tell the client not to repeat the request.
type errorMessage struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retriable bool        `json:"retriable"`
}

// signalMessage is a frame with no payload: done, pong, aborted.
type signalMessage struct {
	Type MessageType `json:"type"`
}

// parseInbound decodes and validates one client frame. Any failure here is
// a protocol error: the connection answers with a non-retriable error frame
// and its state does not change.
func parseInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch msg.Type {
	case MsgChat:
		if strings.TrimSpace(msg.Content) == "" {
			return inboundMessage{}, fmt.Errorf("chat requires non-empty content")
		}
	case MsgResume:
		if strings.TrimSpace(msg.SessionID) == "" {
			return inboundMessage{}, fmt.Errorf("resume requires a sessionId")
		}
	case MsgAbort, MsgPing:
	case "":
		return inboundMessage{}, fmt.Errorf("frame has no type")
	default:
		return inboundMessage{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, nil
}
