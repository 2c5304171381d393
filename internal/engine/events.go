// Package engine defines the event vocabulary spoken by the agent engine:
// the NDJSON stream a worker emits on stdout and the record format of the
// engine's transcript files share the same shapes.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event types produced by the engine.
const (
	EventSystem    = "system"
	EventUser      = "user"
	EventAssistant = "assistant"
	EventResult    = "result"
	EventError     = "error"
)

// Content block types carried inside message events.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Event is a single engine stream or transcript record.
//
// Assistant events resend the FULL accumulated content of the in-progress
// message with every chunk, so consumers replace text blocks wholesale
// rather than appending deltas. The engine session id rides along on most
// events; the first system/init event is guaranteed to carry it.
type Event struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is the decoded payload of a user or assistant event.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ParseEvent decodes one NDJSON line into an Event. Lines that are not
// JSON objects or lack a type are rejected; callers normally skip them.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("decode engine event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("engine event missing type")
	}
	return ev, nil
}

// Conversational reports whether the event belongs in a replayed
// conversation. Transcript files interleave conversation records with
// engine bookkeeping (summaries, file snapshots); only the former are
// replayed to clients.
func (e Event) Conversational() bool {
	switch e.Type {
	case EventUser, EventAssistant:
		return len(e.Message) > 0 && string(e.Message) != "null"
	case EventSystem, EventResult, EventError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

// Failed reports whether a terminal event describes a failed turn.
func (e Event) Failed() bool {
	return e.Type == EventError || (e.Type == EventResult && e.IsError)
}

// DecodeMessage parses the event's message payload. Returns an empty
// Message when the event carries none.
func (e Event) DecodeMessage() (Message, error) {
	if len(e.Message) == 0 || string(e.Message) == "null" {
		return Message{}, nil
	}
	var m Message
	if err := json.Unmarshal(e.Message, &m); err != nil {
		return Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	return m, nil
}

// Text returns the concatenated text blocks of the event's message, or the
// result string for terminal events.
func (e Event) Text() string {
	if e.Type == EventResult {
		return e.Result
	}
	m, err := e.DecodeMessage()
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// UnmarshalJSON accepts both content encodings the engine uses: user
// records in transcripts may carry a plain string where stream events
// carry a block array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil

	trimmed := strings.TrimSpace(string(raw.Content))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw.Content, &s); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: BlockText, Text: s}}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}
