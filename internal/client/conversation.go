package client

import (
	"github.com/workspace/agent-gateway/internal/engine"
)

// Entry is one conversation item as a UI would render it.
type Entry struct {
	Role   string                `json:"role"`
	Blocks []engine.ContentBlock `json:"blocks"`
}

// conversation folds the gateway's event stream back into a message list.
//
// Assistant events resend the full accumulated message with every chunk, so
// the in-progress entry is replaced wholesale instead of appended to. Tool
// results are patched into the tool_use block that invoked them rather than
// shown as separate messages.
type conversation struct {
	entries []Entry
	// open marks the last entry as an assistant message still streaming.
	open bool
}

func (cv *conversation) reset() {
	cv.entries = nil
	cv.open = false
}

// seal ends the streaming message; the next assistant event starts a new one.
func (cv *conversation) seal() {
	cv.open = false
}

// apply folds one engine event into the conversation. Events that carry no
// renderable content are ignored.
func (cv *conversation) apply(ev engine.Event) {
	switch ev.Type {
	case engine.EventAssistant:
		msg, err := ev.DecodeMessage()
		if err != nil || len(msg.Content) == 0 {
			return
		}
		if cv.open && len(cv.entries) > 0 && cv.entries[len(cv.entries)-1].Role == engine.EventAssistant {
			cv.entries[len(cv.entries)-1].Blocks = msg.Content
			return
		}
		cv.entries = append(cv.entries, Entry{Role: engine.EventAssistant, Blocks: msg.Content})
		cv.open = true

	case engine.EventUser:
		msg, err := ev.DecodeMessage()
		if err != nil {
			return
		}
		var rest []engine.ContentBlock
		for _, block := range msg.Content {
			if block.Type == engine.BlockToolResult && cv.patchToolResult(block) {
				continue
			}
			rest = append(rest, block)
		}
		// A tool result interrupts the stream, so whatever the engine says
		// next belongs to a fresh assistant message.
		cv.open = false
		if len(rest) > 0 {
			cv.entries = append(cv.entries, Entry{Role: engine.EventUser, Blocks: rest})
		}

	case engine.EventResult, engine.EventError:
		cv.open = false
	}
}

// patchToolResult attaches a result to the tool_use block that invoked it,
// matched by invocation id. Scans backwards: the invocation is almost always
// in the most recent assistant message.
func (cv *conversation) patchToolResult(result engine.ContentBlock) bool {
	if result.ToolUseID == "" {
		return false
	}
	for i := len(cv.entries) - 1; i >= 0; i-- {
		blocks := cv.entries[i].Blocks
		for j := range blocks {
			if blocks[j].Type == engine.BlockToolUse && blocks[j].ID == result.ToolUseID {
				blocks[j].Content = result.Content
				return true
			}
		}
	}
	return false
}

// snapshot returns an independent copy safe to hand out of the lock.
func (cv *conversation) snapshot() []Entry {
	out := make([]Entry, len(cv.entries))
	for i, e := range cv.entries {
		blocks := make([]engine.ContentBlock, len(e.Blocks))
		copy(blocks, e.Blocks)
		out[i] = Entry{Role: e.Role, Blocks: blocks}
	}
	return out
}
