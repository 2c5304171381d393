package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	t.Parallel()

	valid := []struct {
		name string
		raw  string
		typ  MessageType
	}{
		{"chat", `{"type":"chat","content":"hello"}`, MsgChat},
		{"chat with session", `{"type":"chat","content":"hi","sessionId":"abc"}`, MsgChat},
		{"resume", `{"type":"resume","sessionId":"abc"}`, MsgResume},
		{"abort", `{"type":"abort"}`, MsgAbort},
		{"ping", `{"type":"ping"}`, MsgPing},
		{"unknown fields ignored", `{"type":"ping","extra":42}`, MsgPing},
	}
	for _, tc := range valid {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg, err := parseInbound([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.typ, msg.Type)
		})
	}

	invalid := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"empty object", `{}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"shout"}`},
		{"chat without content", `{"type":"chat"}`},
		{"chat blank content", `{"type":"chat","content":"  \n"}`},
		{"resume without session", `{"type":"resume"}`},
		{"resume blank session", `{"type":"resume","sessionId":"  "}`},
		{"outbound type inbound", `{"type":"done"}`},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseInbound([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}
