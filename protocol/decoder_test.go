package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultmind/core"
)

func TestDecoder_TextDelta(t *testing.T) {
	d := NewDecoder()
	ev, err := d.Decode(NewTextDeltaRaw("hello"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, TextDelta, ev.Kind)
	assert.Equal(t, "hello", ev.Text)
}

func TestDecoder_ToolInvocationAssembly(t *testing.T) {
	d := NewDecoder()

	ev, err := d.Decode(NewToolUseStartRaw("tc1", "vault_list"))
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = d.Decode(NewToolInputDeltaRaw("tc1", `{"path":`))
	require.NoError(t, err)
	_, err = d.Decode(NewToolInputDeltaRaw("tc1", `"notes/"}`))
	require.NoError(t, err)

	ev, err = d.Decode(NewToolUseStopRaw("tc1"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, ToolInvocation, ev.Kind)
	assert.Equal(t, "tc1", ev.Invocation.ID)
	assert.Equal(t, "vault_list", ev.Invocation.Name)
	assert.JSONEq(t, `{"path":"notes/"}`, string(ev.Invocation.Input))
}

func TestDecoder_EmptyToolInputDefaultsToObject(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode(NewToolUseStartRaw("tc1", "vault_list"))
	require.NoError(t, err)
	ev, err := d.Decode(NewToolUseStopRaw("tc1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(ev.Invocation.Input))
}

func TestDecoder_MalformedEvents(t *testing.T) {
	tests := []struct {
		name string
		raw  RawEvent
	}{
		{"unknown kind", RawEvent{Kind: "bogus"}},
		{"text without field", RawEvent{Kind: RawTextDelta, Payload: json.RawMessage(`{}`)}},
		{"tool start without name", RawEvent{Kind: RawToolUseStart, Payload: json.RawMessage(`{"id":"x"}`)}},
		{"input delta for unopened block", NewToolInputDeltaRaw("nope", `{}`)},
		{"stop for unopened block", NewToolUseStopRaw("nope")},
		{"result without id", RawEvent{Kind: RawToolResult, Payload: json.RawMessage(`{"content":"x"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			ev, err := d.Decode(tt.raw)
			assert.Nil(t, ev)
			var decodeErr *core.DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestDecoder_InvalidToolInputJSON(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode(NewToolUseStartRaw("tc1", "vault_read"))
	require.NoError(t, err)
	_, err = d.Decode(NewToolInputDeltaRaw("tc1", `{"path":`))
	require.NoError(t, err)
	ev, err := d.Decode(NewToolUseStopRaw("tc1"))
	assert.Nil(t, ev)
	var decodeErr *core.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestDecoder_TurnEndUsage(t *testing.T) {
	d := NewDecoder()
	ev, err := d.Decode(NewTurnEndRaw("end_turn", Usage{InputTokens: 120, OutputTokens: 48}))
	require.NoError(t, err)
	assert.Equal(t, TurnEnd, ev.Kind)
	assert.Equal(t, "end_turn", ev.StopReason)
	assert.Equal(t, int64(120), ev.Usage.InputTokens)
	assert.Equal(t, int64(48), ev.Usage.OutputTokens)
}

func TestDecoder_StreamError(t *testing.T) {
	d := NewDecoder()
	ev, err := d.Decode(NewStreamErrorRaw("connection reset"))
	require.NoError(t, err)
	assert.Equal(t, StreamError, ev.Kind)
	assert.EqualError(t, ev.Err, "connection reset")
}

func TestDecoder_MessageStartIgnored(t *testing.T) {
	d := NewDecoder()
	ev, err := d.Decode(RawEvent{Kind: RawMessageStart})
	assert.NoError(t, err)
	assert.Nil(t, ev)
}
