package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"vaultmind/core"
)

// Decoder assembles RawEvents into normalized Events. It is stateful: tool
// input arrives as JSON fragments spread across several raw events and is
// buffered per block until the closing tool_use_stop. One Decoder serves one
// model response stream; create a fresh one per stream.
//
// Decode returns (nil, nil) for raw kinds that carry no normalized meaning
// (message_start) and (nil, *core.DecodeError) for malformed events. Callers
// log decode errors and continue; only StreamError events and transport
// errors end a turn.
type Decoder struct {
	pending map[string]*pendingInvocation
}

type pendingInvocation struct {
	id    string
	name  string
	input []byte
}

// NewDecoder creates a decoder with empty assembly state.
func NewDecoder() *Decoder {
	return &Decoder{pending: make(map[string]*pendingInvocation)}
}

// Decode translates one raw event. See the Decoder doc for the contract.
func (d *Decoder) Decode(raw RawEvent) (*Event, error) {
	switch raw.Kind {
	case RawMessageStart:
		return nil, nil

	case RawTextDelta:
		text := gjson.GetBytes(raw.Payload, "text")
		if !text.Exists() {
			return nil, decodeErr(raw, errors.New("missing text field"))
		}
		return &Event{Kind: TextDelta, Text: text.String()}, nil

	case RawToolUseStart:
		id := gjson.GetBytes(raw.Payload, "id").String()
		name := gjson.GetBytes(raw.Payload, "name").String()
		if id == "" || name == "" {
			return nil, decodeErr(raw, errors.New("tool block requires id and name"))
		}
		d.pending[id] = &pendingInvocation{id: id, name: name}
		return nil, nil

	case RawToolInputDelta:
		id := gjson.GetBytes(raw.Payload, "id").String()
		p, ok := d.pending[id]
		if !ok {
			return nil, decodeErr(raw, fmt.Errorf("input delta for unopened block %q", id))
		}
		p.input = append(p.input, gjson.GetBytes(raw.Payload, "partial_json").String()...)
		return nil, nil

	case RawToolUseStop:
		id := gjson.GetBytes(raw.Payload, "id").String()
		p, ok := d.pending[id]
		if !ok {
			return nil, decodeErr(raw, fmt.Errorf("stop for unopened block %q", id))
		}
		delete(d.pending, id)
		input := p.input
		if len(input) == 0 {
			input = []byte("{}")
		}
		if !json.Valid(input) {
			return nil, decodeErr(raw, fmt.Errorf("tool %q input is not valid JSON", p.name))
		}
		return &Event{Kind: ToolInvocation, Invocation: &Invocation{
			ID:    p.id,
			Name:  p.name,
			Input: input,
		}}, nil

	case RawToolResult:
		id := gjson.GetBytes(raw.Payload, "tool_call_id").String()
		if id == "" {
			return nil, decodeErr(raw, errors.New("tool result requires tool_call_id"))
		}
		return &Event{Kind: ToolResult, Result: &Result{
			ToolCallID: id,
			Content:    gjson.GetBytes(raw.Payload, "content").String(),
			IsError:    gjson.GetBytes(raw.Payload, "is_error").Bool(),
		}}, nil

	case RawTurnEnd:
		usage := &Usage{
			InputTokens:  gjson.GetBytes(raw.Payload, "usage.input_tokens").Int(),
			OutputTokens: gjson.GetBytes(raw.Payload, "usage.output_tokens").Int(),
		}
		return &Event{
			Kind:       TurnEnd,
			StopReason: gjson.GetBytes(raw.Payload, "stop_reason").String(),
			Usage:      usage,
		}, nil

	case RawStreamError:
		msg := gjson.GetBytes(raw.Payload, "message").String()
		if msg == "" {
			msg = "stream error"
		}
		return &Event{Kind: StreamError, Err: errors.New(msg)}, nil

	default:
		return nil, decodeErr(raw, errors.New("unknown event kind"))
	}
}

func decodeErr(raw RawEvent, err error) error {
	return &core.DecodeError{Kind: string(raw.Kind), Err: err}
}
