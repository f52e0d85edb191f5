// Package protocol defines the wire envelope shared by every debugging
// protocol the bridge speaks: integer ids for command/reply correlation and a
// method name for commands and events. The protocol vocabulary itself (method
// names, parameter shapes) is opaque at this layer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// RequestID correlates a command with its reply. Ids are allocated by the
// session's registry and are never reused.
type RequestID int64

// ErrMalformedMessage is returned for frames that are not a JSON object.
var ErrMalformedMessage = errors.New("malformed protocol message")

// emptyResult is delivered for replies that carry neither result nor error.
var emptyResult = json.RawMessage(`{}`)

// Command is an outgoing command envelope.
type Command struct {
	ID        RequestID       `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ErrorPayload is the error object of a failed reply.
type ErrorPayload struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is a decoded incoming frame: either a reply (has an integer id) or
// an event (method without id).
type Message struct {
	ID        RequestID
	HasID     bool
	Method    string
	Params    json.RawMessage
	Result    json.RawMessage
	Error     *ErrorPayload
	SessionID string
	Raw       []byte
}

// IsReply reports whether the frame carries a correlation id.
func (m Message) IsReply() bool {
	return m.HasID
}

// IsEvent reports whether the frame is a protocol event.
func (m Message) IsEvent() bool {
	return !m.HasID && m.Method != ""
}

// EncodeCommand serializes a command envelope.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd.Method == "" {
		return nil, fmt.Errorf("encode command %d: empty method", cmd.ID)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command %d (%s): %w", cmd.ID, cmd.Method, err)
	}
	return data, nil
}

// DecodeMessage classifies and decodes an incoming frame.
//
// Only the envelope fields are extracted; params, result and error data stay
// raw. An id that is not an integer is treated as absent so that the frame
// can never be matched against a pending request.
func DecodeMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, ErrMalformedMessage
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Message{}, ErrMalformedMessage
	}

	msg := Message{Raw: raw}
	if id := root.Get("id"); isInteger(id) {
		msg.ID = RequestID(id.Int())
		msg.HasID = true
	}
	if method := root.Get("method"); method.Type == gjson.String {
		msg.Method = method.String()
	}
	if sid := root.Get("sessionId"); sid.Type == gjson.String {
		msg.SessionID = sid.String()
	}
	if params := root.Get("params"); params.Exists() {
		msg.Params = rawOf(params)
	}

	if !msg.HasID {
		return msg, nil
	}

	if errRes := root.Get("error"); errRes.Exists() && errRes.Type != gjson.Null {
		msg.Error = decodeError(errRes)
		return msg, nil
	}
	if result := root.Get("result"); result.Exists() {
		msg.Result = rawOf(result)
	} else {
		msg.Result = emptyResult
	}
	return msg, nil
}

func decodeError(res gjson.Result) *ErrorPayload {
	if !res.IsObject() {
		// Some targets report a bare string.
		return &ErrorPayload{Message: res.String()}
	}
	payload := &ErrorPayload{
		Code:    int(res.Get("code").Int()),
		Message: res.Get("message").String(),
	}
	if data := res.Get("data"); data.Exists() {
		payload.Data = rawOf(data)
	}
	return payload
}

func isInteger(res gjson.Result) bool {
	if res.Type != gjson.Number {
		return false
	}
	return !strings.ContainsAny(res.Raw, ".eE")
}

func rawOf(res gjson.Result) json.RawMessage {
	return json.RawMessage(res.Raw)
}
