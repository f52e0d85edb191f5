package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	data, err := EncodeCommand(Command{ID: 1, Method: "Page.enable", Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"method":"Page.enable","params":{}}`, string(data))

	data, err = EncodeCommand(Command{ID: 7, Method: "Runtime.evaluate", SessionID: "ABC"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"method":"Runtime.evaluate","sessionId":"ABC"}`, string(data))

	_, err = EncodeCommand(Command{ID: 2})
	assert.Error(t, err)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantReply bool
		wantEvent bool
		wantID    RequestID
		wantErr   *ErrorPayload
		wantRes   string
		wantMeth  string
	}{
		{
			name:      "reply with result",
			raw:       `{"id":1,"result":{"frameId":"F1"}}`,
			wantReply: true,
			wantID:    1,
			wantRes:   `{"frameId":"F1"}`,
		},
		{
			name:      "reply without result",
			raw:       `{"id":3}`,
			wantReply: true,
			wantID:    3,
			wantRes:   `{}`,
		},
		{
			name:      "reply with error",
			raw:       `{"id":2,"error":{"code":-32601,"message":"'Foo.bar' wasn't found"}}`,
			wantReply: true,
			wantID:    2,
			wantErr:   &ErrorPayload{Code: -32601, Message: "'Foo.bar' wasn't found"},
		},
		{
			name:      "reply with string error",
			raw:       `{"id":4,"error":"boom"}`,
			wantReply: true,
			wantID:    4,
			wantErr:   &ErrorPayload{Message: "boom"},
		},
		{
			name:      "event",
			raw:       `{"method":"Page.loadEventFired","params":{"timestamp":1.5}}`,
			wantEvent: true,
			wantMeth:  "Page.loadEventFired",
		},
		{
			name:      "fractional id is not an id",
			raw:       `{"id":1.5,"method":"Weird.event"}`,
			wantEvent: true,
			wantMeth:  "Weird.event",
		},
		{
			name:      "string id is not an id",
			raw:       `{"id":"1","method":"Weird.event"}`,
			wantEvent: true,
			wantMeth:  "Weird.event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantReply, msg.IsReply())
			assert.Equal(t, tt.wantEvent, msg.IsEvent())
			assert.Equal(t, tt.wantMeth, msg.Method)
			if tt.wantReply {
				assert.Equal(t, tt.wantID, msg.ID)
			}
			if tt.wantErr != nil {
				require.NotNil(t, msg.Error)
				assert.Equal(t, tt.wantErr.Code, msg.Error.Code)
				assert.Equal(t, tt.wantErr.Message, msg.Error.Message)
			} else {
				assert.Nil(t, msg.Error)
			}
			if tt.wantRes != "" {
				assert.JSONEq(t, tt.wantRes, string(msg.Result))
			}
		})
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	for _, raw := range []string{``, `not json`, `[1,2]`, `42`, `{"id":`} {
		_, err := DecodeMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedMessage, "input %q", raw)
	}
}

func TestDecodeMessage_SessionID(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"method":"Runtime.consoleAPICalled","params":{},"sessionId":"S1"}`))
	require.NoError(t, err)
	assert.Equal(t, "S1", msg.SessionID)
	assert.JSONEq(t, `{}`, string(msg.Params))
}

func TestJSONCodec(t *testing.T) {
	var c JSONCodec

	raw, err := c.Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = c.Encode(map[string]any{"expression": "1+1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"expression":"1+1"}`, string(raw))

	raw, err = c.Encode(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	_, err = c.Encode([]byte(`{broken`))
	assert.Error(t, err)

	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, c.Decode(json.RawMessage(`{"value":2}`), &out))
	assert.Equal(t, 2, out.Value)
	assert.NoError(t, c.Decode(json.RawMessage(`{"value":2}`), nil))
}
