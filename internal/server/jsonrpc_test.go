package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req, rpcErr := parseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.Nil(t, rpcErr)
	assert.Equal(t, "ping", req.Method)
	assert.Equal(t, "1", string(req.ID))
	assert.False(t, req.IsNotification())
}

func TestParseRequestMalformedJSON(t *testing.T) {
	_, rpcErr := parseRequest([]byte(`{"jsonrpc":`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, codeParse, rpcErr.Code)
}

func TestParseRequestInvalid(t *testing.T) {
	for _, frame := range []string{
		`{"id":1,"method":"ping"}`,
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1}`,
	} {
		_, rpcErr := parseRequest([]byte(frame))
		require.NotNil(t, rpcErr, "frame %s", frame)
		assert.Equal(t, codeInvalidRequest, rpcErr.Code, "frame %s", frame)
	}
}

func TestIsNotification(t *testing.T) {
	req, rpcErr := parseRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.Nil(t, rpcErr)
	assert.True(t, req.IsNotification())

	req, rpcErr = parseRequest([]byte(`{"jsonrpc":"2.0","id":null,"method":"x"}`))
	require.Nil(t, rpcErr)
	assert.True(t, req.IsNotification())

	req, rpcErr = parseRequest([]byte(`{"jsonrpc":"2.0","id":"abc","method":"x"}`))
	require.Nil(t, rpcErr)
	assert.False(t, req.IsNotification())
}

func TestNewResult(t *testing.T) {
	frame := newResult(json.RawMessage(`"req-1"`), map[string]string{"ok": "yes"})

	var resp struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      string            `json:"id"`
		Result  map[string]string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(frame, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, "yes", resp.Result["ok"])
}

func TestNewErrorDefaultsToNullID(t *testing.T) {
	frame := newError(nil, &rpcError{Code: codeParse, Message: "parse error"})

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &resp))
	assert.Equal(t, "null", string(resp["id"]))
	assert.Contains(t, string(resp["error"]), `-32700`)
}

func TestNewNotification(t *testing.T) {
	frame := newNotification("notifications/tools/list_changed", nil)

	var n struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
	}
	require.NoError(t, json.Unmarshal(frame, &n))
	assert.Equal(t, "2.0", n.JSONRPC)
	assert.Equal(t, "notifications/tools/list_changed", n.Method)
	assert.Empty(t, n.ID)
}
