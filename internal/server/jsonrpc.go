package server

import (
	"encoding/json"
	"fmt"
)

// jsonRPCVersion is the only accepted protocol version.
const jsonRPCVersion = "2.0"

// rpcRequest is an incoming JSON-RPC request or notification. A nil ID
// marks a notification.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether no response is expected.
func (r *rpcRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// rpcResponse is an outgoing JSON-RPC response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcNotification is an outgoing JSON-RPC notification.
type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// parseRequest decodes and minimally validates one frame.
func parseRequest(data []byte) (*rpcRequest, *rpcError) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &rpcError{Code: codeParse, Message: "parse error"}
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		return nil, &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
	}
	return &req, nil
}

// newResult builds a success response frame.
func newResult(id json.RawMessage, result interface{}) []byte {
	return mustMarshal(&rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// newError builds an error response frame.
func newError(id json.RawMessage, rpcErr *rpcError) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return mustMarshal(&rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr})
}

// newNotification builds a notification frame.
func newNotification(method string, params interface{}) []byte {
	return mustMarshal(&rpcNotification{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frames are built from plain structs; failure here is a
		// programming error.
		panic(fmt.Sprintf("failed to marshal JSON-RPC frame: %v", err))
	}
	return data
}
