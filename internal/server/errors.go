package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/parasshah10/mcphub/internal/upstream"
)

// JSON-RPC error codes: the standard range plus the hub's own taxonomy
// in the server-defined range.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeTimeout             = -32000
	codeUpstreamUnavailable = -32001
	codeAuthRequired        = -32002
)

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

func errNotFound(format string, args ...interface{}) *rpcError {
	return &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf(format, args...)}
}

func errInvalidParams(format string, args ...interface{}) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// mapDispatchError translates dispatch-path errors onto the wire
// taxonomy. Upstream JSON-RPC errors pass through untouched elsewhere;
// this covers the hub's own short-circuits.
func mapDispatchError(err error) *rpcError {
	var authErr *upstream.AuthRequiredError
	switch {
	case errors.As(err, &authErr):
		data := map[string]interface{}{}
		if authErr.AuthorizationURL != "" {
			data["authorizationUrl"] = authErr.AuthorizationURL
		}
		return &rpcError{
			Code:    codeAuthRequired,
			Message: err.Error(),
			Data:    data,
		}
	case errors.Is(err, upstream.ErrToolNotFound),
		errors.Is(err, upstream.ErrPromptNotFound),
		errors.Is(err, upstream.ErrServerNotFound):
		return &rpcError{Code: codeMethodNotFound, Message: err.Error()}
	case errors.Is(err, upstream.ErrNotConnected):
		return &rpcError{Code: codeUpstreamUnavailable, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &rpcError{
			Code:    codeTimeout,
			Message: "request timed out",
			Data:    map[string]interface{}{"kind": "timeout"},
		}
	case errors.Is(err, context.Canceled):
		return &rpcError{Code: codeInternal, Message: "request cancelled"}
	default:
		return &rpcError{Code: codeInternal, Message: err.Error()}
	}
}
