// Package reqcontext threads per-request metadata from a downstream
// session through the dispatch path. There are no ambient globals: the
// context value is the only carrier.
package reqcontext

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const requestContextKey contextKey = "mcphub_request_context"

// RequestContext is the per in-flight JSON-RPC call metadata. Its
// lifetime is bounded by the dispatched call. OpenAPI upstreams consume
// it to forward whitelisted headers.
type RequestContext struct {
	SessionID string
	User      string
	Headers   http.Header
}

// WithRequestContext attaches rc to the context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext retrieves the request context, or nil when absent.
func FromContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return nil
	}
	if rc, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return rc
	}
	return nil
}

// HeaderValue returns the value of the named header, case-insensitively.
// Multi-valued headers are joined with ", " per RFC 7230.
func (rc *RequestContext) HeaderValue(name string) (string, bool) {
	if rc == nil || rc.Headers == nil {
		return "", false
	}
	values := rc.Headers.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ", "), true
}
