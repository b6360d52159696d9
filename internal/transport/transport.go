// Package transport constructs MCP clients for the supported upstream
// transports. OpenAPI upstreams are synthesised elsewhere and never pass
// through here.
package transport

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/parasshah10/mcphub/internal/config"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

// ClientConfig carries everything needed to build one upstream client.
// Headers already include any static or OAuth Authorization header.
type ClientConfig struct {
	Type    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// FromServerConfig builds a ClientConfig from the settings document entry.
func FromServerConfig(serverConfig *config.ServerConfig) *ClientConfig {
	headers := make(map[string]string, len(serverConfig.Headers))
	for k, v := range serverConfig.Headers {
		headers[k] = v
	}
	return &ClientConfig{
		Type:    serverConfig.EffectiveType(),
		Command: serverConfig.Command,
		Args:    serverConfig.Args,
		Env:     serverConfig.Env,
		URL:     serverConfig.URL,
		Headers: headers,
		Timeout: serverConfig.Options.Timeout(),
	}
}

// Result pairs the built client with its stdio transport when one
// exists. The stderr pipe is created inside the transport's Start, so
// it can only be fetched once the client is running.
type Result struct {
	Client *client.Client
	stdio  *mcptransport.Stdio
}

// Stderr returns the subprocess stderr stream. It is nil for network
// transports and before the client has started.
func (r *Result) Stderr() io.Reader {
	if r.stdio == nil {
		return nil
	}
	return r.stdio.Stderr()
}

// CreateClient builds an MCP client for the configured transport type.
func CreateClient(cfg *ClientConfig) (*Result, error) {
	switch cfg.Type {
	case config.TypeStdio:
		return createStdioClient(cfg)
	case config.TypeSSE:
		c, err := createSSEClient(cfg)
		if err != nil {
			return nil, err
		}
		return &Result{Client: c}, nil
	case config.TypeStreamableHTTP:
		c, err := createStreamableHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		return &Result{Client: c}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

func createStdioClient(cfg *ClientConfig) (*Result, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no command specified for stdio transport")
	}

	envVars := flattenEnv(cfg.Env)
	stdioTransport := mcptransport.NewStdio(cfg.Command, envVars, cfg.Args...)
	return &Result{
		Client: client.NewClient(stdioTransport),
		stdio:  stdioTransport,
	}, nil
}

func createStreamableHTTPClient(cfg *ClientConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for streamable-http transport")
	}

	opts := []mcptransport.StreamableHTTPCOption{
		mcptransport.WithHTTPTimeout(streamTimeout(cfg)),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, mcptransport.WithHTTPHeaders(cfg.Headers))
	}

	httpTransport, err := mcptransport.NewStreamableHTTP(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

func createSSEClient(cfg *ClientConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	// SSE holds a long-lived stream; keep-alives stay on and the client
	// timeout covers the whole stream lifetime.
	httpClient := &http.Client{
		Timeout: streamTimeout(cfg),
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 5,
		},
	}

	opts := []mcptransport.ClientOption{client.WithHTTPClient(httpClient)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, client.WithHeaders(cfg.Headers))
	}

	sseClient, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}

// streamTimeout pads the per-call timeout so the HTTP layer never races
// the dispatcher's own deadline.
func streamTimeout(cfg *ClientConfig) time.Duration {
	t := cfg.Timeout
	if t <= 0 {
		t = 60 * time.Second
	}
	return t * 3
}

// flattenEnv renders the env map as KEY=VALUE pairs in a stable order.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
