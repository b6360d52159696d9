package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/oauth"
	"github.com/parasshah10/mcphub/internal/transport"
	"github.com/parasshah10/mcphub/internal/upstream/openapi"
	"github.com/parasshah10/mcphub/internal/upstream/types"
)

// TokenProvider yields the Authorization header value for an upstream
// that authenticates with OAuth. It returns ErrAuthorizationPending
// when user interaction is required.
type TokenProvider interface {
	Token(ctx context.Context, serverName string) (string, error)
	AuthorizationURL(serverName string) string
}


// Client manages one upstream server connection through its lifecycle.
// A background loop owns all reconnection; callers only issue requests
// and observe state.
type Client struct {
	name           string
	logger         *zap.Logger
	upstreamLogger *zap.Logger
	state          *types.StateManager
	auth           TokenProvider

	mu         sync.RWMutex
	cfg        *config.ServerConfig
	mcpClient  *mcpclient.Client
	api        *openapi.Client
	serverInfo *mcp.InitializeResult

	cachedTools     []mcp.Tool
	cachedPrompts   []mcp.Prompt
	cachedResources []mcp.Resource

	onToolsChanged func(serverName string)
	onNotification func(serverName string, n mcp.JSONRPCNotification)

	reconnectCh chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}

	progressMu    sync.Mutex
	progressSeq   int
	progressWatch map[int]func()
}

// NewClient builds a client for one settings entry. Run must be called
// to start the connection loop.
func NewClient(name string, cfg *config.ServerConfig, auth TokenProvider, logger, upstreamLogger *zap.Logger) *Client {
	return &Client{
		name:           name,
		cfg:            cfg,
		auth:           auth,
		logger:         logger.With(zap.String("server", name)),
		upstreamLogger: upstreamLogger,
		state:          types.NewStateManager(),
		reconnectCh:    make(chan struct{}, 1),
		progressWatch:  make(map[int]func()),
	}
}

// Name returns the settings key of this upstream.
func (c *Client) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Client) State() types.ConnectionState { return c.state.State() }

// Info returns a status snapshot.
func (c *Client) Info() types.ConnectionInfo { return c.state.Info() }

// SetToolsChangedHandler registers the callback fired on
// notifications/tools/list_changed after the cache is refreshed.
func (c *Client) SetToolsChangedHandler(fn func(serverName string)) {
	c.mu.Lock()
	c.onToolsChanged = fn
	c.mu.Unlock()
}

// SetNotificationHandler registers the passthrough for all upstream
// notifications.
func (c *Client) SetNotificationHandler(fn func(serverName string, n mcp.JSONRPCNotification)) {
	c.mu.Lock()
	c.onNotification = fn
	c.mu.Unlock()
}

// Run starts the connection loop. It returns immediately and is a
// no-op while a loop is already running.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.maintain(runCtx)
	}()
}

// halt stops the loop and waits for it to exit.
func (c *Client) halt() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Stop terminates the loop and moves the client to its terminal state.
func (c *Client) Stop() {
	c.halt()
	c.state.TransitionTo(types.StateRemoved)
}

// Disconnect stops the loop but leaves the client restartable; a later
// Run brings the connection back.
func (c *Client) Disconnect() {
	c.halt()
	c.state.TransitionTo(types.StateDisconnected)
}

// TriggerReconnect wakes the loop for an immediate attempt, resetting
// the backoff. Used after config changes and completed authorizations.
func (c *Client) TriggerReconnect() {
	c.state.ResetRetries()
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// UpdateConfig swaps the server configuration and forces a reconnect.
func (c *Client) UpdateConfig(cfg *config.ServerConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.TriggerReconnect()
}

func (c *Client) maintain(ctx context.Context) {
	defer c.teardown()

	for {
		if ctx.Err() != nil {
			return
		}

		c.state.TransitionTo(types.StateConnecting)
		// Fresh channel per attempt so a loss event from a torn-down
		// connection cannot leak into the next one.
		lost := make(chan error, 1)
		err := c.connect(ctx, lost)
		if err == nil {
			c.state.TransitionTo(types.StateConnected)
			c.logger.Info("Upstream connected")

			select {
			case <-ctx.Done():
				return
			case <-c.reconnectCh:
				c.logger.Info("Reconnect requested, closing current connection")
				c.teardown()
				continue
			case err = <-lost:
				c.logger.Warn("Upstream connection lost", zap.Error(err))
				c.teardown()
			}
		}

		if ctx.Err() != nil {
			return
		}

		if isAuthError(err) || errors.Is(err, oauth.ErrAuthorizationPending) {
			c.state.RecordFailure(err)
			c.state.TransitionTo(types.StateOAuthRequired)
			c.logger.Warn("Upstream requires authorization", zap.Error(err))

			// No backoff polling here: the coordinator wakes us when
			// the callback lands.
			select {
			case <-ctx.Done():
				return
			case <-c.reconnectCh:
				continue
			}
		}

		delay := c.state.RecordFailure(err)
		c.state.TransitionTo(types.StateDisconnected)
		c.logger.Warn("Upstream connection failed",
			zap.Error(err),
			zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-c.reconnectCh:
		case <-time.After(delay):
		}
	}
}

func (c *Client) connect(ctx context.Context, lost chan<- error) error {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	if cfg.EffectiveType() == config.TypeOpenAPI {
		return c.connectOpenAPI(ctx, cfg)
	}
	return c.connectMCP(ctx, cfg, lost)
}

func (c *Client) connectOpenAPI(ctx context.Context, cfg *config.ServerConfig) error {
	api, err := openapi.NewClient(ctx, c.name, cfg.OpenAPI, c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.api = api
	c.cachedTools = api.Tools()
	c.cachedPrompts = nil
	c.cachedResources = nil
	c.mu.Unlock()

	c.state.SetServerInfo(c.name, cfg.OpenAPI.Version)
	return nil
}

func (c *Client) connectMCP(ctx context.Context, cfg *config.ServerConfig, lost chan<- error) error {
	clientCfg := transport.FromServerConfig(cfg)

	if cfg.OAuth != nil && c.auth != nil {
		token, err := c.auth.Token(ctx, c.name)
		if err != nil {
			return err
		}
		if token != "" {
			if clientCfg.Headers == nil {
				clientCfg.Headers = map[string]string{}
			}
			clientCfg.Headers["Authorization"] = "Bearer " + token
		}
	}

	result, err := transport.CreateClient(clientCfg)
	if err != nil {
		return err
	}
	cli := result.Client

	// Wakes the maintain loop into its disconnected/backoff branch when
	// the transport drops mid-session.
	cli.OnConnectionLost(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	if err := cli.Start(ctx); err != nil {
		cli.Close()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	// Drain stderr from the moment the subprocess runs so startup
	// failures are captured too. The pipe exists only after Start.
	if stderr := result.Stderr(); stderr != nil {
		go c.drainStderr(ctx, stderr)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mcphub",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	initCtx, cancel := context.WithTimeout(ctx, clientCfg.Timeout)
	serverInfo, err := cli.Initialize(initCtx, initRequest)
	cancel()
	if err != nil {
		cli.Close()
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	c.logger.Info("MCP initialization successful",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	if c.upstreamLogger != nil {
		c.upstreamLogger.Info("Initialized",
			zap.String("server_name", serverInfo.ServerInfo.Name),
			zap.String("protocol_version", serverInfo.ProtocolVersion))
	}

	cli.OnNotification(func(n mcp.JSONRPCNotification) {
		c.handleNotification(n)
	})

	c.mu.Lock()
	c.mcpClient = cli
	c.api = nil
	c.serverInfo = serverInfo
	c.mu.Unlock()

	c.state.SetServerInfo(serverInfo.ServerInfo.Name, serverInfo.ServerInfo.Version)

	return c.refreshCatalogs(ctx)
}

// refreshCatalogs repopulates the tool, prompt, and resource caches
// from the live connection, honouring advertised capabilities.
func (c *Client) refreshCatalogs(ctx context.Context) error {
	c.mu.RLock()
	cli := c.mcpClient
	serverInfo := c.serverInfo
	c.mu.RUnlock()

	if cli == nil || serverInfo == nil {
		return fmt.Errorf("client not connected")
	}

	var tools []mcp.Tool
	if serverInfo.Capabilities.Tools != nil {
		result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		tools = result.Tools
	}

	var prompts []mcp.Prompt
	if serverInfo.Capabilities.Prompts != nil {
		result, err := cli.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			c.logger.Warn("Failed to list prompts", zap.Error(err))
		} else {
			prompts = result.Prompts
		}
	}

	var resources []mcp.Resource
	if serverInfo.Capabilities.Resources != nil {
		result, err := cli.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			c.logger.Warn("Failed to list resources", zap.Error(err))
		} else {
			resources = result.Resources
		}
	}

	c.mu.Lock()
	c.cachedTools = tools
	c.cachedPrompts = prompts
	c.cachedResources = resources
	c.mu.Unlock()

	c.logger.Info("Catalog refreshed",
		zap.Int("tool_count", len(tools)),
		zap.Int("prompt_count", len(prompts)),
		zap.Int("resource_count", len(resources)))
	return nil
}

// watchProgress registers a callback fired on every progress
// notification from this upstream. The returned func removes it.
func (c *Client) watchProgress(fn func()) (remove func()) {
	c.progressMu.Lock()
	c.progressSeq++
	id := c.progressSeq
	c.progressWatch[id] = fn
	c.progressMu.Unlock()
	return func() {
		c.progressMu.Lock()
		delete(c.progressWatch, id)
		c.progressMu.Unlock()
	}
}

func (c *Client) handleNotification(n mcp.JSONRPCNotification) {
	c.mu.RLock()
	toolsChanged := c.onToolsChanged
	passthrough := c.onNotification
	c.mu.RUnlock()

	if n.Method == "notifications/progress" {
		c.progressMu.Lock()
		for _, fn := range c.progressWatch {
			fn()
		}
		c.progressMu.Unlock()
	}

	if n.Method == string(mcp.MethodNotificationToolsListChanged) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.refreshCatalogs(ctx); err != nil {
			c.logger.Warn("Failed to refresh tools after list_changed", zap.Error(err))
		}
		cancel()
		if toolsChanged != nil {
			toolsChanged(c.name)
		}
	}

	if passthrough != nil {
		passthrough(c.name, n)
	}
}

// drainStderr copies subprocess stderr lines into the per-server log.
func (c *Client) drainStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if c.upstreamLogger != nil {
			c.upstreamLogger.Info("stderr", zap.String("line", line))
		} else {
			c.logger.Debug("upstream stderr", zap.String("line", line))
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	cli := c.mcpClient
	c.mcpClient = nil
	c.api = nil
	c.serverInfo = nil
	c.mu.Unlock()

	if cli != nil {
		closeDone := make(chan struct{})
		go func() {
			cli.Close()
			close(closeDone)
		}()
		select {
		case <-closeDone:
		case <-time.After(5 * time.Second):
			c.logger.Warn("MCP client close timed out")
		}
	}
}

// Tools returns the cached tool catalog.
func (c *Client) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.cachedTools))
	copy(out, c.cachedTools)
	return out
}

// Prompts returns the cached prompt catalog.
func (c *Client) Prompts() []mcp.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Prompt, len(c.cachedPrompts))
	copy(out, c.cachedPrompts)
	return out
}

// Resources returns the cached resource catalog.
func (c *Client) Resources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Resource, len(c.cachedResources))
	copy(out, c.cachedResources)
	return out
}

// SetToolOverride flips the enabled flag for one tool. The override
// map is copied so the shared settings snapshot stays untouched; a
// settings reload supersedes the change.
func (c *Client) SetToolOverride(toolName string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := *c.cfg
	tools := make(map[string]*config.ToolOverride, len(cfg.Tools)+1)
	for name, override := range cfg.Tools {
		tools[name] = override
	}
	override := &config.ToolOverride{Enabled: enabled}
	if prev := tools[toolName]; prev != nil {
		override.Description = prev.Description
	}
	tools[toolName] = override
	cfg.Tools = tools
	c.cfg = &cfg
}

// SetPromptOverride mirrors SetToolOverride for prompts.
func (c *Client) SetPromptOverride(promptName string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := *c.cfg
	prompts := make(map[string]*config.PromptOverride, len(cfg.Prompts)+1)
	for name, override := range cfg.Prompts {
		prompts[name] = override
	}
	override := &config.PromptOverride{Enabled: enabled}
	if prev := prompts[promptName]; prev != nil {
		override.Description = prev.Description
	}
	prompts[promptName] = override
	cfg.Prompts = prompts
	c.cfg = &cfg
}

// Connected reports whether requests can currently be served.
func (c *Client) Connected() bool {
	return c.state.State() == types.StateConnected
}

// CallTool invokes a tool on this upstream, bounded by the per-call
// timeout. With resetTimeoutOnProgress the timeout is an idle deadline
// that progress notifications push out; any ceiling on the caller's
// context still holds.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	cli := c.mcpClient
	api := c.api
	opts := c.cfg.Options
	c.mu.RUnlock()

	if !c.Connected() {
		return nil, fmt.Errorf("server %s is not connected", c.name)
	}

	idle := opts.Timeout()
	callCtx := ctx
	var timedOut atomic.Bool
	if opts.ResetOnProgress() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		timer := time.AfterFunc(idle, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
		remove := c.watchProgress(func() { timer.Reset(idle) })
		defer remove()
	} else if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, idle)
		defer cancel()
	}

	if api != nil {
		return api.CallTool(callCtx, toolName, args)
	}
	if cli == nil {
		return nil, fmt.Errorf("server %s is not connected", c.name)
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = args

	if c.upstreamLogger != nil {
		c.upstreamLogger.Info("CallTool", zap.String("tool", toolName))
	}

	result, err := cli.CallTool(callCtx, request)
	if err != nil {
		if c.upstreamLogger != nil {
			c.upstreamLogger.Error("CallTool failed",
				zap.String("tool", toolName), zap.Error(err))
		}
		if callCtx.Err() == context.DeadlineExceeded || timedOut.Load() {
			return nil, fmt.Errorf("tool call %s timed out: %w", toolName, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("tool call %s failed: %w", toolName, err)
	}
	return result, nil
}

// GetPrompt fetches a prompt by name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	c.mu.RLock()
	cli := c.mcpClient
	c.mu.RUnlock()

	if cli == nil || !c.Connected() {
		return nil, fmt.Errorf("server %s is not connected", c.name)
	}

	request := mcp.GetPromptRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	result, err := cli.GetPrompt(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("get prompt %s failed: %w", name, err)
	}
	return result, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.RLock()
	cli := c.mcpClient
	c.mu.RUnlock()

	if cli == nil || !c.Connected() {
		return nil, fmt.Errorf("server %s is not connected", c.name)
	}

	request := mcp.ReadResourceRequest{}
	request.Params.URI = uri
	result, err := cli.ReadResource(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("read resource %s failed: %w", uri, err)
	}
	return result, nil
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	cli := c.mcpClient
	api := c.api
	c.mu.RUnlock()

	if api != nil {
		return nil
	}
	if cli == nil || !c.Connected() {
		return fmt.Errorf("server %s is not connected", c.name)
	}
	return cli.Ping(ctx)
}

// AuthorizationURL returns the pending authorization URL when the
// upstream waits for user consent.
func (c *Client) AuthorizationURL() string {
	if c.auth == nil {
		return ""
	}
	return c.auth.AuthorizationURL(c.name)
}

// isAuthError matches the HTTP challenge shapes upstreams use to
// demand OAuth.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"401", "Unauthorized", "unauthorized", "invalid_token"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
