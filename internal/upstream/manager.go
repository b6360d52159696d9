// Package upstream owns the registry of upstream MCP server
// connections and the catalogs they expose.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/logs"
	"github.com/parasshah10/mcphub/internal/storage"
	"github.com/parasshah10/mcphub/internal/upstream/types"
)

// Sentinel errors the dispatcher maps onto JSON-RPC error codes.
var (
	ErrServerNotFound = errors.New("server not found")
	ErrToolNotFound   = errors.New("tool not found")
	ErrPromptNotFound = errors.New("prompt not found")
	ErrNotConnected   = errors.New("server not connected")
)

// AuthRequiredError signals that the target upstream waits for user
// authorization. It carries the URL the user must visit.
type AuthRequiredError struct {
	Server           string
	AuthorizationURL string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("server %s requires authorization", e.Server)
}

// ToolEntry is one row of a qualified tool catalog.
type ToolEntry struct {
	ServerName    string
	Name          string
	QualifiedName string
	Tool          mcp.Tool
}

// PromptEntry is one row of a qualified prompt catalog.
type PromptEntry struct {
	ServerName    string
	Name          string
	QualifiedName string
	Prompt        mcp.Prompt
}

// ResourceEntry is one row of a resource catalog. Resource URIs are
// globally unique, so they are not qualified.
type ResourceEntry struct {
	ServerName string
	Resource   mcp.Resource
}

// Manager owns all upstream clients and reconciles them against the
// settings document.
type Manager struct {
	logger    *zap.Logger
	separator string
	auth      TokenProvider
	storage   *storage.Manager
	logCfg    *config.LogConfig

	mu       sync.RWMutex
	clients  map[string]*Client
	settings *config.Settings

	onToolsChanged func(serverName string)
	onNotification func(serverName string, n mcp.JSONRPCNotification)
}

// NewManager creates an empty registry. Apply populates it.
func NewManager(separator string, auth TokenProvider, store *storage.Manager, logCfg *config.LogConfig, logger *zap.Logger) *Manager {
	if separator == "" {
		separator = config.DefaultNameSeparator
	}
	return &Manager{
		logger:    logger,
		separator: separator,
		auth:      auth,
		storage:   store,
		logCfg:    logCfg,
		clients:   make(map[string]*Client),
	}
}

// Separator returns the qualified-name separator.
func (m *Manager) Separator() string { return m.separator }

// SetToolsChangedHandler registers the callback fired when any
// upstream's tool catalog changes. Must be called before Apply.
func (m *Manager) SetToolsChangedHandler(fn func(serverName string)) {
	m.mu.Lock()
	m.onToolsChanged = fn
	m.mu.Unlock()
}

// SetNotificationHandler registers the passthrough for upstream
// notifications. Must be called before Apply.
func (m *Manager) SetNotificationHandler(fn func(serverName string, n mcp.JSONRPCNotification)) {
	m.mu.Lock()
	m.onNotification = fn
	m.mu.Unlock()
}

// Apply reconciles the running clients against a new settings snapshot.
// New servers connect, removed or disabled servers stop, and servers
// whose config changed reconnect with the new config. Unchanged servers
// keep their live connections.
func (m *Manager) Apply(ctx context.Context, settings *config.Settings) {
	m.mu.Lock()
	m.settings = settings

	desired := map[string]*config.ServerConfig{}
	for name, cfg := range settings.MCPServers {
		if cfg.IsEnabled() {
			desired[name] = cfg
		}
	}

	var toStop []*Client
	for name, cli := range m.clients {
		if _, ok := desired[name]; !ok {
			toStop = append(toStop, cli)
			delete(m.clients, name)
		}
	}

	var toStart []*Client
	for name, cfg := range desired {
		existing, ok := m.clients[name]
		if !ok {
			cli := m.newClientLocked(name, cfg)
			m.clients[name] = cli
			toStart = append(toStart, cli)
			continue
		}
		if !sameServerConfig(existing.Config(), cfg) {
			m.logger.Info("Server config changed, reconnecting", zap.String("server", name))
			existing.UpdateConfig(cfg)
		}
	}
	m.mu.Unlock()

	for _, cli := range toStop {
		m.logger.Info("Stopping removed upstream", zap.String("server", cli.Name()))
		go cli.Stop()
	}
	for _, cli := range toStart {
		m.logger.Info("Starting upstream", zap.String("server", cli.Name()))
		cli.Run(ctx)
	}
}

func (m *Manager) newClientLocked(name string, cfg *config.ServerConfig) *Client {
	upstreamLogger, err := logs.CreateUpstreamServerLogger(m.logCfg, name)
	if err != nil {
		m.logger.Warn("Failed to create per-server log, using main logger",
			zap.String("server", name), zap.Error(err))
		upstreamLogger = nil
	}
	cli := NewClient(name, cfg, m.auth, m.logger, upstreamLogger)
	cli.SetToolsChangedHandler(func(serverName string) {
		m.mu.RLock()
		fn := m.onToolsChanged
		m.mu.RUnlock()
		if fn != nil {
			fn(serverName)
		}
	})
	cli.SetNotificationHandler(func(serverName string, n mcp.JSONRPCNotification) {
		m.mu.RLock()
		fn := m.onNotification
		m.mu.RUnlock()
		if fn != nil {
			fn(serverName, n)
		}
	})
	return cli
}

// StopAll shuts every client down. Used on process exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, cli := range m.clients {
		clients = append(clients, cli)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cli := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Stop()
		}(cli)
	}
	wg.Wait()
}

// Client returns the named client.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cli, ok := m.clients[name]
	return cli, ok
}

// Names returns the registered server names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns a state snapshot per server.
func (m *Manager) Status() map[string]types.ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.ConnectionInfo, len(m.clients))
	for name, cli := range m.clients {
		out[name] = cli.Info()
	}
	return out
}

// Connect starts or wakes the named upstream. Already-connected
// servers are left alone.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cli, ok := m.Client(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if cli.Connected() {
		return nil
	}
	cli.Run(ctx)
	cli.TriggerReconnect()
	return nil
}

// Disconnect stops the named upstream but keeps it registered, so a
// later Connect or settings change can bring it back.
func (m *Manager) Disconnect(name string) error {
	cli, ok := m.Client(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	cli.Disconnect()
	return nil
}

// ReconnectAll drops and redials every upstream.
func (m *Manager) ReconnectAll() {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, cli := range m.clients {
		clients = append(clients, cli)
	}
	m.mu.RUnlock()

	for _, cli := range clients {
		cli.TriggerReconnect()
	}
}

// ToggleTool enables or disables one tool on a server. The change
// takes effect immediately in catalogs and call routing; persisting it
// in the settings document is the caller's concern.
func (m *Manager) ToggleTool(serverName, toolName string, enabled bool) error {
	cli, ok := m.Client(serverName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	cli.SetToolOverride(toolName, enabled)

	m.mu.RLock()
	fn := m.onToolsChanged
	m.mu.RUnlock()
	if fn != nil {
		fn(serverName)
	}
	return nil
}

// TogglePrompt mirrors ToggleTool for prompts.
func (m *Manager) TogglePrompt(serverName, promptName string, enabled bool) error {
	cli, ok := m.Client(serverName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	cli.SetPromptOverride(promptName, enabled)
	return nil
}

// Qualify joins a server and tool name into the qualified form.
func (m *Manager) Qualify(serverName, toolName string) string {
	return serverName + m.separator + toolName
}

// ResolveQualified splits a qualified name at the first separator
// occurrence, so tool names containing the separator survive.
func (m *Manager) ResolveQualified(qualified string) (serverName, name string, ok bool) {
	idx := strings.Index(qualified, m.separator)
	if idx <= 0 || idx+len(m.separator) >= len(qualified) {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+len(m.separator):], true
}

// Tools builds the qualified tool catalog for a set of group members.
// A nil member list means every server with all its tools. Overridden
// descriptions are applied and disabled tools are dropped.
func (m *Manager) Tools(members []config.GroupMember) []ToolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ToolEntry
	for _, member := range m.resolveMembersLocked(members) {
		cli, ok := m.clients[member.Name]
		if !ok || !cli.Connected() {
			continue
		}
		cfg := cli.Config()
		for _, tool := range cli.Tools() {
			if !member.AllowsTool(tool.Name) {
				continue
			}
			override := cfg.Tools[tool.Name]
			if override != nil && !override.Enabled {
				continue
			}
			if override != nil && override.Description != "" {
				tool.Description = override.Description
			}
			out = append(out, ToolEntry{
				ServerName:    member.Name,
				Name:          tool.Name,
				QualifiedName: m.Qualify(member.Name, tool.Name),
				Tool:          tool,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// Prompts builds the qualified prompt catalog for a set of members.
func (m *Manager) Prompts(members []config.GroupMember) []PromptEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PromptEntry
	for _, member := range m.resolveMembersLocked(members) {
		cli, ok := m.clients[member.Name]
		if !ok || !cli.Connected() {
			continue
		}
		cfg := cli.Config()
		for _, prompt := range cli.Prompts() {
			override := cfg.Prompts[prompt.Name]
			if override != nil && !override.Enabled {
				continue
			}
			if override != nil && override.Description != "" {
				prompt.Description = override.Description
			}
			out = append(out, PromptEntry{
				ServerName:    member.Name,
				Name:          prompt.Name,
				QualifiedName: m.Qualify(member.Name, prompt.Name),
				Prompt:        prompt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// Resources builds the resource catalog for a set of members.
func (m *Manager) Resources(members []config.GroupMember) []ResourceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ResourceEntry
	for _, member := range m.resolveMembersLocked(members) {
		cli, ok := m.clients[member.Name]
		if !ok || !cli.Connected() {
			continue
		}
		for _, res := range cli.Resources() {
			out = append(out, ResourceEntry{ServerName: member.Name, Resource: res})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource.URI < out[j].Resource.URI })
	return out
}

// resolveMembersLocked expands a nil member list into all servers.
func (m *Manager) resolveMembersLocked(members []config.GroupMember) []config.GroupMember {
	if members != nil {
		return members
	}
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]config.GroupMember, 0, len(names))
	for _, name := range names {
		out = append(out, config.GroupMember{Name: name})
	}
	return out
}

// CallTool invokes a qualified tool. The allowed member list scopes the
// call; nil allows every server.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args map[string]interface{}, members []config.GroupMember) (*mcp.CallToolResult, error) {
	serverName, toolName, ok := m.ResolveQualified(qualifiedName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, qualifiedName)
	}
	if !memberAllows(members, serverName, toolName) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, qualifiedName)
	}
	result, err := m.CallServerTool(ctx, serverName, toolName, args)
	if err != nil {
		return nil, err
	}
	if m.storage != nil {
		if err := m.storage.IncrementToolUsage(qualifiedName); err != nil {
			m.logger.Debug("Failed to record tool usage", zap.Error(err))
		}
	}
	return result, nil
}

// CallServerTool invokes a bare tool name on a specific server.
func (m *Manager) CallServerTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	cli, ok := m.Client(serverName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}

	cfg := cli.Config()
	if override := cfg.Tools[toolName]; override != nil && !override.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	switch cli.State() {
	case types.StateOAuthRequired:
		return nil, &AuthRequiredError{Server: serverName, AuthorizationURL: cli.AuthorizationURL()}
	case types.StateConnected:
	default:
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotConnected, serverName, cli.State())
	}

	// maxTotalTimeoutMs is a hard ceiling regardless of caller deadline.
	if max := cfg.Options.MaxTotalTimeout(); max > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	return cli.CallTool(ctx, toolName, args)
}

// GetPrompt fetches a qualified prompt.
func (m *Manager) GetPrompt(ctx context.Context, qualifiedName string, args map[string]string, members []config.GroupMember) (*mcp.GetPromptResult, error) {
	serverName, promptName, ok := m.ResolveQualified(qualifiedName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, qualifiedName)
	}
	if members != nil && !membersContain(members, serverName) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, qualifiedName)
	}
	cli, found := m.Client(serverName)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	cfg := cli.Config()
	if override := cfg.Prompts[promptName]; override != nil && !override.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, qualifiedName)
	}
	if !cli.Connected() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotConnected, serverName, cli.State())
	}
	return cli.GetPrompt(ctx, promptName, args)
}

// ReadResource locates the server advertising the URI and reads it.
func (m *Manager) ReadResource(ctx context.Context, uri string, members []config.GroupMember) (*mcp.ReadResourceResult, error) {
	for _, entry := range m.Resources(members) {
		if entry.Resource.URI != uri {
			continue
		}
		cli, ok := m.Client(entry.ServerName)
		if !ok {
			continue
		}
		return cli.ReadResource(ctx, uri)
	}
	return nil, fmt.Errorf("resource not found: %s", uri)
}

// Config returns the current server config of a client.
func (c *Client) Config() *config.ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func memberAllows(members []config.GroupMember, serverName, toolName string) bool {
	if members == nil {
		return true
	}
	for i := range members {
		if members[i].Name == serverName {
			return members[i].AllowsTool(toolName)
		}
	}
	return false
}

func membersContain(members []config.GroupMember, serverName string) bool {
	for i := range members {
		if members[i].Name == serverName {
			return true
		}
	}
	return false
}

// sameServerConfig compares two configs through their JSON encoding,
// ignoring volatile OAuth flow state so token persistence does not
// bounce a healthy connection.
func sameServerConfig(a, b *config.ServerConfig) bool {
	aj, errA := json.Marshal(normalizeForCompare(a))
	bj, errB := json.Marshal(normalizeForCompare(b))
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func normalizeForCompare(cfg *config.ServerConfig) *config.ServerConfig {
	if cfg == nil || cfg.OAuth == nil {
		return cfg
	}
	out := *cfg
	oc := *cfg.OAuth
	oc.AccessToken = ""
	oc.RefreshToken = ""
	oc.PendingAuthorization = nil
	if oc.DynamicRegistration != nil && oc.DynamicRegistration.Enabled {
		// DCR assigns these at runtime.
		oc.ClientID = ""
		oc.ClientSecret = ""
		oc.AuthorizationEndpoint = ""
		oc.TokenEndpoint = ""
	}
	out.OAuth = &oc
	return &out
}
