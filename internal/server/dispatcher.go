package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/index"
	"github.com/parasshah10/mcphub/internal/upstream"
)

const (
	hubName    = "mcphub"
	hubVersion = "1.0.0"

	searchToolsName = "search_tools"
	callToolName    = "call_tool"

	searchToolsDefaultLimit = 10
	searchToolsMaxLimit     = 50
)

// Dispatcher turns downstream JSON-RPC frames into upstream calls.
// One instance serves every session; per-session state lives on the
// Session itself.
type Dispatcher struct {
	logger    *zap.Logger
	store     *config.Store
	upstreams *upstream.Manager
	index     *index.Manager // nil disables smart routing
	sessions  *SessionManager
}

func NewDispatcher(store *config.Store, upstreams *upstream.Manager, idx *index.Manager, sessions *SessionManager, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger.Named("dispatch"),
		store:     store,
		upstreams: upstreams,
		index:     idx,
		sessions:  sessions,
	}
}

// HandleMessage processes one inbound frame and returns the response
// frame, or nil when none is due (notifications, cancelled requests).
func (d *Dispatcher) HandleMessage(ctx context.Context, session *Session, raw []byte) []byte {
	session.Touch()

	req, parseErr := parseRequest(raw)
	if parseErr != nil {
		return newError(nil, parseErr)
	}

	if req.IsNotification() {
		d.handleClientNotification(session, req)
		return nil
	}

	result, err := d.dispatch(ctx, session, req)
	if err != nil {
		if rpcErr, ok := err.(*rpcError); ok {
			return newError(req.ID, rpcErr)
		}
		d.logger.Error("Request failed",
			zap.String("method", req.Method),
			zap.String("session_id", session.ID),
			zap.Error(err))
		return newError(req.ID, mapDispatchError(err))
	}
	return newResult(req.ID, result)
}

func (d *Dispatcher) handleClientNotification(session *Session, req *rpcRequest) {
	switch req.Method {
	case "notifications/initialized":
		// Handshake complete; nothing to do.
	case "notifications/cancelled", "$/cancelRequest":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
			ID        json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return
		}
		id := params.RequestID
		if len(id) == 0 {
			id = params.ID
		}
		if len(id) > 0 {
			session.CancelRequest(string(id))
		}
	default:
		d.logger.Debug("Ignoring client notification",
			zap.String("method", req.Method))
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, session *Session, req *rpcRequest) (interface{}, error) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(), nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return d.handleToolsList(session)
	case "tools/call":
		return d.withCancellation(ctx, session, req, d.handleToolsCall)
	case "prompts/list":
		return d.handlePromptsList(session)
	case "prompts/get":
		return d.withCancellation(ctx, session, req, d.handlePromptsGet)
	case "resources/list":
		return d.handleResourcesList(session)
	case "resources/read":
		return d.withCancellation(ctx, session, req, d.handleResourcesRead)
	default:
		return nil, errNotFound("method not found: %s", req.Method)
	}
}

// withCancellation registers the request id so that session close and
// $/cancelRequest abort the upstream call.
func (d *Dispatcher) withCancellation(ctx context.Context, session *Session, req *rpcRequest, fn func(context.Context, *Session, json.RawMessage) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := string(req.ID)
	session.TrackRequest(id, cancel)
	defer session.FinishRequest(id)

	return fn(callCtx, session, req.Params)
}

func (d *Dispatcher) handleInitialize() interface{} {
	return map[string]interface{}{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": true},
			"prompts":   map[string]interface{}{"listChanged": true},
			"resources": map[string]interface{}{"listChanged": true},
		},
		"serverInfo": mcp.Implementation{
			Name:    hubName,
			Version: hubVersion,
		},
	}
}

// smartEnabled reports whether the session should see the meta-tools.
// Without a search backend smart scopes degrade to full listings.
func (d *Dispatcher) smartEnabled(session *Session) bool {
	return session.Scope.Smart() && d.index != nil
}

func (d *Dispatcher) handleToolsList(session *Session) (interface{}, error) {
	settings := d.store.Current()

	if d.smartEnabled(session) {
		return map[string]interface{}{
			"tools": smartTools(scopeDescription(settings, session.Scope)),
		}, nil
	}

	members, err := scopeMembers(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}

	entries := d.upstreams.Tools(members)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ServerName != entries[j].ServerName {
			return entries[i].ServerName < entries[j].ServerName
		}
		return entries[i].Name < entries[j].Name
	})

	seen := make(map[string]bool, len(entries))
	tools := make([]mcp.Tool, 0, len(entries))
	for _, entry := range entries {
		if seen[entry.QualifiedName] {
			continue
		}
		seen[entry.QualifiedName] = true
		tool := entry.Tool
		tool.Name = entry.QualifiedName
		tools = append(tools, tool)
	}
	return map[string]interface{}{"tools": tools}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, session *Session, rawParams json.RawMessage) (interface{}, error) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil || params.Name == "" {
		return nil, errInvalidParams("tools/call requires a tool name")
	}

	settings := d.store.Current()

	if d.smartEnabled(session) {
		switch params.Name {
		case searchToolsName:
			return d.handleSearchTools(ctx, settings, session, params.Arguments)
		case callToolName:
			return d.handleMetaCallTool(ctx, settings, session, params.Arguments)
		default:
			return nil, errNotFound("tool not found: %s", params.Name)
		}
	}

	return d.callScopedTool(ctx, settings, session, params.Name, params.Arguments)
}

// callScopedTool resolves a possibly-unqualified tool name within the
// session scope and forwards the call.
func (d *Dispatcher) callScopedTool(ctx context.Context, settings *config.Settings, session *Session, name string, args map[string]interface{}) (interface{}, error) {
	members, err := scopeMembers(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}

	qualified := name
	if _, _, ok := d.upstreams.ResolveQualified(name); !ok {
		qualified, err = d.resolveUnqualified(name, members)
		if err != nil {
			return nil, err
		}
	}
	return d.upstreams.CallTool(ctx, qualified, args, members)
}

// resolveUnqualified accepts a bare tool name when exactly one server
// in scope advertises it.
func (d *Dispatcher) resolveUnqualified(name string, members []config.GroupMember) (string, error) {
	var candidates []string
	for _, entry := range d.upstreams.Tools(members) {
		if entry.Name == name {
			candidates = append(candidates, entry.QualifiedName)
		}
	}
	switch len(candidates) {
	case 0:
		return "", errNotFound("tool not found: %s", name)
	case 1:
		return candidates[0], nil
	default:
		return "", errInvalidParams("tool name %q is ambiguous, use a qualified name: %s",
			name, strings.Join(candidates, ", "))
	}
}

func (d *Dispatcher) handleSearchTools(ctx context.Context, settings *config.Settings, session *Session, args map[string]interface{}) (interface{}, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("Query parameter is required"), nil
	}

	limit := searchToolsDefaultLimit
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
		if limit > searchToolsMaxLimit {
			limit = searchToolsMaxLimit
		}
	}

	allow, err := scopeServerSet(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}

	hits, err := d.index.Search(ctx, query, limit, allow)
	if err != nil {
		return nil, fmt.Errorf("tool search failed: %w", err)
	}

	members, err := scopeMembers(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}
	schemas := make(map[string]mcp.ToolInputSchema)
	for _, entry := range d.upstreams.Tools(members) {
		schemas[entry.QualifiedName] = entry.Tool.InputSchema
	}

	type foundTool struct {
		ServerName  string              `json:"serverName"`
		ToolName    string              `json:"toolName"`
		Description string              `json:"description"`
		InputSchema mcp.ToolInputSchema `json:"inputSchema"`
	}
	found := make([]foundTool, 0, len(hits))
	for _, hit := range hits {
		found = append(found, foundTool{
			ServerName:  hit.Document.ServerName,
			ToolName:    hit.Document.ToolName,
			Description: hit.Document.Description,
			InputSchema: schemas[hit.Document.ID],
		})
	}

	payload, err := json.Marshal(map[string]interface{}{"tools": found})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search results: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (d *Dispatcher) handleMetaCallTool(ctx context.Context, settings *config.Settings, session *Session, args map[string]interface{}) (interface{}, error) {
	toolName, _ := args["toolName"].(string)
	if toolName == "" {
		return nil, errInvalidParams("call_tool requires a toolName")
	}
	toolArgs, _ := args["arguments"].(map[string]interface{})
	return d.callScopedTool(ctx, settings, session, toolName, toolArgs)
}

func (d *Dispatcher) handlePromptsList(session *Session) (interface{}, error) {
	settings := d.store.Current()

	if d.smartEnabled(session) {
		return map[string]interface{}{"prompts": []mcp.Prompt{}}, nil
	}

	members, err := scopeMembers(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}

	entries := d.upstreams.Prompts(members)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ServerName != entries[j].ServerName {
			return entries[i].ServerName < entries[j].ServerName
		}
		return entries[i].Name < entries[j].Name
	})

	seen := make(map[string]bool, len(entries))
	prompts := make([]mcp.Prompt, 0, len(entries))
	for _, entry := range entries {
		if seen[entry.QualifiedName] {
			continue
		}
		seen[entry.QualifiedName] = true
		prompt := entry.Prompt
		prompt.Name = entry.QualifiedName
		prompts = append(prompts, prompt)
	}
	return map[string]interface{}{"prompts": prompts}, nil
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, session *Session, rawParams json.RawMessage) (interface{}, error) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil || params.Name == "" {
		return nil, errInvalidParams("prompts/get requires a prompt name")
	}

	settings := d.store.Current()
	if d.smartEnabled(session) {
		return nil, errNotFound("prompt not found: %s", params.Name)
	}

	members, err := scopeMembers(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}

	qualified := params.Name
	if _, _, ok := d.upstreams.ResolveQualified(params.Name); !ok {
		var candidates []string
		for _, entry := range d.upstreams.Prompts(members) {
			if entry.Name == params.Name {
				candidates = append(candidates, entry.QualifiedName)
			}
		}
		switch len(candidates) {
		case 0:
			return nil, errNotFound("prompt not found: %s", params.Name)
		case 1:
			qualified = candidates[0]
		default:
			return nil, errInvalidParams("prompt name %q is ambiguous, use a qualified name: %s",
				params.Name, strings.Join(candidates, ", "))
		}
	}
	return d.upstreams.GetPrompt(ctx, qualified, params.Arguments, members)
}

func (d *Dispatcher) handleResourcesList(session *Session) (interface{}, error) {
	settings := d.store.Current()
	if d.smartEnabled(session) {
		return map[string]interface{}{"resources": []mcp.Resource{}}, nil
	}

	members, err := scopeMembers(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}

	entries := d.upstreams.Resources(members)
	resources := make([]mcp.Resource, 0, len(entries))
	for _, entry := range entries {
		resources = append(resources, entry.Resource)
	}
	return map[string]interface{}{"resources": resources}, nil
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, session *Session, rawParams json.RawMessage) (interface{}, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil || params.URI == "" {
		return nil, errInvalidParams("resources/read requires a uri")
	}

	settings := d.store.Current()
	if d.smartEnabled(session) {
		return nil, errNotFound("resource not found: %s", params.URI)
	}

	members, err := scopeMembers(settings, session.Scope)
	if err != nil {
		return nil, errNotFound("%s", err.Error())
	}
	return d.upstreams.ReadResource(ctx, params.URI, members)
}

// BroadcastToolsChanged pushes a tools/list_changed notification to
// every session whose scope includes the originating server.
func (d *Dispatcher) BroadcastToolsChanged(serverName string) {
	frame := newNotification(mcp.MethodNotificationToolsListChanged, nil)
	settings := d.store.Current()
	d.sessions.Broadcast(frame, func(s *Session) bool {
		return scopeIncludesServer(settings, s.Scope, serverName)
	})
}

// ForwardUpstreamNotification fans an upstream notification in to the
// affected sessions. Progress notifications only reach sessions with a
// request currently in flight.
func (d *Dispatcher) ForwardUpstreamNotification(serverName string, n mcp.JSONRPCNotification) {
	frame := mustMarshal(n)
	settings := d.store.Current()
	progress := n.Method == "notifications/progress"

	d.sessions.Broadcast(frame, func(s *Session) bool {
		if !scopeIncludesServer(settings, s.Scope, serverName) {
			return false
		}
		if progress {
			return s.hasInflight()
		}
		return true
	})
}

func (s *Session) hasInflight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) > 0
}

func scopeIncludesServer(settings *config.Settings, scope RoutingScope, serverName string) bool {
	set, err := scopeServerSet(settings, scope)
	if err != nil {
		return false
	}
	return set == nil || set[serverName]
}

// scopeDescription renders the human phrase interpolated into the
// meta-tool descriptions.
func scopeDescription(settings *config.Settings, scope RoutingScope) string {
	if scope.Kind == ScopeSmartGroup {
		name := scope.ID
		if group := settings.Group(scope.ID); group != nil && group.Name != "" {
			name = group.Name
		}
		return fmt.Sprintf("servers in the %q group", name)
	}
	return "all available servers"
}

// smartTools returns the two meta-tools exposed in smart scopes.
func smartTools(scopePhrase string) []mcp.Tool {
	return []mcp.Tool{
		{
			Name: searchToolsName,
			Description: fmt.Sprintf(
				"Search for relevant tools across %s using a natural language query. "+
					"Returns matching tools with their descriptions and input schemas.", scopePhrase),
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Natural language description of the task",
					},
					"limit": map[string]interface{}{
						"type":        "number",
						"description": "Maximum number of results (default 10, max 50)",
					},
				},
				Required: []string{"query"},
			},
		},
		{
			Name: callToolName,
			Description: fmt.Sprintf(
				"Invoke a tool found via search_tools on %s. "+
					"Pass the tool name exactly as returned by the search.", scopePhrase),
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"toolName": map[string]interface{}{
						"type":        "string",
						"description": "Name of the tool to invoke",
					},
					"arguments": map[string]interface{}{
						"type":        "object",
						"description": "Arguments object for the tool",
					},
				},
				Required: []string{"toolName"},
			},
		},
	}
}
