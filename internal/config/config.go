package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server types supported as upstreams.
const (
	TypeStdio          = "stdio"
	TypeSSE            = "sse"
	TypeStreamableHTTP = "streamable-http"
	TypeOpenAPI        = "openapi"
)

// DefaultNameSeparator joins server and tool names in qualified tool names.
const DefaultNameSeparator = "::"

// Settings is the configuration document stored in mcp_settings.json.
// It is the single source of truth for upstream servers, groups, users,
// and system-level routing behaviour.
type Settings struct {
	MCPServers   map[string]*ServerConfig `json:"mcpServers"`
	Users        []*UserConfig            `json:"users,omitempty"`
	Groups       map[string]*GroupConfig  `json:"groups,omitempty"`
	SystemConfig *SystemConfig            `json:"systemConfig,omitempty"`
	UserConfigs  map[string]*SystemConfig `json:"userConfigs,omitempty"`
}

// UserConfig is a hub user account. Password administration is handled
// outside the core; the hub only reads these entries.
type UserConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash,omitempty"`
	IsAdmin      bool   `json:"isAdmin,omitempty"`
}

// GroupConfig scopes a set of upstream servers under one route.
type GroupConfig struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Servers     []GroupMember `json:"servers"`
}

// GroupMember is either a bare server name or a server name with a tool
// allowlist. The JSON form is a plain string or {"name": ..., "tools": ...}.
type GroupMember struct {
	Name  string   `json:"name"`
	Tools []string `json:"tools,omitempty"` // nil means "all"
}

// AllowsTool reports whether the member exposes the given tool name.
func (m *GroupMember) AllowsTool(toolName string) bool {
	if m.Tools == nil {
		return true
	}
	for _, t := range m.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts both the string and the object member forms.
func (m *GroupMember) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		m.Name = name
		m.Tools = nil
		return nil
	}

	var obj struct {
		Name  string          `json:"name"`
		Tools json.RawMessage `json:"tools,omitempty"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("group member must be a string or an object: %w", err)
	}
	m.Name = obj.Name
	m.Tools = nil

	if len(obj.Tools) == 0 {
		return nil
	}
	var all string
	if err := json.Unmarshal(obj.Tools, &all); err == nil {
		if all != "all" {
			return fmt.Errorf("group member tools: expected \"all\" or a list, got %q", all)
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(obj.Tools, &list); err != nil {
		return fmt.Errorf("group member tools: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	m.Tools = list
	return nil
}

// MarshalJSON renders the compact string form when no tool filter is set.
func (m GroupMember) MarshalJSON() ([]byte, error) {
	if m.Tools == nil {
		return json.Marshal(m.Name)
	}
	type alias struct {
		Name  string   `json:"name"`
		Tools []string `json:"tools"`
	}
	return json.Marshal(alias{Name: m.Name, Tools: m.Tools})
}

// ServerConfig describes one upstream MCP server. The Type field selects
// the transport variant; the remaining fields are variant-specific.
type ServerConfig struct {
	Type string `json:"type,omitempty"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse / streamable-http
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// openapi
	OpenAPI *OpenAPIConfig `json:"openapi,omitempty"`

	Enabled *bool                      `json:"enabled,omitempty"`
	Options *ServerOptions             `json:"options,omitempty"`
	Tools   map[string]*ToolOverride   `json:"tools,omitempty"`
	Prompts map[string]*PromptOverride `json:"prompts,omitempty"`
	OAuth   *OAuthConfig               `json:"oauth,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveType resolves the transport variant, auto-detecting legacy
// documents that omit the type field.
func (s *ServerConfig) EffectiveType() string {
	if s.Type != "" {
		return s.Type
	}
	if s.Command != "" {
		return TypeStdio
	}
	if s.OpenAPI != nil {
		return TypeOpenAPI
	}
	if s.URL != "" {
		return TypeStreamableHTTP
	}
	return TypeStdio
}

// ServerOptions bound per-call behaviour for one upstream.
type ServerOptions struct {
	TimeoutMs              int64 `json:"timeoutMs,omitempty"`
	ResetTimeoutOnProgress bool  `json:"resetTimeoutOnProgress,omitempty"`
	MaxTotalTimeoutMs      int64 `json:"maxTotalTimeoutMs,omitempty"`
}

// Timeout returns the per-call deadline, defaulting to 60 seconds.
func (o *ServerOptions) Timeout() time.Duration {
	if o == nil || o.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// ResetOnProgress reports whether progress notifications extend the
// per-call deadline.
func (o *ServerOptions) ResetOnProgress() bool {
	return o != nil && o.ResetTimeoutOnProgress
}

// MaxTotalTimeout returns the hard ceiling, or zero when unset.
func (o *ServerOptions) MaxTotalTimeout() time.Duration {
	if o == nil || o.MaxTotalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.MaxTotalTimeoutMs) * time.Millisecond
}

// ToolOverride enables/disables a tool and optionally replaces its
// description in catalog listings.
type ToolOverride struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// PromptOverride mirrors ToolOverride for prompts.
type PromptOverride struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// OpenAPIConfig configures an OpenAPI-synthesised upstream.
type OpenAPIConfig struct {
	URL                string           `json:"url,omitempty"`
	Schema             json.RawMessage  `json:"schema,omitempty"`
	Version            string           `json:"version,omitempty"`
	Security           *OpenAPISecurity `json:"security,omitempty"`
	PassthroughHeaders []string         `json:"passthroughHeaders,omitempty"`
}

// OpenAPISecurity selects how synthesised HTTP calls authenticate.
type OpenAPISecurity struct {
	Type string `json:"type,omitempty"` // apiKey, http, none

	// apiKey
	In    string `json:"in,omitempty"` // header or query
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`

	// http
	Scheme   string `json:"scheme,omitempty"` // bearer or basic
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// OAuthConfig holds upstream OAuth credentials and flow state. Access
// tokens must never be logged; see logs.SanitizeValue.
type OAuthConfig struct {
	ClientID              string                `json:"clientId,omitempty"`
	ClientSecret          string                `json:"clientSecret,omitempty"`
	Scopes                []string              `json:"scopes,omitempty"`
	AccessToken           string                `json:"accessToken,omitempty"`
	RefreshToken          string                `json:"refreshToken,omitempty"`
	AuthorizationEndpoint string                `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string                `json:"tokenEndpoint,omitempty"`
	Resource              string                `json:"resource,omitempty"`
	DynamicRegistration   *DynamicRegistration  `json:"dynamicRegistration,omitempty"`
	PendingAuthorization  *PendingAuthorization `json:"pendingAuthorization,omitempty"`
}

// DynamicRegistration configures RFC 7591 dynamic client registration.
type DynamicRegistration struct {
	Enabled              bool                   `json:"enabled"`
	Issuer               string                 `json:"issuer,omitempty"`
	RegistrationEndpoint string                 `json:"registrationEndpoint,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	InitialAccessToken   string                 `json:"initialAccessToken,omitempty"`
}

// PendingAuthorization is the persisted intermediate state of an
// authorization-code flow, kept until the callback arrives or it expires.
type PendingAuthorization struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	State            string    `json:"state"`
	CodeVerifier     string    `json:"codeVerifier"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PendingAuthorizationTTL bounds how long a pending authorization stays
// valid before it is garbage-collected.
const PendingAuthorizationTTL = 30 * time.Minute

// Expired reports whether the pending authorization is older than the TTL.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > PendingAuthorizationTTL
}

// SystemConfig groups routing, smart routing, and the optional OAuth
// proxy configuration. Non-admin users may carry their own override in
// Settings.UserConfigs.
type SystemConfig struct {
	Routing      *RoutingConfig      `json:"routing,omitempty"`
	SmartRouting *SmartRoutingConfig `json:"smartRouting,omitempty"`
	OAuth        *ProviderConfig     `json:"oauth,omitempty"`
}

// RoutingConfig controls which downstream routes exist and how they
// authenticate.
type RoutingConfig struct {
	EnableGlobalRoute    *bool  `json:"enableGlobalRoute,omitempty"`
	EnableGroupNameRoute *bool  `json:"enableGroupNameRoute,omitempty"`
	EnableBearerAuth     bool   `json:"enableBearerAuth,omitempty"`
	BearerAuthKey        string `json:"bearerAuthKey,omitempty"`
	SkipAuth             bool   `json:"skipAuth,omitempty"`
}

// GlobalRouteEnabled treats a missing flag as true.
func (r *RoutingConfig) GlobalRouteEnabled() bool {
	return r == nil || r.EnableGlobalRoute == nil || *r.EnableGlobalRoute
}

// GroupNameRouteEnabled treats a missing flag as true.
func (r *RoutingConfig) GroupNameRouteEnabled() bool {
	return r == nil || r.EnableGroupNameRoute == nil || *r.EnableGroupNameRoute
}

// SmartRoutingConfig configures the vector-search layer behind the
// $smart routes.
type SmartRoutingConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// Backend selects the similarity store: "memory" (cosine over
	// embeddings, requires a provider) or "bleve" (BM25 keyword search,
	// no provider needed). Defaults to memory when a provider is set,
	// bleve otherwise.
	Backend string `json:"backend,omitempty"`

	// OpenAI-compatible embeddings endpoint.
	BaseURL    string `json:"baseUrl,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// ProviderConfig configures the optional OAuth authorization proxy the
// hub publishes for downstream clients.
type ProviderConfig struct {
	Enabled               bool     `json:"enabled,omitempty"`
	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string   `json:"tokenEndpoint,omitempty"`
	RegistrationEndpoint  string   `json:"registrationEndpoint,omitempty"`
	ScopesSupported       []string `json:"scopesSupported,omitempty"`
}

// DefaultSettings returns the document synthesised when no settings file
// exists yet.
func DefaultSettings() *Settings {
	return &Settings{
		MCPServers: map[string]*ServerConfig{},
		Groups:     map[string]*GroupConfig{},
		SystemConfig: &SystemConfig{
			Routing:      &RoutingConfig{},
			SmartRouting: &SmartRoutingConfig{},
		},
	}
}

// Routing returns the routing configuration, defaulting to an empty one.
func (s *Settings) Routing() *RoutingConfig {
	if s.SystemConfig == nil || s.SystemConfig.Routing == nil {
		return &RoutingConfig{}
	}
	return s.SystemConfig.Routing
}

// SmartRouting returns the smart routing configuration, never nil.
func (s *Settings) SmartRouting() *SmartRoutingConfig {
	if s.SystemConfig == nil || s.SystemConfig.SmartRouting == nil {
		return &SmartRoutingConfig{}
	}
	return s.SystemConfig.SmartRouting
}

// Group resolves a group by id, then by name. Returns nil when unknown.
func (s *Settings) Group(id string) *GroupConfig {
	if g, ok := s.Groups[id]; ok {
		return g
	}
	for _, g := range s.Groups {
		if g.Name == id {
			return g
		}
	}
	return nil
}

// Clone deep-copies the document through JSON. Used to hand out
// snapshots that callers may mutate before Save.
func (s *Settings) Clone() (*Settings, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to clone settings: %w", err)
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone settings: %w", err)
	}
	if out.MCPServers == nil {
		out.MCPServers = map[string]*ServerConfig{}
	}
	return &out, nil
}
