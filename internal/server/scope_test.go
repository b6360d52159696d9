package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parasshah10/mcphub/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func routingSettings() *config.Settings {
	return &config.Settings{
		MCPServers: map[string]*config.ServerConfig{
			"weather": {URL: "https://weather.example.com/mcp"},
			"db":      {URL: "https://db.example.com/mcp"},
			"notes":   {Command: "npx", Args: []string{"notes-server"}},
		},
		Groups: map[string]*config.GroupConfig{
			"g1": {
				ID:   "g1",
				Name: "dev",
				Servers: []config.GroupMember{
					{Name: "weather"},
					{Name: "db", Tools: []string{"run_query"}},
				},
			},
		},
	}
}

func TestResolveScopeGlobal(t *testing.T) {
	settings := routingSettings()

	scope, err := ResolveScope(settings, "", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, scope.Kind)

	settings.SystemConfig = &config.SystemConfig{
		Routing: &config.RoutingConfig{EnableGlobalRoute: boolPtr(false)},
	}
	_, err = ResolveScope(settings, "", "")
	require.Error(t, err)
}

func TestResolveScopeSmart(t *testing.T) {
	settings := routingSettings()

	scope, err := ResolveScope(settings, "$smart", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeSmartGlobal, scope.Kind)
	assert.True(t, scope.Smart())

	scope, err = ResolveScope(settings, "$smart", "g1")
	require.NoError(t, err)
	assert.Equal(t, ScopeSmartGroup, scope.Kind)
	assert.Equal(t, "g1", scope.ID)

	// Group name resolves too, back to the id.
	scope, err = ResolveScope(settings, "$smart", "dev")
	require.NoError(t, err)
	assert.Equal(t, "g1", scope.ID)

	_, err = ResolveScope(settings, "$smart", "nope")
	require.Error(t, err)
}

func TestResolveScopeGroupAndServer(t *testing.T) {
	settings := routingSettings()

	scope, err := ResolveScope(settings, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind)
	assert.Equal(t, "g1", scope.ID)

	scope, err = ResolveScope(settings, "dev", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind)
	assert.Equal(t, "g1", scope.ID)

	scope, err = ResolveScope(settings, "weather", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeServer, scope.Kind)
	assert.Equal(t, "weather", scope.ID)

	_, err = ResolveScope(settings, "nope", "")
	require.Error(t, err)

	_, err = ResolveScope(settings, "g1", "extra")
	require.Error(t, err)
}

func TestResolveScopeGroupWinsOverServer(t *testing.T) {
	settings := routingSettings()
	settings.Groups["weather"] = &config.GroupConfig{
		ID:      "weather",
		Name:    "weather-group",
		Servers: []config.GroupMember{{Name: "db"}},
	}

	scope, err := ResolveScope(settings, "weather", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind)
	assert.Equal(t, "weather", scope.ID)
}

func TestResolveScopeGroupNameRouteDisabled(t *testing.T) {
	settings := routingSettings()
	settings.SystemConfig = &config.SystemConfig{
		Routing: &config.RoutingConfig{EnableGroupNameRoute: boolPtr(false)},
	}

	// The id still routes; the display name no longer does, so the
	// segment falls through to server lookup and fails.
	scope, err := ResolveScope(settings, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind)

	_, err = ResolveScope(settings, "dev", "")
	require.Error(t, err)
}

func TestScopeMembers(t *testing.T) {
	settings := routingSettings()

	members, err := scopeMembers(settings, RoutingScope{Kind: ScopeGlobal})
	require.NoError(t, err)
	assert.Nil(t, members)

	members, err = scopeMembers(settings, RoutingScope{Kind: ScopeServer, ID: "notes"})
	require.NoError(t, err)
	assert.Equal(t, []config.GroupMember{{Name: "notes"}}, members)

	members, err = scopeMembers(settings, RoutingScope{Kind: ScopeGroup, ID: "g1"})
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "weather", members[0].Name)
	assert.Equal(t, []string{"run_query"}, members[1].Tools)

	_, err = scopeMembers(settings, RoutingScope{Kind: ScopeGroup, ID: "gone"})
	require.Error(t, err)
}

func TestScopeServerSet(t *testing.T) {
	settings := routingSettings()

	set, err := scopeServerSet(settings, RoutingScope{Kind: ScopeSmartGlobal})
	require.NoError(t, err)
	assert.Nil(t, set)

	set, err = scopeServerSet(settings, RoutingScope{Kind: ScopeSmartGroup, ID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"weather": true, "db": true}, set)
}

func TestScopeIncludesServer(t *testing.T) {
	settings := routingSettings()

	assert.True(t, scopeIncludesServer(settings, RoutingScope{Kind: ScopeGlobal}, "weather"))
	assert.True(t, scopeIncludesServer(settings, RoutingScope{Kind: ScopeGroup, ID: "g1"}, "db"))
	assert.False(t, scopeIncludesServer(settings, RoutingScope{Kind: ScopeGroup, ID: "g1"}, "notes"))
	assert.False(t, scopeIncludesServer(settings, RoutingScope{Kind: ScopeServer, ID: "db"}, "weather"))
	assert.False(t, scopeIncludesServer(settings, RoutingScope{Kind: ScopeGroup, ID: "gone"}, "weather"))
}

func TestScopeDescription(t *testing.T) {
	settings := routingSettings()

	assert.Equal(t, "all available servers",
		scopeDescription(settings, RoutingScope{Kind: ScopeSmartGlobal}))
	assert.Equal(t, `servers in the "dev" group`,
		scopeDescription(settings, RoutingScope{Kind: ScopeSmartGroup, ID: "g1"}))
}
