package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func lookupFrom(env map[string]string) func(string) string {
	return func(name string) string { return env[name] }
}

func TestExpandString(t *testing.T) {
	env := map[string]string{
		"API_KEY": "sk-secret",
		"HOST":    "example.com",
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced form", "token=${API_KEY}", "token=sk-secret"},
		{"bare form", "token=$API_KEY", "token=sk-secret"},
		{"multiple references", "https://${HOST}/v1?key=$API_KEY", "https://example.com/v1?key=sk-secret"},
		{"unset expands to empty", "${MISSING}", ""},
		{"no references", "plain text", "plain text"},
		{"lowercase is not a reference", "$lower", "$lower"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandString(tt.input, lookupFrom(env)))
		})
	}
}

func TestExpandSettingsWalksAllStrings(t *testing.T) {
	raw := []byte(`{
		"mcpServers": {
			"api": {
				"url": "https://${HOST}/mcp",
				"headers": {"Authorization": "Bearer ${API_KEY}"},
				"env": {"TOKEN": "$API_KEY"}
			},
			"local": {
				"command": "npx",
				"args": ["-y", "server-${HOST}"]
			}
		}
	}`)

	settings, err := expandSettingsWith(raw, lookupFrom(map[string]string{
		"HOST":    "example.com",
		"API_KEY": "sk-secret",
	}))
	require.NoError(t, err)

	api := settings.MCPServers["api"]
	require.NotNil(t, api)
	assert.Equal(t, "https://example.com/mcp", api.URL)
	assert.Equal(t, "Bearer sk-secret", api.Headers["Authorization"])
	assert.Equal(t, "sk-secret", api.Env["TOKEN"])

	local := settings.MCPServers["local"]
	require.NotNil(t, local)
	assert.Equal(t, []string{"-y", "server-example.com"}, local.Args)
}

func TestExpandSettingsPreservesNonStrings(t *testing.T) {
	raw := []byte(`{
		"mcpServers": {
			"a": {"command": "x", "enabled": false, "options": {"timeoutMs": 5000}}
		}
	}`)

	settings, err := expandSettingsWith(raw, lookupFrom(nil))
	require.NoError(t, err)

	server := settings.MCPServers["a"]
	require.NotNil(t, server)
	require.NotNil(t, server.Enabled)
	assert.False(t, *server.Enabled)
	assert.EqualValues(t, 5000, server.Options.TimeoutMs)
}

func TestExpandSettingsRejectsMalformedJSON(t *testing.T) {
	_, err := expandSettingsWith([]byte(`{"mcpServers": `), lookupFrom(nil))
	require.Error(t, err)
}

// Strings without dollar signs must survive expansion untouched no
// matter what they contain.
func TestExpandStringIdentityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[^$]*`).Draw(t, "s")
		assert.Equal(t, s, ExpandString(s, lookupFrom(nil)))
	})
}

func TestExpandStringSubstitutionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Z_][A-Z0-9_]{0,10}`).Draw(t, "name")
		value := rapid.StringMatching(`[a-z0-9.-]{0,20}`).Draw(t, "value")
		env := map[string]string{name: value}

		assert.Equal(t, value, ExpandString("${"+name+"}", lookupFrom(env)))
		assert.Equal(t, value, ExpandString("$"+name, lookupFrom(env)))
	})
}
