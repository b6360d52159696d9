package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// envRefPattern matches ${NAME} and $NAME references where NAME follows
// the POSIX environment variable grammar.
var envRefPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}|\$([A-Z_][A-Z0-9_]*)`)

// ExpandString replaces ${NAME} and $NAME references in s with the value
// of the corresponding environment variable. Unset variables expand to
// the empty string.
func ExpandString(s string, lookup func(string) string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[1:]
		if name[0] == '{' {
			name = name[1 : len(name)-1]
		}
		return lookup(name)
	})
}

// expandValue walks a decoded JSON tree and expands every string leaf in
// place. Non-string leaves (numbers, booleans, null) are preserved.
func expandValue(v interface{}, lookup func(string) string) interface{} {
	switch t := v.(type) {
	case string:
		return ExpandString(t, lookup)
	case []interface{}:
		for i := range t {
			t[i] = expandValue(t[i], lookup)
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = expandValue(t[k], lookup)
		}
		return t
	default:
		return v
	}
}

// ExpandSettings parses raw JSON, expands environment references in every
// string field, and decodes the result into a Settings document.
func ExpandSettings(raw []byte) (*Settings, error) {
	return expandSettingsWith(raw, os.Getenv)
}

func expandSettingsWith(raw []byte, lookup func(string) string) (*Settings, error) {
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	tree = expandValue(tree, lookup)

	expanded, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode expanded settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(expanded, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if settings.MCPServers == nil {
		settings.MCPServers = map[string]*ServerConfig{}
	}
	return &settings, nil
}
