package config

import (
	"fmt"
)

// Validate checks the document for structural errors before it is used
// or persisted. Validation failures abort a Save and leave the on-disk
// file unchanged.
func (s *Settings) Validate() error {
	for name, server := range s.MCPServers {
		if name == "" {
			return fmt.Errorf("server name must not be empty")
		}
		if server == nil {
			return fmt.Errorf("server %q: configuration must not be null", name)
		}
		if err := server.validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}

	for id, group := range s.Groups {
		if group == nil {
			return fmt.Errorf("group %q: configuration must not be null", id)
		}
		if group.ID == "" {
			group.ID = id
		}
		for _, member := range group.Servers {
			if member.Name == "" {
				return fmt.Errorf("group %q: member server name must not be empty", id)
			}
		}
	}

	adminSeen := false
	for _, user := range s.Users {
		if user == nil || user.Username == "" {
			return fmt.Errorf("user entries must carry a username")
		}
		if user.IsAdmin {
			adminSeen = true
		}
	}
	_ = adminSeen // an empty user list is allowed; the bootstrap admin is seeded elsewhere

	if s.SystemConfig != nil && s.SystemConfig.Routing != nil {
		r := s.SystemConfig.Routing
		if r.EnableBearerAuth && r.BearerAuthKey == "" {
			return fmt.Errorf("routing: enableBearerAuth requires bearerAuthKey")
		}
	}

	return nil
}

func (c *ServerConfig) validate() error {
	switch c.EffectiveType() {
	case TypeStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio server requires a command")
		}
	case TypeSSE, TypeStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("%s server requires a url", c.EffectiveType())
		}
	case TypeOpenAPI:
		if c.OpenAPI == nil || (c.OpenAPI.URL == "" && len(c.OpenAPI.Schema) == 0) {
			return fmt.Errorf("openapi server requires openapi.url or openapi.schema")
		}
	default:
		return fmt.Errorf("unknown server type %q", c.Type)
	}

	for toolName := range c.Tools {
		if toolName == "" {
			return fmt.Errorf("tool override name must not be empty")
		}
	}
	return nil
}
