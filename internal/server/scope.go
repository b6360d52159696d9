package server

import (
	"fmt"

	"github.com/parasshah10/mcphub/internal/config"
)

// ScopeKind enumerates the routing intents a session can carry.
type ScopeKind int

const (
	// ScopeGlobal exposes every server.
	ScopeGlobal ScopeKind = iota
	// ScopeGroup exposes one group's members.
	ScopeGroup
	// ScopeServer exposes one server, with unqualified tool names
	// still accepted in qualified form.
	ScopeServer
	// ScopeSmartGlobal exposes the two smart meta-tools over all
	// servers.
	ScopeSmartGlobal
	// ScopeSmartGroup exposes the meta-tools over one group.
	ScopeSmartGroup
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeGlobal:
		return "global"
	case ScopeGroup:
		return "group"
	case ScopeServer:
		return "server"
	case ScopeSmartGlobal:
		return "smartGlobal"
	case ScopeSmartGroup:
		return "smartGroup"
	default:
		return "unknown"
	}
}

// smartSegment is the path literal selecting smart routing.
const smartSegment = "$smart"

// RoutingScope binds a session to the part of the catalog it may see.
type RoutingScope struct {
	Kind ScopeKind
	ID   string // group id or server name, depending on Kind
}

func (s RoutingScope) Smart() bool {
	return s.Kind == ScopeSmartGlobal || s.Kind == ScopeSmartGroup
}

// ResolveScope maps the path segments after /sse or /mcp onto a scope.
// An identifier naming both a group and a server resolves to the group.
func ResolveScope(settings *config.Settings, segment, sub string) (RoutingScope, error) {
	routing := settings.Routing()

	if segment == "" {
		if !routing.GlobalRouteEnabled() {
			return RoutingScope{}, fmt.Errorf("global route is disabled")
		}
		return RoutingScope{Kind: ScopeGlobal}, nil
	}

	if segment == smartSegment {
		if sub == "" {
			return RoutingScope{Kind: ScopeSmartGlobal}, nil
		}
		group := lookupGroup(settings, sub, routing)
		if group == nil {
			return RoutingScope{}, fmt.Errorf("group %q not found", sub)
		}
		return RoutingScope{Kind: ScopeSmartGroup, ID: group.ID}, nil
	}

	if sub != "" {
		return RoutingScope{}, fmt.Errorf("unexpected path segment %q", sub)
	}

	// Group wins when a group and a server share the identifier.
	if group := lookupGroup(settings, segment, routing); group != nil {
		return RoutingScope{Kind: ScopeGroup, ID: group.ID}, nil
	}
	if _, ok := settings.MCPServers[segment]; ok {
		return RoutingScope{Kind: ScopeServer, ID: segment}, nil
	}
	return RoutingScope{}, fmt.Errorf("no group or server named %q", segment)
}

// lookupGroup resolves by id always, and by name only when the
// name-route flag allows it.
func lookupGroup(settings *config.Settings, id string, routing *config.RoutingConfig) *config.GroupConfig {
	if g, ok := settings.Groups[id]; ok {
		return g
	}
	if !routing.GroupNameRouteEnabled() {
		return nil
	}
	for _, g := range settings.Groups {
		if g.Name == id {
			return g
		}
	}
	return nil
}

// scopeMembers returns the member list the scope exposes; nil means
// every server.
func scopeMembers(settings *config.Settings, scope RoutingScope) ([]config.GroupMember, error) {
	switch scope.Kind {
	case ScopeGlobal, ScopeSmartGlobal:
		return nil, nil
	case ScopeServer:
		return []config.GroupMember{{Name: scope.ID}}, nil
	case ScopeGroup, ScopeSmartGroup:
		group := settings.Group(scope.ID)
		if group == nil {
			return nil, fmt.Errorf("group %q not found", scope.ID)
		}
		members := make([]config.GroupMember, len(group.Servers))
		copy(members, group.Servers)
		return members, nil
	default:
		return nil, fmt.Errorf("unknown scope kind %d", scope.Kind)
	}
}

// scopeServerSet returns the allowlist of server names for index
// filtering; nil means unrestricted.
func scopeServerSet(settings *config.Settings, scope RoutingScope) (map[string]bool, error) {
	members, err := scopeMembers(settings, scope)
	if err != nil {
		return nil, err
	}
	if members == nil {
		return nil, nil
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m.Name] = true
	}
	return set, nil
}
