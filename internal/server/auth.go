package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/parasshah10/mcphub/internal/config"
)

// authorized enforces the routing-level bearer check. skipAuth wins
// over everything; otherwise a configured bearer key must match the
// Authorization header byte for byte.
func authorized(routing *config.RoutingConfig, r *http.Request) bool {
	if routing.SkipAuth {
		return true
	}
	if !routing.EnableBearerAuth {
		return true
	}

	token := bearerToken(r)
	if token == "" || routing.BearerAuthKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(routing.BearerAuthKey)) == 1
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

// requireAuth wraps a handler with the bearer check against the
// current settings.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := s.store.Current()
		if !authorized(settings.Routing(), r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
