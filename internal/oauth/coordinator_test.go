package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
)

func newCoordinatorWithServer(t *testing.T, serverName string, cfg *config.ServerConfig) (*Coordinator, *config.Store) {
	t.Helper()

	store := config.NewStore(filepath.Join(t.TempDir(), config.SettingsFileName), zap.NewNop())
	_, err := store.Load()
	require.NoError(t, err)

	settings := config.DefaultSettings()
	settings.MCPServers[serverName] = cfg
	require.NoError(t, store.Save(settings))

	coordinator := NewCoordinator(store, "http://localhost:3000/oauth/callback", zap.NewNop())
	return coordinator, store
}

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestTokenNoOAuthConfigured(t *testing.T) {
	coordinator, _ := newCoordinatorWithServer(t, "plain", &config.ServerConfig{Command: "npx"})

	token, err := coordinator.Token(context.Background(), "plain")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestTokenReturnsValidStoredToken(t *testing.T) {
	coordinator, _ := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL:   "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{AccessToken: "opaque-and-valid"},
	})

	token, err := coordinator.Token(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, "opaque-and-valid", token)
}

func TestTokenRefreshesExpiredJWT(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	ts := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "fresh-access",
			"refresh_token": "rotated-refresh",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})

	coordinator, store := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL: "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{
			ClientID:      "cid",
			TokenEndpoint: ts.URL,
			AccessToken:   expired,
			RefreshToken:  "old-refresh",
		},
	})

	token, err := coordinator.Token(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)

	// New tokens are persisted through the store.
	oc := store.Current().MCPServers["api"].OAuth
	assert.Equal(t, "fresh-access", oc.AccessToken)
	assert.Equal(t, "rotated-refresh", oc.RefreshToken)
}

func TestTokenRefreshInvalidGrantDropsRefreshToken(t *testing.T) {
	ts := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})

	coordinator, store := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL: "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{
			ClientID:              "cid",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         ts.URL,
			RefreshToken:          "dead-refresh",
		},
	})

	_, err := coordinator.Token(context.Background(), "api")
	require.ErrorIs(t, err, ErrAuthorizationPending)

	oc := store.Current().MCPServers["api"].OAuth
	assert.Empty(t, oc.AccessToken)
	assert.Empty(t, oc.RefreshToken)
	require.NotNil(t, oc.PendingAuthorization)
}

func TestTokenRefreshTransientFailureKeepsRefreshToken(t *testing.T) {
	ts := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	coordinator, store := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL: "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{
			ClientID:              "cid",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         ts.URL,
			AccessToken:           "stale",
			RefreshToken:          "still-good",
		},
	})

	// The expiry check treats opaque tokens as valid, so force the
	// refresh path by expiring the token via a JWT.
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	settings, err := store.Current().Clone()
	require.NoError(t, err)
	settings.MCPServers["api"].OAuth.AccessToken = expired
	require.NoError(t, store.Save(settings))

	_, err = coordinator.Token(context.Background(), "api")
	require.ErrorIs(t, err, ErrAuthorizationPending)

	oc := store.Current().MCPServers["api"].OAuth
	assert.Empty(t, oc.AccessToken)
	assert.Equal(t, "still-good", oc.RefreshToken)
}

func TestTokenStartsPKCEFlow(t *testing.T) {
	coordinator, store := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL: "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{
			ClientID:              "cid",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         "https://issuer.example.com/token",
		},
	})

	_, err := coordinator.Token(context.Background(), "api")
	require.ErrorIs(t, err, ErrAuthorizationPending)

	pending := store.Current().MCPServers["api"].OAuth.PendingAuthorization
	require.NotNil(t, pending)
	assert.NotEmpty(t, pending.State)
	assert.NotEmpty(t, pending.CodeVerifier)
	assert.Contains(t, pending.AuthorizationURL, "code_challenge_method=S256")
	assert.Contains(t, pending.AuthorizationURL, "access_type=offline")

	// A second call reuses the pending flow instead of superseding it.
	_, err = coordinator.Token(context.Background(), "api")
	require.ErrorIs(t, err, ErrAuthorizationPending)
	again := store.Current().MCPServers["api"].OAuth.PendingAuthorization
	assert.Equal(t, pending.State, again.State)

	assert.Equal(t, pending.AuthorizationURL, coordinator.AuthorizationURL("api"))
}

func TestHandleCallbackExchangesCode(t *testing.T) {
	var gotCode, gotVerifier string
	ts := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotCode = r.PostForm.Get("code")
		gotVerifier = r.PostForm.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "exchanged-access",
			"refresh_token": "exchanged-refresh",
			"token_type":    "bearer",
		})
	})

	coordinator, store := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL: "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{
			ClientID:              "cid",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         ts.URL,
		},
	})

	var authorizedServer string
	coordinator.SetAuthorizedHandler(func(name string) { authorizedServer = name })

	_, err := coordinator.Token(context.Background(), "api")
	require.ErrorIs(t, err, ErrAuthorizationPending)
	pending := store.Current().MCPServers["api"].OAuth.PendingAuthorization
	require.NotNil(t, pending)

	serverName, err := coordinator.HandleCallback(context.Background(), pending.State, "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "api", serverName)
	assert.Equal(t, "auth-code", gotCode)
	assert.Equal(t, pending.CodeVerifier, gotVerifier)
	assert.Equal(t, "api", authorizedServer)

	oc := store.Current().MCPServers["api"].OAuth
	assert.Equal(t, "exchanged-access", oc.AccessToken)
	assert.Equal(t, "exchanged-refresh", oc.RefreshToken)
	assert.Nil(t, oc.PendingAuthorization)
}

func TestHandleCallbackRejectsStateMismatch(t *testing.T) {
	coordinator, store := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL: "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{
			ClientID:              "cid",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         "https://issuer.example.com/token",
		},
	})

	_, err := coordinator.Token(context.Background(), "api")
	require.ErrorIs(t, err, ErrAuthorizationPending)
	require.NotNil(t, store.Current().MCPServers["api"].OAuth.PendingAuthorization)

	// A state that decodes to the right server but differs from the
	// persisted one is rejected: the stored state wins.
	forged, err := EncodeState("api")
	require.NoError(t, err)

	_, err = coordinator.HandleCallback(context.Background(), forged, "code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestHandleCallbackWithoutPendingFlow(t *testing.T) {
	coordinator, _ := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL:   "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{ClientID: "cid"},
	})

	state, err := EncodeState("api")
	require.NoError(t, err)
	_, err = coordinator.HandleCallback(context.Background(), state, "code")
	require.Error(t, err)
}

func TestCleanupExpiredPending(t *testing.T) {
	coordinator, store := newCoordinatorWithServer(t, "api", &config.ServerConfig{
		URL: "https://api.example.com/mcp",
		OAuth: &config.OAuthConfig{
			ClientID: "cid",
			PendingAuthorization: &config.PendingAuthorization{
				State:     "s",
				CreatedAt: time.Now().Add(-time.Hour),
			},
		},
	})

	assert.Equal(t, 1, coordinator.CleanupExpiredPending())
	assert.Nil(t, store.Current().MCPServers["api"].OAuth.PendingAuthorization)
	assert.Equal(t, 0, coordinator.CleanupExpiredPending())
}
