package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parasshah10/mcphub/internal/config"
)

func TestAuthorizedSkipAuthWins(t *testing.T) {
	routing := &config.RoutingConfig{
		SkipAuth:         true,
		EnableBearerAuth: true,
		BearerAuthKey:    "secret",
	}
	r := httptest.NewRequest("GET", "/sse", nil)
	assert.True(t, authorized(routing, r))
}

func TestAuthorizedNoBearerConfigured(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse", nil)
	assert.True(t, authorized(&config.RoutingConfig{}, r))
}

func TestAuthorizedBearerMatch(t *testing.T) {
	routing := &config.RoutingConfig{EnableBearerAuth: true, BearerAuthKey: "secret"}

	r := httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer secret")
	assert.True(t, authorized(routing, r))

	// Scheme matching is case-insensitive per RFC 7235.
	r.Header.Set("Authorization", "bearer secret")
	assert.True(t, authorized(routing, r))
}

func TestAuthorizedBearerMismatch(t *testing.T) {
	routing := &config.RoutingConfig{EnableBearerAuth: true, BearerAuthKey: "secret"}

	r := httptest.NewRequest("GET", "/sse", nil)
	assert.False(t, authorized(routing, r))

	r.Header.Set("Authorization", "Bearer wrong")
	assert.False(t, authorized(routing, r))

	r.Header.Set("Authorization", "Basic c2VjcmV0")
	assert.False(t, authorized(routing, r))
}

func TestAuthorizedEmptyKeyNeverMatches(t *testing.T) {
	routing := &config.RoutingConfig{EnableBearerAuth: true}
	r := httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer ")
	assert.False(t, authorized(routing, r))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(r))

	r.Header.Set("Authorization", "Bearer")
	assert.Empty(t, bearerToken(r))
}
