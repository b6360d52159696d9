package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metadataHandler(path string, metadata *ServerMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metadata)
	})
}

func TestDiscoverServerMetadataOAuthPath(t *testing.T) {
	ts := httptest.NewServer(metadataHandler("/.well-known/oauth-authorization-server", &ServerMetadata{
		Issuer:                "https://issuer.example.com",
		AuthorizationEndpoint: "https://issuer.example.com/authorize",
		TokenEndpoint:         "https://issuer.example.com/token",
		RegistrationEndpoint:  "https://issuer.example.com/register",
	}))
	defer ts.Close()

	metadata, err := DiscoverServerMetadata(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, "https://issuer.example.com/token", metadata.TokenEndpoint)
	assert.Equal(t, "https://issuer.example.com/register", metadata.RegistrationEndpoint)
}

func TestDiscoverServerMetadataFallsBackToOIDC(t *testing.T) {
	ts := httptest.NewServer(metadataHandler("/.well-known/openid-configuration", &ServerMetadata{
		AuthorizationEndpoint: "https://issuer.example.com/authorize",
		TokenEndpoint:         "https://issuer.example.com/token",
	}))
	defer ts.Close()

	metadata, err := DiscoverServerMetadata(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com/token", metadata.TokenEndpoint)
}

func TestDiscoverServerMetadataRequiresBothEndpoints(t *testing.T) {
	ts := httptest.NewServer(metadataHandler("/.well-known/oauth-authorization-server", &ServerMetadata{
		AuthorizationEndpoint: "https://issuer.example.com/authorize",
	}))
	defer ts.Close()

	_, err := DiscoverServerMetadata(context.Background(), ts.Client(), ts.URL)
	require.Error(t, err)
}

func TestDeriveIssuer(t *testing.T) {
	issuer, err := DeriveIssuer("https://api.example.com/mcp/v1?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", issuer)

	issuer, err = DeriveIssuer("http://localhost:8080/sse")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", issuer)

	_, err = DeriveIssuer("not-a-url")
	require.Error(t, err)
}

func TestRegisterClient(t *testing.T) {
	var gotAuth string
	var gotRequest RegistrationRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotRequest)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(RegistrationResponse{ClientID: "generated-id", ClientSecret: "s"})
	}))
	defer ts.Close()

	result, err := RegisterClient(context.Background(), ts.Client(), ts.URL, &RegistrationRequest{
		RedirectURIs: []string{"http://localhost:3000/oauth/callback"},
		ClientName:   "MCPHub",
	}, "initial-token")
	require.NoError(t, err)
	assert.Equal(t, "generated-id", result.ClientID)
	assert.Equal(t, "Bearer initial-token", gotAuth)
	assert.Equal(t, []string{"http://localhost:3000/oauth/callback"}, gotRequest.RedirectURIs)
}

func TestRegisterClientRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client_metadata"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := RegisterClient(context.Background(), ts.Client(), ts.URL, &RegistrationRequest{}, "")
	require.Error(t, err)
}

func TestRegisterClientRequiresClientID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := RegisterClient(context.Background(), ts.Client(), ts.URL, &RegistrationRequest{}, "")
	require.Error(t, err)
}
