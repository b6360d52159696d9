package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ServerMetadata is the RFC 8414 authorization server metadata subset
// the hub consumes.
type ServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// wellKnownPaths are tried in order when discovering metadata.
var wellKnownPaths = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
}

// DiscoverServerMetadata fetches authorization server metadata from the
// issuer's well-known endpoints, trying the OAuth path before the OIDC
// one.
func DiscoverServerMetadata(ctx context.Context, httpClient *http.Client, issuer string) (*ServerMetadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	var lastErr error
	for _, path := range wellKnownPaths {
		metadata, err := fetchMetadata(ctx, httpClient, issuer+path)
		if err == nil {
			return metadata, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("authorization server metadata discovery failed for %s: %w", issuer, lastErr)
}

func fetchMetadata(ctx context.Context, httpClient *http.Client, metadataURL string) (*ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint %s returned %d", metadataURL, resp.StatusCode)
	}

	var metadata ServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata from %s is missing required endpoints", metadataURL)
	}
	return &metadata, nil
}

// DeriveIssuer reduces an MCP server URL to its origin, the default
// issuer when none is configured.
func DeriveIssuer(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server URL %q has no origin", serverURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
