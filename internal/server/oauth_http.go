package server

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Complete</title></head>
<body>
<h1>Authorization complete</h1>
<p>You can close this window. It will close automatically in 3 seconds.</p>
<script>setTimeout(function(){window.close();},3000);</script>
</body>
</html>`

const callbackErrorPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body>
<h1>Authorization failed</h1>
<p>%s</p>
</body>
</html>`

// handleOAuthCallback receives the provider redirect, exchanges the
// code, and resumes the waiting upstream.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		desc := query.Get("error_description")
		s.logger.Warn("OAuth callback reported an error",
			zap.String("error", errCode), zap.String("description", desc))
		writeCallbackError(w, fmt.Sprintf("%s: %s", errCode, desc))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		writeCallbackError(w, "missing code or state parameter")
		return
	}

	serverName, err := s.coordinator.HandleCallback(r.Context(), state, code)
	if err != nil {
		s.logger.Error("OAuth callback failed", zap.Error(err))
		writeCallbackError(w, "authorization could not be completed")
		return
	}

	s.logger.Info("OAuth authorization completed", zap.String("server", serverName))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, callbackSuccessPage)
}

func writeCallbackError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, callbackErrorPage, html.EscapeString(message))
}

// oauthProxyEnabled reports whether the downstream-facing OAuth proxy
// is configured.
func (s *Server) oauthProxyEnabled() bool {
	settings := s.store.Current()
	return settings.SystemConfig != nil &&
		settings.SystemConfig.OAuth != nil &&
		settings.SystemConfig.OAuth.Enabled
}

// handleOAuthMetadata publishes RFC 8414 server metadata pointing the
// authorize and token endpoints at the hub's proxy routes.
func (s *Server) handleOAuthMetadata(w http.ResponseWriter, r *http.Request) {
	if !s.oauthProxyEnabled() {
		http.NotFound(w, r)
		return
	}
	provider := s.store.Current().SystemConfig.OAuth

	base := requestBaseURL(r) + s.basePath
	metadata := map[string]interface{}{
		"issuer":                                provider.Issuer,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
	}
	if provider.RegistrationEndpoint != "" {
		metadata["registration_endpoint"] = provider.RegistrationEndpoint
	}
	if len(provider.ScopesSupported) > 0 {
		metadata["scopes_supported"] = provider.ScopesSupported
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(mustMarshal(metadata))
}

// handleOAuthAuthorize redirects the browser to the configured issuer's
// authorization endpoint with the original query intact.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.oauthProxyEnabled() {
		http.NotFound(w, r)
		return
	}
	provider := s.store.Current().SystemConfig.OAuth
	if provider.AuthorizationEndpoint == "" {
		http.Error(w, "authorization endpoint not configured", http.StatusServiceUnavailable)
		return
	}

	target, err := url.Parse(provider.AuthorizationEndpoint)
	if err != nil {
		http.Error(w, "invalid authorization endpoint", http.StatusInternalServerError)
		return
	}
	target.RawQuery = r.URL.RawQuery
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleOAuthToken forwards the token exchange to the issuer.
func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if !s.oauthProxyEnabled() {
		http.NotFound(w, r)
		return
	}
	provider := s.store.Current().SystemConfig.OAuth
	if provider.TokenEndpoint == "" {
		http.Error(w, "token endpoint not configured", http.StatusServiceUnavailable)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		provider.TokenEndpoint, strings.NewReader(r.PostForm.Encode()))
	if err != nil {
		http.Error(w, "failed to build token request", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Token proxy request failed", zap.Error(err))
		http.Error(w, "token endpoint unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// requestBaseURL reconstructs the externally visible scheme and host.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host
}
