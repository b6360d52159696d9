// Package oauth implements upstream OAuth 2.1 token acquisition: stored
// tokens, refresh, dynamic client registration (RFC 7591), and the
// PKCE authorization-code flow (RFC 7636). Flow state persists in the
// settings document so authorizations survive restarts.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/parasshah10/mcphub/internal/config"
)

// ErrAuthorizationPending signals that an authorization-code flow
// waits for the user to visit the authorization URL.
var ErrAuthorizationPending = errors.New("authorization pending")

// ErrNotConfigured signals that the server has no OAuth configuration
// path that could yield a token.
var ErrNotConfigured = errors.New("oauth not configured")

// Coordinator serialises OAuth operations per server and owns all flow
// state transitions. One flow runs per server at a time; concurrent
// token requests for the same server queue on its lock.
type Coordinator struct {
	store       *config.Store
	redirectURI string
	logger      *zap.Logger
	httpClient  *http.Client
	now         func() time.Time

	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	onAuthorized func(serverName string)
}

// NewCoordinator builds a coordinator. redirectURI is the hub's own
// /oauth/callback endpoint as reachable by the user's browser.
func NewCoordinator(store *config.Store, redirectURI string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		redirectURI: redirectURI,
		logger:      logger.Named("oauth"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetAuthorizedHandler registers the callback fired after a completed
// authorization, used to wake the server's reconnect loop.
func (c *Coordinator) SetAuthorizedHandler(fn func(serverName string)) {
	c.mu.Lock()
	c.onAuthorized = fn
	c.mu.Unlock()
}

func (c *Coordinator) serverLock(serverName string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[serverName]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[serverName] = lock
	}
	return lock
}

// Token returns a bearer token for the server, walking the acquisition
// ladder: stored access token, refresh grant, then the interactive
// authorization-code flow (registering a client first when dynamic
// registration is enabled). Returns ErrAuthorizationPending once the
// flow waits on the user.
func (c *Coordinator) Token(ctx context.Context, serverName string) (string, error) {
	lock := c.serverLock(serverName)
	lock.Lock()
	defer lock.Unlock()

	srv := c.store.Current().MCPServers[serverName]
	if srv == nil || srv.OAuth == nil {
		return "", nil
	}
	oc := srv.OAuth

	if oc.AccessToken != "" && !TokenExpired(oc.AccessToken, c.now()) {
		return oc.AccessToken, nil
	}

	if oc.RefreshToken != "" {
		token, err := c.refresh(ctx, serverName, srv)
		if err == nil {
			return token, nil
		}
		c.logger.Warn("Token refresh failed",
			zap.String("server", serverName),
			zap.Error(err))
		// The stale access token is gone either way; the refresh token
		// survives unless the server said it is invalid.
		dropRefresh := isInvalidGrant(err)
		if uerr := c.updateOAuth(serverName, func(o *config.OAuthConfig) {
			o.AccessToken = ""
			if dropRefresh {
				o.RefreshToken = ""
			}
		}); uerr != nil {
			return "", uerr
		}
	}

	return "", c.beginAuthorization(ctx, serverName, srv)
}

// refresh exchanges the refresh token and persists the result.
func (c *Coordinator) refresh(ctx context.Context, serverName string, srv *config.ServerConfig) (string, error) {
	oc := srv.OAuth
	if oc.TokenEndpoint == "" {
		if err := c.ensureEndpoints(ctx, serverName, srv); err != nil {
			return "", err
		}
		oc = c.store.Current().MCPServers[serverName].OAuth
	}

	conf := c.oauth2Config(oc)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: oc.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh grant failed: %w", err)
	}

	if err := c.updateOAuth(serverName, func(o *config.OAuthConfig) {
		o.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			o.RefreshToken = token.RefreshToken
		}
	}); err != nil {
		return "", err
	}

	c.logger.Info("Refreshed access token", zap.String("server", serverName))
	return token.AccessToken, nil
}

// beginAuthorization sets up (or reuses) a pending authorization-code
// flow and returns ErrAuthorizationPending.
func (c *Coordinator) beginAuthorization(ctx context.Context, serverName string, srv *config.ServerConfig) error {
	oc := srv.OAuth

	if pending := oc.PendingAuthorization; pending != nil {
		if !pending.Expired(c.now()) {
			return ErrAuthorizationPending
		}
		c.logger.Info("Discarding expired pending authorization",
			zap.String("server", serverName))
	}

	if err := c.ensureEndpoints(ctx, serverName, srv); err != nil {
		return err
	}
	if err := c.ensureClient(ctx, serverName); err != nil {
		return err
	}
	oc = c.store.Current().MCPServers[serverName].OAuth

	verifier := oauth2.GenerateVerifier()
	state, err := EncodeState(serverName)
	if err != nil {
		return err
	}

	conf := c.oauth2Config(oc)
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}
	if oc.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", oc.Resource))
	}
	authURL := conf.AuthCodeURL(state, opts...)

	if err := c.updateOAuth(serverName, func(o *config.OAuthConfig) {
		o.PendingAuthorization = &config.PendingAuthorization{
			AuthorizationURL: authURL,
			State:            state,
			CodeVerifier:     verifier,
			CreatedAt:        c.now(),
		}
	}); err != nil {
		return err
	}

	c.logger.Info("Authorization required",
		zap.String("server", serverName),
		zap.String("authorization_url", authURL))
	return ErrAuthorizationPending
}

// ensureEndpoints discovers and persists the authorization and token
// endpoints when the config does not carry them.
func (c *Coordinator) ensureEndpoints(ctx context.Context, serverName string, srv *config.ServerConfig) error {
	oc := srv.OAuth
	if oc.AuthorizationEndpoint != "" && oc.TokenEndpoint != "" {
		return nil
	}

	issuer := ""
	if oc.DynamicRegistration != nil {
		issuer = oc.DynamicRegistration.Issuer
	}
	if issuer == "" {
		if srv.URL == "" {
			return fmt.Errorf("%w: server %s has no issuer to discover from", ErrNotConfigured, serverName)
		}
		var err error
		issuer, err = DeriveIssuer(srv.URL)
		if err != nil {
			return err
		}
	}

	metadata, err := DiscoverServerMetadata(ctx, c.httpClient, issuer)
	if err != nil {
		return err
	}

	return c.updateOAuth(serverName, func(o *config.OAuthConfig) {
		if o.AuthorizationEndpoint == "" {
			o.AuthorizationEndpoint = metadata.AuthorizationEndpoint
		}
		if o.TokenEndpoint == "" {
			o.TokenEndpoint = metadata.TokenEndpoint
		}
		if o.DynamicRegistration != nil && o.DynamicRegistration.RegistrationEndpoint == "" {
			o.DynamicRegistration.RegistrationEndpoint = metadata.RegistrationEndpoint
		}
	})
}

// ensureClient registers a client dynamically when none is configured.
func (c *Coordinator) ensureClient(ctx context.Context, serverName string) error {
	oc := c.store.Current().MCPServers[serverName].OAuth
	if oc.ClientID != "" {
		return nil
	}
	reg := oc.DynamicRegistration
	if reg == nil || !reg.Enabled {
		return fmt.Errorf("%w: server %s has no client_id and dynamic registration is disabled", ErrNotConfigured, serverName)
	}
	if reg.RegistrationEndpoint == "" {
		return fmt.Errorf("%w: server %s advertises no registration endpoint", ErrNotConfigured, serverName)
	}

	request := &RegistrationRequest{
		RedirectURIs:            []string{c.redirectURI},
		ClientName:              "MCPHub",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}
	if len(oc.Scopes) > 0 {
		request.Scope = joinScopes(oc.Scopes)
	}

	result, err := RegisterClient(ctx, c.httpClient, reg.RegistrationEndpoint, request, reg.InitialAccessToken)
	if err != nil {
		return fmt.Errorf("dynamic client registration failed for %s: %w", serverName, err)
	}

	c.logger.Info("Registered OAuth client",
		zap.String("server", serverName),
		zap.String("client_id", result.ClientID))

	return c.updateOAuth(serverName, func(o *config.OAuthConfig) {
		o.ClientID = result.ClientID
		o.ClientSecret = result.ClientSecret
	})
}

// HandleCallback completes the flow for an authorization code delivered
// to /oauth/callback. The persisted state wins: the incoming state must
// match it exactly.
func (c *Coordinator) HandleCallback(ctx context.Context, state, code string) (string, error) {
	serverName, err := DecodeState(state)
	if err != nil {
		return "", err
	}

	lock := c.serverLock(serverName)
	lock.Lock()
	defer lock.Unlock()

	srv := c.store.Current().MCPServers[serverName]
	if srv == nil || srv.OAuth == nil {
		return serverName, fmt.Errorf("no OAuth configuration for server %s", serverName)
	}
	pending := srv.OAuth.PendingAuthorization
	if pending == nil {
		return serverName, fmt.Errorf("no pending authorization for server %s", serverName)
	}
	if pending.State != state {
		return serverName, fmt.Errorf("state mismatch for server %s", serverName)
	}
	if pending.Expired(c.now()) {
		_ = c.updateOAuth(serverName, func(o *config.OAuthConfig) {
			o.PendingAuthorization = nil
		})
		return serverName, fmt.Errorf("pending authorization for server %s expired", serverName)
	}

	conf := c.oauth2Config(srv.OAuth)
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(pending.CodeVerifier)}
	if srv.OAuth.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", srv.OAuth.Resource))
	}
	token, err := conf.Exchange(exchangeCtx, code, opts...)
	if err != nil {
		return serverName, fmt.Errorf("code exchange failed for %s: %w", serverName, err)
	}

	if err := c.updateOAuth(serverName, func(o *config.OAuthConfig) {
		o.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			o.RefreshToken = token.RefreshToken
		}
		o.PendingAuthorization = nil
	}); err != nil {
		return serverName, err
	}

	c.logger.Info("Authorization completed", zap.String("server", serverName))

	c.mu.Lock()
	authorized := c.onAuthorized
	c.mu.Unlock()
	if authorized != nil {
		authorized(serverName)
	}
	return serverName, nil
}

// AuthorizationURL returns the URL the user must visit for a pending
// flow, or empty when none is pending.
func (c *Coordinator) AuthorizationURL(serverName string) string {
	srv := c.store.Current().MCPServers[serverName]
	if srv == nil || srv.OAuth == nil || srv.OAuth.PendingAuthorization == nil {
		return ""
	}
	pending := srv.OAuth.PendingAuthorization
	if pending.Expired(c.now()) {
		return ""
	}
	return pending.AuthorizationURL
}

// CleanupExpiredPending drops pending authorizations past their TTL.
// Returns how many were removed.
func (c *Coordinator) CleanupExpiredPending() int {
	settings := c.store.Current()
	var expired []string
	for name, srv := range settings.MCPServers {
		if srv.OAuth != nil && srv.OAuth.PendingAuthorization != nil &&
			srv.OAuth.PendingAuthorization.Expired(c.now()) {
			expired = append(expired, name)
		}
	}
	for _, name := range expired {
		if err := c.updateOAuth(name, func(o *config.OAuthConfig) {
			o.PendingAuthorization = nil
		}); err != nil {
			c.logger.Warn("Failed to clear expired pending authorization",
				zap.String("server", name), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		c.logger.Info("Cleared expired pending authorizations",
			zap.Int("count", len(expired)))
	}
	return len(expired)
}

// RunCleanup clears expired pending authorizations periodically until
// the context is cancelled.
func (c *Coordinator) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpiredPending()
		}
	}
}

// updateOAuth clones the settings, applies the mutation to the server's
// OAuth block, and saves.
func (c *Coordinator) updateOAuth(serverName string, mutate func(*config.OAuthConfig)) error {
	settings, err := c.store.Current().Clone()
	if err != nil {
		return err
	}
	srv := settings.MCPServers[serverName]
	if srv == nil {
		return fmt.Errorf("server %s no longer exists", serverName)
	}
	if srv.OAuth == nil {
		srv.OAuth = &config.OAuthConfig{}
	}
	mutate(srv.OAuth)
	return c.store.Save(settings)
}

func (c *Coordinator) oauth2Config(oc *config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		RedirectURL:  c.redirectURI,
		Scopes:       oc.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  oc.AuthorizationEndpoint,
			TokenURL: oc.TokenEndpoint,
		},
	}
}

// isInvalidGrant matches the RFC 6749 invalid_grant error, the one case
// where the refresh token itself is dead.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode == "invalid_grant"
	}
	return false
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
