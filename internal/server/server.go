// Package server hosts the downstream-facing HTTP surface: SSE and
// streaming-HTTP MCP transports, the OAuth callback, and the optional
// OAuth proxy. It owns session lifecycle and request dispatch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/index"
	"github.com/parasshah10/mcphub/internal/oauth"
	"github.com/parasshah10/mcphub/internal/storage"
	"github.com/parasshah10/mcphub/internal/upstream"
)

// ErrBindFailed marks a listen-socket failure so the caller can exit
// with a distinct code.
var ErrBindFailed = errors.New("failed to bind listen address")

// Server wires the stores, the upstream registry, and the transports
// together behind one chi router.
type Server struct {
	logger      *zap.Logger
	runtime     *config.RuntimeConfig
	store       *config.Store
	storage     *storage.Manager
	coordinator *oauth.Coordinator
	upstreams   *upstream.Manager
	index       *index.Manager // nil when smart routing is off
	sessions    *SessionManager
	dispatcher  *Dispatcher
	httpClient  *http.Client
	basePath    string

	httpServer *http.Server
}

// New assembles the full hub from the runtime config. Settings are
// loaded eagerly so configuration errors surface before listening.
func New(runtime *config.RuntimeConfig, logger *zap.Logger) (*Server, error) {
	store := config.NewStore(runtime.SettingsPath, logger)
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	storageMgr, err := storage.NewManager(runtime.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	coordinator := oauth.NewCoordinator(store, callbackURL(runtime), logger)

	var idx *index.Manager
	if smart := settings.SmartRouting(); smart.Enabled {
		idx, err = index.NewManager(smart, runtime.DataDir, storageMgr, logger)
		if err != nil {
			// Smart routes fall back to full listings without a backend.
			logger.Warn("Smart routing backend unavailable, smart routes degrade to full listings",
				zap.Error(err))
			idx = nil
		}
	}

	s := &Server{
		logger:      logger.Named("server"),
		runtime:     runtime,
		store:       store,
		storage:     storageMgr,
		coordinator: coordinator,
		index:       idx,
		sessions:    NewSessionManager(logger),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		basePath:    runtime.BasePath,
	}

	s.upstreams = upstream.NewManager(runtime.NameSeparator, coordinator, storageMgr, runtime.Logging, logger)
	s.dispatcher = NewDispatcher(store, s.upstreams, idx, s.sessions, logger)

	s.upstreams.SetToolsChangedHandler(func(serverName string) {
		s.rebuildIndex(context.Background())
		s.dispatcher.BroadcastToolsChanged(serverName)
	})
	s.upstreams.SetNotificationHandler(s.dispatcher.ForwardUpstreamNotification)
	coordinator.SetAuthorizedHandler(func(serverName string) {
		if cli, ok := s.upstreams.Client(serverName); ok {
			cli.TriggerReconnect()
		}
	})

	return s, nil
}

// Start runs the hub until ctx is cancelled. The returned error is nil
// on clean shutdown and wraps ErrBindFailed when the port is taken.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.runtime.Listen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	s.upstreams.Apply(ctx, s.store.Current())
	s.rebuildIndex(ctx)

	unsubscribe := s.store.Subscribe(func(settings *config.Settings) {
		s.upstreams.Apply(ctx, settings)
		s.rebuildIndex(ctx)
	})
	defer unsubscribe()

	go func() {
		if err := s.store.Watch(ctx); err != nil {
			s.logger.Warn("Settings watcher stopped", zap.Error(err))
		}
	}()
	go s.sessions.RunJanitor(ctx)
	go s.coordinator.RunCleanup(ctx, 0)

	s.httpServer = &http.Server{Handler: s.router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("MCPHub listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("base_path", s.basePath))

	err = s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	s.sessions.CloseAll()
	s.upstreams.StopAll()
	if s.index != nil {
		s.index.Close()
	}
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("Failed to close storage", zap.Error(err))
	}
	s.logger.Info("MCPHub stopped")
	return nil
}

// router builds the HTTP surface: core transports at the base path,
// the same shapes under /<user>/ mounts, and the OAuth endpoints.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	mount := chi.NewRouter()
	s.mountTransports(mount, "")

	mount.Get("/oauth/callback", s.handleOAuthCallback)
	mount.Get("/.well-known/oauth-authorization-server", s.handleOAuthMetadata)
	mount.Get("/oauth/authorize", s.handleOAuthAuthorize)
	mount.Post("/oauth/token", s.handleOAuthToken)

	// User-scoped mounts reuse the transport shapes with the username
	// captured into the session.
	mount.Route("/{user}", func(ur chi.Router) {
		s.mountTransports(ur, "user")
	})

	if s.basePath != "" {
		r.Mount(s.basePath, mount)
	} else {
		r.Mount("/", mount)
	}
	return r
}

// mountTransports registers /sse, /messages and /mcp on the router.
// userParam names the chi URL parameter holding the username, or "".
func (s *Server) mountTransports(r chi.Router, userParam string) {
	resolveUser := func(req *http.Request) (string, bool) {
		if userParam == "" {
			return "", true
		}
		user := chi.URLParam(req, userParam)
		return user, s.knownUser(user)
	}

	sse := func(w http.ResponseWriter, req *http.Request) {
		user, ok := resolveUser(req)
		if !ok {
			http.NotFound(w, req)
			return
		}
		s.handleSSE(w, req, user, chi.URLParam(req, "segment"), chi.URLParam(req, "sub"))
	}
	r.Get("/sse", s.requireAuth(sse))
	r.Get("/sse/{segment}", s.requireAuth(sse))
	r.Get("/sse/{segment}/{sub}", s.requireAuth(sse))

	r.Post("/messages", s.requireAuth(s.handleMessages))

	post := func(w http.ResponseWriter, req *http.Request) {
		user, ok := resolveUser(req)
		if !ok {
			http.NotFound(w, req)
			return
		}
		s.handleStreamablePost(w, req, user, chi.URLParam(req, "segment"), chi.URLParam(req, "sub"))
	}
	r.Post("/mcp", s.requireAuth(post))
	r.Post("/mcp/{segment}", s.requireAuth(post))
	r.Post("/mcp/{segment}/{sub}", s.requireAuth(post))
	r.Get("/mcp", s.requireAuth(s.handleStreamableGet))
	r.Get("/mcp/{segment}", s.requireAuth(s.handleStreamableGet))
	r.Get("/mcp/{segment}/{sub}", s.requireAuth(s.handleStreamableGet))
	r.Delete("/mcp", s.requireAuth(s.handleStreamableDelete))
	r.Delete("/mcp/{segment}", s.requireAuth(s.handleStreamableDelete))
	r.Delete("/mcp/{segment}/{sub}", s.requireAuth(s.handleStreamableDelete))
}

// knownUser accepts only usernames present in the settings document.
func (s *Server) knownUser(name string) bool {
	if name == "" {
		return false
	}
	for _, u := range s.store.Current().Users {
		if u.Username == name {
			return true
		}
	}
	return false
}

// messagesPath returns the POST target advertised on SSE open.
func (s *Server) messagesPath(user string) string {
	if user != "" {
		return s.basePath + "/" + user + "/messages"
	}
	return s.basePath + "/messages"
}

// rebuildIndex refreshes the smart-routing index from the current
// qualified tool catalog.
func (s *Server) rebuildIndex(ctx context.Context) {
	if s.index == nil {
		return
	}

	entries := s.upstreams.Tools(nil)
	tools := make([]index.Tool, 0, len(entries))
	for _, entry := range entries {
		schema, err := json.Marshal(entry.Tool.InputSchema)
		if err != nil {
			schema = nil
		}
		tools = append(tools, index.Tool{
			ServerName:    entry.ServerName,
			ToolName:      entry.Name,
			QualifiedName: entry.QualifiedName,
			Description:   entry.Tool.Description,
			SchemaJSON:    string(schema),
		})
	}

	rebuildCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := s.index.Rebuild(rebuildCtx, tools); err != nil {
		s.logger.Warn("Index rebuild failed", zap.Error(err))
	}
}

// callbackURL derives the redirect URI handed to OAuth providers from
// the listen address.
func callbackURL(runtime *config.RuntimeConfig) string {
	host, port, err := net.SplitHostPort(runtime.Listen)
	if err != nil || host == "" || host == "::" || host == "0.0.0.0" {
		host = "localhost"
	}
	if port == "" {
		port = "3000"
	}
	base := fmt.Sprintf("http://%s:%s", host, port)
	if strings.Contains(host, ":") {
		base = fmt.Sprintf("http://[%s]:%s", host, port)
	}
	return base + runtime.BasePath + "/oauth/callback"
}
