package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/reqcontext"
)

// sessionIDHeader carries the streaming-HTTP session id.
const sessionIDHeader = "Mcp-Session-Id"

// handleStreamablePost serves one JSON-RPC exchange over plain HTTP.
// The first POST without a session header is treated as initialize and
// mints the session id returned in the response header.
func (s *Server) handleStreamablePost(w http.ResponseWriter, r *http.Request, user, segment, sub string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var session *Session
	if id := r.Header.Get(sessionIDHeader); id != "" {
		existing, ok := s.sessions.Get(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		session = existing
	} else {
		settings := s.store.Current()
		scope, err := ResolveScope(settings, segment, sub)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		session = s.sessions.Create(scope, user)
		s.logger.Info("Streamable session opened",
			zap.String("session_id", session.ID),
			zap.String("scope", scope.Kind.String()),
			zap.String("scope_id", scope.ID))
	}

	w.Header().Set(sessionIDHeader, session.ID)

	ctx := reqcontext.WithRequestContext(r.Context(), &reqcontext.RequestContext{
		SessionID: session.ID,
		User:      session.User,
		Headers:   r.Header,
	})

	response := s.dispatcher.HandleMessage(ctx, session, body)
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(response)
}

// handleStreamableGet opens the server-push stream for notifications.
func (s *Server) handleStreamableGet(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionIDHeader)
	if id == "" {
		http.Error(w, "missing "+sessionIDHeader, http.StatusBadRequest)
		return
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-session.Outbox():
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			session.Touch()
		}
	}
}

// handleStreamableDelete closes the session on client request.
func (s *Server) handleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionIDHeader)
	if id == "" {
		http.Error(w, "missing "+sessionIDHeader, http.StatusBadRequest)
		return
	}
	if _, ok := s.sessions.Get(id); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.sessions.Close(id)
	s.logger.Info("Streamable session closed", zap.String("session_id", id))
	w.WriteHeader(http.StatusOK)
}
