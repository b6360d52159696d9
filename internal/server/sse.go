package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/reqcontext"
)

// maxMessageBytes bounds one inbound JSON-RPC frame.
const maxMessageBytes = 4 << 20

// handleSSE opens an SSE session. The first frame tells the client
// where to POST its messages; everything after flows as message events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, user, segment, sub string) {
	settings := s.store.Current()
	scope, err := ResolveScope(settings, segment, sub)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	session := s.sessions.Create(scope, user)
	defer s.sessions.Close(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := s.messagesPath(user) + "?sessionId=" + url.QueryEscape(session.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	s.logger.Info("SSE session opened",
		zap.String("session_id", session.ID),
		zap.String("scope", scope.Kind.String()),
		zap.String("scope_id", scope.ID))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", zap.String("session_id", session.ID))
			return
		case frame, open := <-session.Outbox():
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-keepalive.C:
			// Comment frame; resets the idle clock on both ends.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			session.Touch()
		}
	}
}

// handleMessages ingests one JSON-RPC frame for an SSE session. The
// response travels back over the event stream; the POST itself only
// acknowledges receipt.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ctx := reqcontext.WithRequestContext(r.Context(), &reqcontext.RequestContext{
		SessionID: session.ID,
		User:      session.User,
		Headers:   r.Header,
	})

	// Dispatch inline; SSE responses are pushed onto the stream.
	if response := s.dispatcher.HandleMessage(ctx, session, body); response != nil {
		session.Send(response)
	}
	w.WriteHeader(http.StatusAccepted)
}
