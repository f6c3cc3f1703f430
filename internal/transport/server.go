// Server implements the four HTTP endpoints of the transport surface,
// routed with github.com/go-chi/chi/v5; the sync and pull endpoints are
// session-gated.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/post-sync/post/internal/payload"
	"github.com/post-sync/post/internal/posterr"
)

// SessionStore is how the server looks up and installs per-peer sessions;
// implemented by the peer registry.
type SessionStore interface {
	SessionFor(peerID string) (*Session, bool)
	InstallSession(peerID string, session *Session)
	NoteDecryptFailure(peerID string)
}

// Inbox receives successfully decrypted, replay- and skew-checked inbound
// payloads; implemented by the sync engine.
type Inbox interface {
	ApplyInbound(senderID string, p payload.Payload) error
}

// LatestProvider answers /v1/clipboard/pull with the newest locally observed
// payload; implemented by the sync engine.
type LatestProvider interface {
	Latest() (payload.Payload, bool)
}

// Server owns the transport HTTP surface for one daemon instance.
type Server struct {
	self       SelfInfo
	responder  *Responder
	sessions   SessionStore
	inbox      Inbox
	latest     LatestProvider
	skewWindow time.Duration
	startedAt  time.Time

	router *chi.Mux
}

type ServerConfig struct {
	Self       SelfInfo
	Trust      TrustStore
	Sessions   SessionStore
	Inbox      Inbox
	Latest     LatestProvider
	SkewWindow time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		self:       cfg.Self,
		responder:  NewResponder(cfg.Self, cfg.Trust),
		sessions:   cfg.Sessions,
		inbox:      cfg.Inbox,
		latest:     cfg.Latest,
		skewWindow: cfg.SkewWindow,
		startedAt:  time.Now(),
	}
	s.router = chi.NewRouter()
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Post("/v1/handshake", s.handleHandshake)
	s.router.Post("/v1/clipboard/sync", s.requireSession(s.handleSync))
	s.router.Get("/v1/clipboard/pull", s.requireSession(s.handlePull))
}

type statusResponse struct {
	NodeID   string `json:"node_id"`
	Version  int    `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		NodeID:  s.self.NodeID,
		Version: ProtocolVersion,
		UptimeS: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, HandshakeResponse{Error: err.Error()})
		return
	}

	switch {
	case req.Hello != nil:
		hello2, err := s.responder.HandleHello(*req.Hello)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, HandshakeResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, HandshakeResponse{Hello: &hello2})

	case req.Confirm != nil:
		session, err := s.responder.HandleConfirm(*req.Confirm)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, HandshakeResponse{Error: err.Error()})
			return
		}
		s.sessions.InstallSession(req.Confirm.NodeID, session)
		writeJSON(w, http.StatusOK, HandshakeResponse{Ack: &AckPayload{NodeID: s.self.NodeID, OK: true}})

	default:
		writeJSON(w, http.StatusBadRequest, HandshakeResponse{Error: "handshake request carries neither hello nor confirm"})
	}
}

// requireSession enforces that every non-status endpoint needs a valid
// session, returning 401 (which triggers the caller to re-handshake)
// otherwise.
func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, *Session, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID := r.Header.Get("X-Post-Node-Id")
		if peerID == "" {
			http.Error(w, "missing X-Post-Node-Id", http.StatusUnauthorized)
			return
		}
		session, ok := s.sessions.SessionFor(peerID)
		if !ok {
			http.Error(w, "no session for peer", http.StatusUnauthorized)
			return
		}
		next(w, r, session, peerID)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, session *Session, peerID string) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	p, err := OpenEnvelope(session, env, time.Now(), s.skewWindow)
	if err != nil {
		if posterr.Is(err, posterr.KindCrypto) {
			s.sessions.NoteDecryptFailure(peerID)
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.inbox.ApplyInbound(peerID, p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, session *Session, peerID string) {
	p, ok := s.latest.Latest()
	if !ok {
		http.Error(w, "no local payload", http.StatusNotFound)
		return
	}

	env, err := SealPayload(session, s.self.NodeID, p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// Serve runs the HTTP server on addr until ctx is cancelled, draining
// in-flight requests for drainDeadline before forcing shutdown.
func (s *Server) Serve(ctx context.Context, addr string, drainDeadline time.Duration) error {
	httpServer := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
