// Package web serves the administrative HTTP surface: peer CRUD, client
// artifacts, session history, full sync, and the live stats websocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kuuji/gatewarden/internal/audit"
	"github.com/kuuji/gatewarden/internal/auth"
	"github.com/kuuji/gatewarden/internal/manager"
	"github.com/kuuji/gatewarden/internal/reconcile"
	"github.com/kuuji/gatewarden/internal/registry"
	"github.com/kuuji/gatewarden/internal/telemetry"
)

// sessionCookie carries the signed admin session token.
const sessionCookie = "gatewarden_session"

// Lifecycle is the slice of the peer manager the handlers drive.
type Lifecycle interface {
	Create(ctx context.Context, handle, clientOS, profile string) (*registry.Peer, string, error)
	Delete(ctx context.Context, handle string) error
	SetEnabled(ctx context.Context, handle string, enabled bool) (*registry.Peer, error)
	Toggle(ctx context.Context, handle string) (*registry.Peer, error)
	RotateKeys(ctx context.Context, handle string) (*registry.Peer, string, error)
	Artifact(ctx context.Context, handle string) (conf, qr string, err error)
}

// Directory is the slice of the registry the handlers use directly.
type Directory interface {
	ListPeers(ctx context.Context) ([]*registry.Peer, error)
	SessionsForPeer(ctx context.Context, username string, limit int) ([]registry.Session, error)
	GetAdmin(ctx context.Context) (*registry.Admin, error)
	CreateInvite(ctx context.Context, email, token, code string, codeExpires int64) (*registry.Invite, error)
	InviteByToken(ctx context.Context, token string) (*registry.Invite, error)
	MarkInviteVerified(ctx context.Context, token string) error
	ListInvites(ctx context.Context) ([]registry.Invite, error)
	DeleteInvite(ctx context.Context, token string) error
}

// Syncer runs one full reconciliation sweep on demand.
type Syncer interface {
	Run(ctx context.Context) (*reconcile.Result, error)
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	mgr    Lifecycle
	dir    Directory
	syncer Syncer
	bcast  *telemetry.Broadcaster
	tokens *auth.Tokens
	audit  *audit.Log
	log    *slog.Logger

	listener   net.Listener
	httpServer *http.Server
}

// NewServer wires the admin surface.
func NewServer(addr string, mgr Lifecycle, dir Directory, syncer Syncer,
	bcast *telemetry.Broadcaster, tokens *auth.Tokens, auditLog *audit.Log, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		mgr:    mgr,
		dir:    dir,
		syncer: syncer,
		bcast:  bcast,
		tokens: tokens,
		audit:  auditLog,
		log:    logger.With("component", "web"),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	mux.Handle("GET /api/users", s.requireAuth(s.handleListPeers))
	mux.Handle("POST /api/users", s.requireAuth(s.handleCreatePeer))
	mux.Handle("DELETE /api/users/{handle}", s.requireAuth(s.handleDeletePeer))
	mux.Handle("PATCH /api/users/{handle}/toggle", s.requireAuth(s.handleTogglePeer))
	mux.Handle("POST /api/users/{handle}/rotate", s.requireAuth(s.handleRotatePeer))
	mux.Handle("GET /api/users/{handle}/config", s.requireAuth(s.handleArtifact))
	mux.Handle("GET /api/users/{handle}/sessions", s.requireAuth(s.handleSessions))
	mux.Handle("POST /api/users/sync_all", s.requireAuth(s.handleSyncAll))

	mux.Handle("POST /api/invites", s.requireAuth(s.handleCreateInvite))
	mux.Handle("GET /api/invites", s.requireAuth(s.handleListInvites))
	mux.Handle("DELETE /api/invites/{token}", s.requireAuth(s.handleRevokeInvite))
	mux.HandleFunc("POST /api/register/{token}", s.handleRegister)

	mux.Handle("GET /ws/stats", s.requireAuth(s.handleStats))
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server error", "error", err)
		}
	}()

	s.log.Info("admin server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	s.log.Info("admin server stopped")
	return nil
}

// requireAuth wraps a handler with session cookie verification.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, err := s.tokens.Verify(c.Value, time.Now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "session invalid or expired")
			return
		}
		next(w, r.WithContext(withActor(r.Context(), user)))
	})
}

type actorKey struct{}

func withActor(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, actorKey{}, user)
}

func actor(ctx context.Context) string {
	if u, ok := ctx.Value(actorKey{}).(string); ok {
		return u
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLifecycleError maps domain errors onto HTTP statuses.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrInvalidHandle),
		errors.Is(err, manager.ErrInvalidProfile),
		errors.Is(err, manager.ErrInvalidOS):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
