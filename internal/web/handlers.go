package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kuuji/gatewarden/internal/auth"
	"github.com/kuuji/gatewarden/internal/registry"
)

// peerJSON is the wire shape of a peer. Private keys never leave the
// server through this type.
type peerJSON struct {
	Username     string `json:"username"`
	PublicKey    string `json:"public_key"`
	AssignedIP   string `json:"assigned_ip"`
	ClientOS     string `json:"client_os"`
	ACLProfile   string `json:"acl_profile"`
	Status       string `json:"status"`
	Connected    bool   `json:"connected"`
	TotalRx      uint64 `json:"total_rx"`
	TotalTx      uint64 `json:"total_tx"`
	LastLogin    int64  `json:"last_login"`
	LastEndpoint string `json:"last_endpoint"`
	CreatedAt    int64  `json:"created_at"`
}

func toPeerJSON(p *registry.Peer) peerJSON {
	return peerJSON{
		Username:     p.Username,
		PublicKey:    p.PublicKey,
		AssignedIP:   p.AssignedIP.String(),
		ClientOS:     p.ClientOS,
		ACLProfile:   p.ACLProfile,
		Status:       p.Status,
		TotalRx:      p.TotalRx,
		TotalTx:      p.TotalTx,
		LastLogin:    p.LastLogin,
		LastEndpoint: p.LastEndpoint,
		CreatedAt:    p.CreatedAt,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	admin, err := s.dir.GetAdmin(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if req.Username != admin.Username || auth.VerifyPassword(admin.PasswordHash, req.Password) != nil {
		s.log.Warn("failed login attempt", "username", req.Username, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.tokens.Issue(admin.Username, time.Now()),
		Path:     "/",
		MaxAge:   int(auth.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	s.audit.Record(admin.Username, "login", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListPeers returns registry rows enriched with the poller's live
// view: connection state, current endpoint, and counters that have not
// reached the database yet.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.dir.ListPeers(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	frame, haveLive := s.bcast.Last()

	out := make([]peerJSON, 0, len(peers))
	for _, p := range peers {
		pj := toPeerJSON(p)
		if haveLive {
			if m, ok := frame.Data[p.PublicKey]; ok {
				pj.Connected = m.Connected
				if m.Endpoint != "" {
					pj.LastEndpoint = m.Endpoint
				}
				if m.LastHandshake > pj.LastLogin {
					pj.LastLogin = m.LastHandshake
				}
				if m.RxBytes > pj.TotalRx {
					pj.TotalRx = m.RxBytes
				}
				if m.TxBytes > pj.TotalTx {
					pj.TotalTx = m.TxBytes
				}
			}
		}
		out = append(out, pj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string `json:"username"`
		ClientOS   string `json:"client_os"`
		ACLProfile string `json:"acl_profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	peer, artifact, err := s.mgr.Create(r.Context(), req.Username, req.ClientOS, req.ACLProfile)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "peer_created",
		"peer", peer.Username, "ip", peer.AssignedIP.String(), "profile", peer.ACLProfile)
	writeJSON(w, http.StatusCreated, map[string]any{
		"peer":   toPeerJSON(peer),
		"config": artifact,
	})
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if err := s.mgr.Delete(r.Context(), handle); err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "peer_deleted", "peer", handle)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleTogglePeer flips the peer's status. Without a body (or without
// an "enabled" key) the stored status inverts; an explicit
// {"enabled": bool} sets it.
func (s *Server) handleTogglePeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	handle := r.PathValue("handle")
	var peer *registry.Peer
	var err error
	if req.Enabled == nil {
		peer, err = s.mgr.Toggle(r.Context(), handle)
	} else {
		peer, err = s.mgr.SetEnabled(r.Context(), handle, *req.Enabled)
	}
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "peer_toggled", "peer", handle, "enabled", peer.Active())
	writeJSON(w, http.StatusOK, toPeerJSON(peer))
}

func (s *Server) handleRotatePeer(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	peer, artifact, err := s.mgr.RotateKeys(r.Context(), handle)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "peer_keys_rotated", "peer", handle)
	writeJSON(w, http.StatusOK, map[string]any{
		"peer":   toPeerJSON(peer),
		"config": artifact,
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	conf, qr, err := s.mgr.Artifact(r.Context(), handle)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "artifact_fetched", "peer", handle)
	writeJSON(w, http.StatusOK, map[string]string{
		"config": conf,
		"qr":     qr,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	sessions, err := s.dir.SessionsForPeer(r.Context(), r.PathValue("handle"), limit)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	type sessionJSON struct {
		StartTime int64  `json:"start_time"`
		EndTime   int64  `json:"end_time"`
		Endpoint  string `json:"endpoint"`
		Rx        uint64 `json:"rx"`
		Tx        uint64 `json:"tx"`
		Active    bool   `json:"active"`
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON{
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			Endpoint:  s.Endpoint,
			Rx:        s.Rx,
			Tx:        s.Tx,
			Active:    s.Active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.Run(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "sync_all",
		"zombies_removed", len(res.ZombiesRemoved), "file_rewritten", res.FileRewritten)
	writeJSON(w, http.StatusOK, map[string]any{
		"active_peers":    res.ActivePeers,
		"zombies_removed": res.ZombiesRemoved,
		"file_rewritten":  res.FileRewritten,
	})
}
