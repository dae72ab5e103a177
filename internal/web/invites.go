package web

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"time"

	"github.com/kuuji/gatewarden/internal/registry"
)

// inviteCodeTTL bounds how long the one-time code stays redeemable.
const inviteCodeTTL = 15 * time.Minute

type inviteJSON struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	Code        string `json:"code"`
	CodeExpires int64  `json:"code_expires"`
	Verified    bool   `json:"verified"`
	CreatedAt   int64  `json:"created_at"`
}

func toInviteJSON(inv *registry.Invite) inviteJSON {
	return inviteJSON{
		Email:       inv.Email,
		Token:       inv.Token,
		Code:        inv.Code,
		CodeExpires: inv.CodeExpires,
		Verified:    inv.Verified,
		CreatedAt:   inv.CreatedAt,
	}
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	token, code, err := newInviteSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	inv, err := s.dir.CreateInvite(r.Context(), req.Email, token, code,
		time.Now().Add(inviteCodeTTL).Unix())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "invite_created", "email", req.Email)
	writeJSON(w, http.StatusCreated, toInviteJSON(inv))
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := s.dir.ListInvites(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	out := make([]inviteJSON, 0, len(invites))
	for i := range invites {
		out = append(out, toInviteJSON(&invites[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, err := s.dir.InviteByToken(r.Context(), token); err != nil {
		writeLifecycleError(w, err)
		return
	}
	if err := s.dir.DeleteInvite(r.Context(), token); err != nil {
		writeLifecycleError(w, err)
		return
	}
	s.audit.Record(actor(r.Context()), "invite_revoked", "token", token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleRegister redeems an invite: the bearer proves possession of the
// one-time code and gets a peer plus its tunnel config in return. This
// is the only unauthenticated mutating endpoint; the invite token is
// the credential.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Username string `json:"username"`
		ClientOS string `json:"client_os"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	token := r.PathValue("token")
	inv, err := s.dir.InviteByToken(r.Context(), token)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	if time.Now().Unix() >= inv.CodeExpires {
		writeError(w, http.StatusGone, "invite code expired")
		return
	}
	if req.Code != inv.Code {
		s.log.Warn("invite redemption with wrong code", "email", inv.Email, "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "wrong code")
		return
	}
	if err := s.dir.MarkInviteVerified(r.Context(), token); err != nil {
		writeLifecycleError(w, err)
		return
	}

	peer, artifact, err := s.mgr.Create(r.Context(), req.Username, req.ClientOS, "")
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	if err := s.dir.DeleteInvite(r.Context(), token); err != nil {
		s.log.Warn("removing redeemed invite", "error", err)
	}
	s.audit.Record(inv.Email, "invite_redeemed", "peer", peer.Username)
	writeJSON(w, http.StatusCreated, map[string]any{
		"peer":   toPeerJSON(peer),
		"config": artifact,
	})
}

// newInviteSecret returns a URL-safe token and a six digit code.
func newInviteSecret() (token, code string, err error) {
	buf := make([]byte, 28)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating invite token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf[:24])
	n := uint32(buf[24])<<24 | uint32(buf[25])<<16 | uint32(buf[26])<<8 | uint32(buf[27])
	code = fmt.Sprintf("%06d", n%1_000_000)
	return token, code, nil
}
