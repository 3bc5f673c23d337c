package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/auth"
	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

// registerReq is the body for register and bootstrap-admin.
type registerReq struct {
	Username   string  `json:"username"`
	Password   string  `json:"password"`
	Email      *string `json:"email"`
	InviteCode string  `json:"invite_code"`
	SetupKey   string  `json:"setup_key"`
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is returned by register, login and bootstrap-admin.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        *store.User `json:"user"`
}

func (s *Server) issueToken(userID int64) (string, error) {
	return auth.IssueToken(s.Cfg.JWTSecret, userID, time.Duration(s.Cfg.TokenTTLHours)*time.Hour)
}

// Register handles POST /api/auth/register
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerReq
	if !decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}
	if s.Cfg.InviteRequired && req.InviteCode == "" {
		writeError(w, r, http.StatusBadRequest, "invite code required")
		return
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	defer tx.Rollback()

	if _, err := store.UserByUsername(ctx, tx, req.Username); !errors.Is(err, store.ErrNotFound) {
		if err == nil {
			writeError(w, r, http.StatusBadRequest, "username already taken")
		} else {
			serviceError(w, r, err, "")
		}
		return
	}
	if req.Email != nil && *req.Email != "" {
		if _, err := store.UserByEmail(ctx, tx, *req.Email); !errors.Is(err, store.ErrNotFound) {
			if err == nil {
				writeError(w, r, http.StatusBadRequest, "email already in use")
			} else {
				serviceError(w, r, err, "")
			}
			return
		}
	}

	if req.InviteCode != "" {
		invite, err := store.InviteByCode(ctx, tx, req.InviteCode)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, "invalid invite code")
			return
		}
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		if !invite.Enabled {
			writeError(w, r, http.StatusBadRequest, "invite code disabled")
			return
		}
		if invite.Exhausted() {
			writeError(w, r, http.StatusBadRequest, "invite code has reached its use limit")
			return
		}
		if err := store.ConsumeInvite(ctx, tx, req.InviteCode); err != nil {
			serviceError(w, r, err, "")
			return
		}
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	u := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    syncx.NowMs(),
	}
	if err := store.CreateUser(ctx, tx, u); err != nil {
		serviceError(w, r, err, "")
		return
	}
	uniqueID := fmt.Sprintf("USER-%05d", u.ID)
	if err := store.SetUserUniqueID(ctx, tx, u.ID, uniqueID); err != nil {
		serviceError(w, r, err, "")
		return
	}
	u.UniqueID = &uniqueID

	if err := tx.Commit(); err != nil {
		serviceError(w, r, err, "")
		return
	}

	token, err := s.issueToken(u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Str("username", u.Username).Msg("user registered")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", User: u})
}

// Login handles POST /api/auth/login
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginReq
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := store.UserByUsername(ctx, s.DB, req.Username)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !auth.CheckPassword(u.PasswordHash, req.Password)) {
		writeError(w, r, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	if !u.IsActive {
		writeError(w, r, http.StatusForbidden, "account is disabled")
		return
	}

	token, err := s.issueToken(u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Msg("user logged in")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", User: u})
}

// Me handles GET /api/auth/me
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// BootstrapAdmin handles POST /api/auth/bootstrap-admin. It creates the
// first admin account and refuses once any user exists, so it is only
// usable on a fresh install.
func (s *Server) BootstrapAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	count, err := store.CountUsers(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	if count > 0 {
		writeError(w, r, http.StatusForbidden, "users already exist")
		return
	}
	if s.Cfg.AdminSetupKey != "" && req.SetupKey != s.Cfg.AdminSetupKey {
		writeError(w, r, http.StatusForbidden, "invalid setup key")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	defer tx.Rollback()

	u := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		UserLevel:    levelAdmin,
		IsAdmin:      true,
		IsActive:     true,
		CreatedAt:    syncx.NowMs(),
	}
	if err := store.CreateUser(ctx, tx, u); err != nil {
		serviceError(w, r, err, "")
		return
	}
	uniqueID := fmt.Sprintf("ADMIN-%05d", u.ID)
	if err := store.SetUserUniqueID(ctx, tx, u.ID, uniqueID); err != nil {
		serviceError(w, r, err, "")
		return
	}
	u.UniqueID = &uniqueID

	if err := tx.Commit(); err != nil {
		serviceError(w, r, err, "")
		return
	}

	token, err := s.issueToken(u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Str("username", u.Username).Msg("initial admin created")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", User: u})
}
