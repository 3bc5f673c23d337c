package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/auth"
	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

type inviteCreateReq struct {
	Code    string `json:"code"`
	MaxUses int    `json:"max_uses"`
}

type inviteUpdateReq struct {
	Enabled *bool `json:"enabled"`
	MaxUses *int  `json:"max_uses"`
}

type userUpdateReq struct {
	IsActive *bool `json:"is_active"`
	IsAdmin  *bool `json:"is_admin"`
}

type userLevelReq struct {
	UserLevel     int  `json:"user_level"`
	ExpiresInDays *int `json:"expires_in_days"`
}

// userStatsOut carries an account row plus its live data counts.
type userStatsOut struct {
	store.User
	ConversationsCount int64 `json:"conversations_count"`
	MessagesCount      int64 `json:"messages_count"`
}

// CreateInvite handles POST /api/admin/invites. Without an explicit
// code a random one is generated.
func (s *Server) CreateInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req inviteCreateReq
	if !decodeBody(w, r, &req) {
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = uuid.New().String()
	}
	if req.MaxUses <= 0 {
		req.MaxUses = 1
	}

	_, err := store.InviteByCode(ctx, s.DB, code)
	if err == nil {
		writeError(w, r, http.StatusBadRequest, "invite code already exists")
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		serviceError(w, r, err, "")
		return
	}

	inv := &store.InviteCode{
		Code:      code,
		MaxUses:   req.MaxUses,
		Enabled:   true,
		CreatedAt: syncx.NowMs(),
	}
	if err := store.CreateInvite(ctx, s.DB, inv); err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Str("code", code).Int("maxUses", inv.MaxUses).Msg("invite code created")
	writeJSON(w, http.StatusCreated, inv)
}

// ListInvites handles GET /api/admin/invites
func (s *Server) ListInvites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 500)

	invites, err := store.ListInvites(ctx, s.DB, skip, limit)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, invites)
}

// UpdateInvite handles PATCH /api/admin/invites/{code}
func (s *Server) UpdateInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	var req inviteUpdateReq
	if !decodeBody(w, r, &req) {
		return
	}

	inv, err := store.InviteByCode(ctx, s.DB, code)
	if err != nil {
		serviceError(w, r, err, "invite code")
		return
	}

	if req.MaxUses != nil {
		if *req.MaxUses < inv.UsedCount {
			writeError(w, r, http.StatusBadRequest,
				fmt.Sprintf("max_uses cannot be less than used count (%d)", inv.UsedCount))
			return
		}
		inv.MaxUses = *req.MaxUses
	}
	if req.Enabled != nil {
		inv.Enabled = *req.Enabled
	}

	if err := store.UpdateInvite(ctx, s.DB, inv); err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// DeleteInvite handles DELETE /api/admin/invites/{code}
func (s *Server) DeleteInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	if err := store.DeleteInvite(ctx, s.DB, code); err != nil {
		serviceError(w, r, err, "invite code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ListUsers handles GET /api/admin/users
func (s *Server) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 500)

	users, err := store.ListUsers(ctx, s.DB, skip, limit)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	out := make([]userStatsOut, 0, len(users))
	for _, u := range users {
		convs, err := store.CountConversations(ctx, s.DB, u.ID)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		msgs, err := store.CountMessages(ctx, s.DB, u.ID)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		out = append(out, userStatsOut{User: u, ConversationsCount: convs, MessagesCount: msgs})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetUserDetail handles GET /api/admin/users/{id}
func (s *Server) GetUserDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}

	u, err := store.UserByID(ctx, s.DB, id)
	if err != nil {
		serviceError(w, r, err, "user")
		return
	}

	convs, err := store.CountConversations(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	msgs, err := store.CountMessages(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	recent, err := store.RecentConversations(ctx, s.DB, u.ID, 5)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user": u,
		"stats": map[string]any{
			"conversations_count": convs,
			"messages_count":      msgs,
		},
		"recent_conversations": recent,
	})
}

// UpdateUser handles PATCH /api/admin/users/{id}. Admins cannot change
// their own admin flag.
func (s *Server) UpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}

	var req userUpdateReq
	if !decodeBody(w, r, &req) {
		return
	}

	target, err := store.UserByID(ctx, s.DB, id)
	if err != nil {
		serviceError(w, r, err, "user")
		return
	}
	if target.ID == auth.UserID(ctx) && req.IsAdmin != nil {
		writeError(w, r, http.StatusBadRequest, "cannot change your own admin status")
		return
	}

	if req.IsActive != nil {
		if err := store.SetUserActive(ctx, s.DB, target.ID, *req.IsActive); err != nil {
			serviceError(w, r, err, "")
			return
		}
		target.IsActive = *req.IsActive
	}
	if req.IsAdmin != nil {
		if err := store.SetUserAdmin(ctx, s.DB, target.ID, *req.IsAdmin); err != nil {
			serviceError(w, r, err, "")
			return
		}
		target.IsAdmin = *req.IsAdmin
	}

	log.Ctx(ctx).Info().Int64("userId", target.ID).Msg("user updated")
	writeJSON(w, http.StatusOK, target)
}

// SetUserLevel handles POST /api/admin/users/{unique_id}/level. The
// expiry only moves when expires_in_days is sent.
func (s *Server) SetUserLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uniqueID := chi.URLParam(r, "unique_id")

	var req userLevelReq
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := levelNames[req.UserLevel]; !ok {
		writeError(w, r, http.StatusBadRequest, "invalid user level, supported: 0, 1, 2, 3, 4, 99")
		return
	}

	target, err := store.UserByUniqueID(ctx, s.DB, uniqueID)
	if err != nil {
		serviceError(w, r, err, "user")
		return
	}
	if target.ID == auth.UserID(ctx) && req.UserLevel != levelAdmin {
		writeError(w, r, http.StatusBadRequest, "cannot demote your own admin level")
		return
	}

	var expiresAt *int64
	if req.ExpiresInDays != nil {
		ms := syncx.NowMs() + int64(*req.ExpiresInDays)*86_400_000
		expiresAt = &ms
	}
	if err := store.SetUserLevel(ctx, s.DB, target.ID, req.UserLevel, expiresAt); err != nil {
		serviceError(w, r, err, "")
		return
	}
	target.UserLevel = req.UserLevel
	if expiresAt != nil {
		target.ExpiresAt = expiresAt
	}

	log.Ctx(ctx).Info().Str("uniqueId", uniqueID).Int("level", req.UserLevel).Msg("user level changed")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user": target})
}

// DeleteUser handles DELETE /api/admin/users/{id}. Removes the account
// and everything it owns in one transaction.
func (s *Server) DeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}
	if id == auth.UserID(ctx) {
		writeError(w, r, http.StatusBadRequest, "cannot delete your own account")
		return
	}

	target, err := store.UserByID(ctx, s.DB, id)
	if err != nil {
		serviceError(w, r, err, "user")
		return
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	defer tx.Rollback()

	counts, err := store.DeleteUserData(ctx, tx, target.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	if err := tx.Commit(); err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", target.ID).Str("username", target.Username).
		Msg("user deleted")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": counts})
}

// AdminStats handles GET /api/admin/stats
func (s *Server) AdminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalUsers, err := store.CountUsers(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	activeUsers, err := store.CountActiveUsers(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	adminUsers, err := store.CountAdminUsers(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	levelCounts, err := store.UserLevelCounts(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	byLevel := make(map[string]int64, len(levelOrder))
	for _, lvl := range levelOrder {
		byLevel[fmt.Sprintf("level_%d_%s", lvl, levelNames[lvl])] = levelCounts[lvl]
	}

	data, err := store.GlobalDataStats(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	retained, err := store.CountOperations(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	totalInvites, activeInvites, err := store.CountInvites(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	totalKeys, activeKeys, err := store.CountPoolKeys(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	totalBackups, _, backupUsers, err := store.GlobalBackupStats(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	totalTriggers, activeTriggers, _, _, err := store.GlobalTriggerStats(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	totalMemories, memoryUsers, _, _, err := store.GlobalMemoryStats(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": map[string]any{
			"total":    totalUsers,
			"active":   activeUsers,
			"admin":    adminUsers,
			"by_level": byLevel,
		},
		"data": map[string]any{
			"conversations": data.Conversations,
			"messages":      data.Messages,
			"providers":     data.Providers,
			"recycle_bin": map[string]any{
				"conversations": data.BinnedConversations,
				"messages":      data.BinnedMessages,
				"providers":     data.BinnedProviders,
			},
			"operations_retained": retained,
		},
		"invites": map[string]any{
			"total":  totalInvites,
			"active": activeInvites,
		},
		"cloud_services": map[string]any{
			"api_keys": map[string]any{
				"total":  totalKeys,
				"active": activeKeys,
			},
			"backups": map[string]any{
				"total": totalBackups,
				"users": backupUsers,
			},
			"triggers": map[string]any{
				"total":  totalTriggers,
				"active": activeTriggers,
			},
			"memories": map[string]any{
				"total": totalMemories,
				"users": memoryUsers,
			},
		},
	})
}
