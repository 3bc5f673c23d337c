package httpapi

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/auth"
	"github.com/nebulachat/sync-api/internal/service/syncservice"
)

// parseSince parses a cursor query param, tolerating junk as zero.
func parseSince(q string) int64 {
	if q == "" {
		return 0
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// GetScopes handles GET /api/sync/scopes
func (s *Server) GetScopes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp, err := s.Sync.GetScopes(ctx, auth.UserID(ctx))
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateScopes handles PUT /api/sync/scopes
func (s *Server) UpdateScopes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		EnabledScopes []string `json:"enabled_scopes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.Sync.UpdateScopes(ctx, auth.UserID(ctx), req.EnabledScopes)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pull handles GET /api/sync/pull
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	deviceID := q.Get("device_id")
	if deviceID == "" {
		deviceID = GetDeviceID(ctx)
	}

	opts := syncservice.PullOptions{
		DeviceID:           deviceID,
		ConversationsSince: parseSince(q.Get("conversations_since")),
		MessagesSince:      parseSince(q.Get("messages_since")),
		ProvidersSince:     parseSince(q.Get("providers_since")),
		IncludeDeleted:     parseBool(q.Get("include_deleted"), true),
		Limit:              parseLimit(q.Get("limit"), 100, 1000),
	}

	resp, err := s.Sync.Pull(ctx, auth.UserID(ctx), opts)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Push handles POST /api/sync/push
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req syncservice.PushRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.Sync.Push(ctx, auth.UserID(ctx), req)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecycleBin handles GET /api/sync/recycle-bin
func (s *Server) RecycleBin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp, err := s.Sync.RecycleBin(ctx, auth.UserID(ctx))
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PurgeExpired handles POST /api/sync/purge-expired. The endpoint backs
// the external cron path for tombstone cleanup and is gated by a shared
// admin key on top of normal auth.
func (s *Server) PurgeExpired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.Cfg.AdminPurgeKey == "" || r.URL.Query().Get("admin_key") != s.Cfg.AdminPurgeKey {
		writeError(w, r, http.StatusForbidden, "invalid admin key")
		return
	}

	counts, serverTime, err := s.Sync.PurgeExpired(ctx)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().
		Int64("conversations", counts.Conversations).
		Int64("messages", counts.Messages).
		Int64("providers", counts.Providers).
		Msg("purge-expired requested")

	writeJSON(w, http.StatusOK, map[string]any{
		"purged":      counts,
		"server_time": serverTime,
	})
}
