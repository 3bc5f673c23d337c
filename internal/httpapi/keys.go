package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

type keyRequestReq struct {
	Provider string `json:"provider"`
}

type usageReportReq struct {
	Provider   string  `json:"provider"`
	TokensUsed int64   `json:"tokens_used"`
	RequestID  *string `json:"request_id"`
	ModelUsed  *string `json:"model_used"`
}

type poolKeyCreateReq struct {
	Provider   string  `json:"provider"`
	APIKey     string  `json:"api_key"`
	QuotaTotal int64   `json:"quota_total"`
	Notes      *string `json:"notes"`
}

type poolKeyUpdateReq struct {
	APIKey     *string `json:"api_key"`
	QuotaTotal *int64  `json:"quota_total"`
	IsActive   *bool   `json:"is_active"`
	Notes      *string `json:"notes"`
}

type quotaAssignReq struct {
	UserID       int64  `json:"user_id"`
	Provider     string `json:"provider"`
	QuotaTotal   int64  `json:"quota_total"`
	ResetMonthly *bool  `json:"reset_monthly"`
}

// firstOfNextMonth returns midnight UTC on the first day of the month
// after t.
func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// KeyProviders handles GET /api/keys/providers. Only providers the user
// still has quota for are listed.
func (s *Server) KeyProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelStandard, false)
	if !ok {
		return
	}

	quotas, err := store.ListQuotas(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	providers := make([]map[string]any, 0, len(quotas))
	for _, q := range quotas {
		if !q.IsActive || q.Remaining() <= 0 {
			continue
		}
		providers = append(providers, map[string]any{
			"provider":        q.Provider,
			"quota_remaining": q.Remaining(),
			"quota_total":     q.QuotaTotal,
			"reset_at":        q.QuotaResetAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// RequestKey handles POST /api/keys/request. The caller gets a decrypted
// pool key for the provider, charged against their quota by usage
// reports.
func (s *Server) RequestKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelStandard, false)
	if !ok {
		return
	}

	var req keyRequestReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required")
		return
	}

	quota, err := store.QuotaByUserProvider(ctx, s.DB, u.ID, req.Provider)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("no quota assigned for %s", req.Provider))
		return
	case err != nil:
		serviceError(w, r, err, "")
		return
	}
	if !quota.IsActive {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("no quota assigned for %s", req.Provider))
		return
	}
	if quota.Remaining() <= 0 {
		writeError(w, r, http.StatusForbidden, fmt.Sprintf("%s quota exhausted", req.Provider))
		return
	}

	pk, err := store.ActivePoolKey(ctx, s.DB, req.Provider)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Sprintf("%s is temporarily unavailable", req.Provider))
		return
	}
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	apiKey, err := s.Sync.Sealer.OpenOne(pk.APIKeyEncrypted)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Str("provider", req.Provider).
		Int64("poolKeyId", pk.ID).Msg("api key issued")
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":        req.Provider,
		"api_key":         apiKey,
		"quota_remaining": quota.Remaining(),
	})
}

// MyQuotas handles GET /api/keys/quota
func (s *Server) MyQuotas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelStandard, false)
	if !ok {
		return
	}

	quotas, err := store.ListQuotas(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quotas":     quotas,
		"user_level": u.UserLevel,
	})
}

// ReportUsage handles POST /api/keys/usage/report. Clients report token
// spend after using an issued key; the log row and the quota charge
// commit together.
func (s *Server) ReportUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelStandard, false)
	if !ok {
		return
	}

	var req usageReportReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" || req.TokensUsed <= 0 {
		writeError(w, r, http.StatusBadRequest, "provider and a positive tokens_used are required")
		return
	}

	if _, err := store.QuotaByUserProvider(ctx, s.DB, u.ID, req.Provider); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, fmt.Sprintf("no quota assigned for %s", req.Provider))
			return
		}
		serviceError(w, r, err, "")
		return
	}

	now := syncx.NowMs()
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	defer tx.Rollback()

	entry := &store.UsageLog{
		UserID:     u.ID,
		Provider:   req.Provider,
		TokensUsed: req.TokensUsed,
		RequestID:  req.RequestID,
		ModelUsed:  req.ModelUsed,
		CreatedAt:  now,
	}
	if err := store.InsertUsageLog(ctx, tx, entry); err != nil {
		serviceError(w, r, err, "")
		return
	}
	if err := store.AddQuotaUsage(ctx, tx, u.ID, req.Provider, req.TokensUsed, now); err != nil {
		serviceError(w, r, err, "")
		return
	}
	if err := tx.Commit(); err != nil {
		serviceError(w, r, err, "")
		return
	}

	quota, err := store.QuotaByUserProvider(ctx, s.DB, u.ID, req.Provider)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"quota_remaining": quota.Remaining(),
	})
}

// AdminCreatePoolKey handles POST /api/keys/admin/pool. The raw key is
// sealed before it touches the database.
func (s *Server) AdminCreatePoolKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req poolKeyCreateReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, "provider and api_key are required")
		return
	}
	if req.QuotaTotal <= 0 {
		writeError(w, r, http.StatusBadRequest, "quota_total must be positive")
		return
	}

	sealed, err := s.Sync.Sealer.SealOne(req.APIKey)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	k := &store.PoolKey{
		Provider:        req.Provider,
		APIKeyEncrypted: sealed,
		QuotaTotal:      req.QuotaTotal,
		IsActive:        true,
		Notes:           req.Notes,
		CreatedAt:       syncx.NowMs(),
	}
	if err := store.InsertPoolKey(ctx, s.DB, k); err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Str("provider", k.Provider).Int64("poolKeyId", k.ID).Msg("pool key added")
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":   "success",
		"key_pool": k,
	})
}

// AdminListPoolKeys handles GET /api/keys/admin/pool
func (s *Server) AdminListPoolKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var provider *string
	if v := r.URL.Query().Get("provider"); v != "" {
		provider = &v
	}
	keys, err := store.ListPoolKeys(ctx, s.DB, provider)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// AdminUpdatePoolKey handles PUT /api/keys/admin/pool/{id}. A new
// api_key value is resealed; other fields update in place.
func (s *Server) AdminUpdatePoolKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid key id")
		return
	}

	var req poolKeyUpdateReq
	if !decodeBody(w, r, &req) {
		return
	}

	k, err := store.PoolKeyByID(ctx, s.DB, id)
	if err != nil {
		serviceError(w, r, err, "key")
		return
	}

	if req.APIKey != nil {
		sealed, err := s.Sync.Sealer.SealOne(*req.APIKey)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		k.APIKeyEncrypted = sealed
	}
	if req.QuotaTotal != nil {
		k.QuotaTotal = *req.QuotaTotal
	}
	if req.IsActive != nil {
		k.IsActive = *req.IsActive
	}
	if req.Notes != nil {
		k.Notes = req.Notes
	}

	if err := store.UpdatePoolKey(ctx, s.DB, k); err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"key_pool": k,
	})
}

// AdminDeletePoolKey handles DELETE /api/keys/admin/pool/{id}
func (s *Server) AdminDeletePoolKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid key id")
		return
	}

	if err := store.DeletePoolKey(ctx, s.DB, id); err != nil {
		serviceError(w, r, err, "key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

// AdminAssignQuota handles POST /api/keys/admin/assign. Creates or
// replaces the target user's quota for one provider; reset_monthly
// stamps the first of next month as the reset date.
func (s *Server) AdminAssignQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req quotaAssignReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID <= 0 || req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and provider are required")
		return
	}

	target, err := store.UserByID(ctx, s.DB, req.UserID)
	if err != nil {
		serviceError(w, r, err, "user")
		return
	}

	var resetAt *int64
	if req.ResetMonthly == nil || *req.ResetMonthly {
		ms := firstOfNextMonth(time.Now().UTC()).UnixMilli()
		resetAt = &ms
	}
	now := syncx.NowMs()

	existing, err := store.QuotaByUserProvider(ctx, s.DB, target.ID, req.Provider)
	switch {
	case err == nil:
		existing.QuotaTotal = req.QuotaTotal
		existing.IsActive = true
		if resetAt != nil {
			existing.QuotaResetAt = resetAt
		}
		existing.UpdatedAt = now
		if err := store.UpdateQuota(ctx, s.DB, existing); err != nil {
			serviceError(w, r, err, "")
			return
		}
		log.Ctx(ctx).Info().Int64("userId", target.ID).Str("provider", req.Provider).
			Int64("quotaTotal", req.QuotaTotal).Msg("quota updated")
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "quota": existing})

	case errors.Is(err, store.ErrNotFound):
		row := &store.Quota{
			UserID:       target.ID,
			Provider:     req.Provider,
			QuotaTotal:   req.QuotaTotal,
			QuotaResetAt: resetAt,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.InsertQuota(ctx, s.DB, row); err != nil {
			serviceError(w, r, err, "")
			return
		}
		log.Ctx(ctx).Info().Int64("userId", target.ID).Str("provider", req.Provider).
			Int64("quotaTotal", req.QuotaTotal).Msg("quota assigned")
		writeJSON(w, http.StatusOK, map[string]any{"status": "created", "quota": row})

	default:
		serviceError(w, r, err, "")
	}
}

// AdminUsage handles GET /api/keys/admin/usage with optional unique_id
// and provider filters.
func (s *Server) AdminUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var userID *int64
	if v := q.Get("unique_id"); v != "" {
		target, err := store.UserByUniqueID(ctx, s.DB, v)
		if err != nil {
			serviceError(w, r, err, "user")
			return
		}
		userID = &target.ID
	}
	var provider *string
	if v := q.Get("provider"); v != "" {
		provider = &v
	}
	limit := parseLimit(q.Get("limit"), 100, 500)

	logs, err := store.ListUsageLogs(ctx, s.DB, userID, provider, limit)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	var total int64
	for _, l := range logs {
		total += l.TokensUsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":              logs,
		"total_tokens_used": total,
		"count":             len(logs),
	})
}

// AdminKeyOverview handles GET /api/keys/admin/overview. Aggregates the
// pool and the allocated quotas per provider.
func (s *Server) AdminKeyOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keys, err := store.ListPoolKeys(ctx, s.DB, nil)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	quotas, err := store.ListAllQuotas(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	poolStats := map[string]map[string]int64{}
	for _, k := range keys {
		st, ok := poolStats[k.Provider]
		if !ok {
			st = map[string]int64{}
			poolStats[k.Provider] = st
		}
		st["total_keys"]++
		st["total_quota"] += k.QuotaTotal
		st["used_quota"] += k.QuotaUsed
	}

	quotaStats := map[string]map[string]int64{}
	for _, q := range quotas {
		st, ok := quotaStats[q.Provider]
		if !ok {
			st = map[string]int64{}
			quotaStats[q.Provider] = st
		}
		st["total_users"]++
		st["allocated_quota"] += q.QuotaTotal
		st["used_quota"] += q.QuotaUsed
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key_pool_stats":   poolStats,
		"user_quota_stats": quotaStats,
	})
}
