package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

type triggerCreateReq struct {
	TriggerName   string         `json:"trigger_name"`
	TriggerType   string         `json:"trigger_type"` // schedule | event | condition
	TriggerConfig map[string]any `json:"trigger_config"`
	ActionConfig  map[string]any `json:"action_config"`
}

type triggerUpdateReq struct {
	TriggerName   *string         `json:"trigger_name"`
	TriggerConfig *map[string]any `json:"trigger_config"`
	ActionConfig  *map[string]any `json:"action_config"`
	IsActive      *bool           `json:"is_active"`
}

type triggerFireReq struct {
	Status          string  `json:"status"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	ResultMessage   *string `json:"result_message"`
	ErrorMessage    *string `json:"error_message"`
}

// triggerOut is the wire form of a trigger with its configs decoded back
// to JSON objects.
type triggerOut struct {
	store.Trigger
	TriggerConfig json.RawMessage `json:"trigger_config"`
	ActionConfig  json.RawMessage `json:"action_config"`
}

func newTriggerOut(t store.Trigger) triggerOut {
	return triggerOut{
		Trigger:       t,
		TriggerConfig: syncx.RawObject(t.TriggerConfig),
		ActionConfig:  syncx.RawObject(t.ActionConfig),
	}
}

func newTriggerOuts(triggers []store.Trigger) []triggerOut {
	out := make([]triggerOut, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, newTriggerOut(t))
	}
	return out
}

// validateTriggerConfig checks the type-specific required key. Returns
// an error message, or "" when the config passes.
func validateTriggerConfig(triggerType string, config map[string]any) string {
	switch triggerType {
	case "schedule":
		if _, ok := config["cron"]; !ok {
			return "schedule triggers require a cron expression"
		}
	case "event":
		if _, ok := config["event_type"]; !ok {
			return "event triggers require event_type"
		}
	case "condition":
		if _, ok := config["condition_type"]; !ok {
			return "condition triggers require condition_type"
		}
	default:
		return "invalid trigger type, supported: schedule, event, condition"
	}
	return ""
}

func validateActionConfig(config map[string]any) string {
	if _, ok := config["action_type"]; !ok {
		return "action config requires action_type"
	}
	return ""
}

func marshalConfig(config map[string]any) (string, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// CreateTrigger handles POST /api/trigger/create
func (s *Server) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, true)
	if !ok {
		return
	}

	var req triggerCreateReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TriggerName == "" {
		writeError(w, r, http.StatusBadRequest, "trigger_name is required")
		return
	}
	if req.TriggerConfig == nil || req.ActionConfig == nil {
		writeError(w, r, http.StatusBadRequest, "trigger_config and action_config are required")
		return
	}
	if msg := validateTriggerConfig(req.TriggerType, req.TriggerConfig); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	if msg := validateActionConfig(req.ActionConfig); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	triggerConfig, err := marshalConfig(req.TriggerConfig)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	actionConfig, err := marshalConfig(req.ActionConfig)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	now := syncx.NowMs()
	t := &store.Trigger{
		UserID:        u.ID,
		TriggerName:   req.TriggerName,
		TriggerType:   req.TriggerType,
		TriggerConfig: triggerConfig,
		ActionConfig:  actionConfig,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.InsertTrigger(ctx, s.DB, t); err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Int64("triggerId", t.ID).
		Str("type", t.TriggerType).Msg("trigger created")
	writeJSON(w, http.StatusCreated, newTriggerOut(*t))
}

// ListTriggers handles GET /api/trigger/list
func (s *Server) ListTriggers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, false)
	if !ok {
		return
	}

	q := r.URL.Query()
	var f store.TriggerFilter
	if v := q.Get("trigger_type"); v != "" {
		f.TriggerType = &v
	}
	if v := q.Get("is_active"); v != "" {
		active := v == "true"
		f.IsActive = &active
	}
	skip := parseSkip(q.Get("skip"))
	limit := parseLimit(q.Get("limit"), 50, 200)

	triggers, err := store.ListTriggers(ctx, s.DB, u.ID, f, skip, limit)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, newTriggerOuts(triggers))
}

// GetTrigger handles GET /api/trigger/{id}
func (s *Server) GetTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid trigger id")
		return
	}

	t, err := store.TriggerByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "trigger")
		return
	}
	writeJSON(w, http.StatusOK, newTriggerOut(*t))
}

// UpdateTrigger handles PUT /api/trigger/{id}. Absent fields keep their
// stored values; configs are re-validated against the trigger's type.
func (s *Server) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, true)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid trigger id")
		return
	}

	var req triggerUpdateReq
	if !decodeBody(w, r, &req) {
		return
	}

	t, err := store.TriggerByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "trigger")
		return
	}

	if req.TriggerName != nil {
		if *req.TriggerName == "" {
			writeError(w, r, http.StatusBadRequest, "trigger_name cannot be empty")
			return
		}
		t.TriggerName = *req.TriggerName
	}
	if req.TriggerConfig != nil {
		if msg := validateTriggerConfig(t.TriggerType, *req.TriggerConfig); msg != "" {
			writeError(w, r, http.StatusBadRequest, msg)
			return
		}
		cfg, err := marshalConfig(*req.TriggerConfig)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		t.TriggerConfig = cfg
	}
	if req.ActionConfig != nil {
		if msg := validateActionConfig(*req.ActionConfig); msg != "" {
			writeError(w, r, http.StatusBadRequest, msg)
			return
		}
		cfg, err := marshalConfig(*req.ActionConfig)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		t.ActionConfig = cfg
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	t.UpdatedAt = syncx.NowMs()

	if err := store.UpdateTrigger(ctx, s.DB, t); err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, newTriggerOut(*t))
}

// DeleteTrigger handles DELETE /api/trigger/{id}
func (s *Server) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid trigger id")
		return
	}

	if err := store.DeleteTrigger(ctx, s.DB, u.ID, id); err != nil {
		serviceError(w, r, err, "trigger")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleTrigger handles POST /api/trigger/{id}/toggle
func (s *Server) ToggleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid trigger id")
		return
	}

	t, err := store.TriggerByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "trigger")
		return
	}

	t.IsActive = !t.IsActive
	t.UpdatedAt = syncx.NowMs()
	if err := store.UpdateTrigger(ctx, s.DB, t); err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, newTriggerOut(*t))
}

// FireTrigger handles POST /api/trigger/{id}/fire. Dispatch happens
// client-side; this endpoint records the reported execution and stamps
// the trigger.
func (s *Server) FireTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid trigger id")
		return
	}

	var req triggerFireReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = "success"
	}
	if req.Status != "success" && req.Status != "failed" {
		writeError(w, r, http.StatusBadRequest, "status must be success or failed")
		return
	}

	t, err := store.TriggerByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "trigger")
		return
	}

	now := syncx.NowMs()
	entry := &store.TriggerLog{
		TriggerID:       t.ID,
		UserID:          u.ID,
		Status:          req.Status,
		ExecutionTimeMs: req.ExecutionTimeMs,
		ResultMessage:   req.ResultMessage,
		ErrorMessage:    req.ErrorMessage,
		ExecutedAt:      now,
	}
	if err := store.InsertTriggerLog(ctx, s.DB, entry); err != nil {
		serviceError(w, r, err, "")
		return
	}
	if err := store.SetTriggerFired(ctx, s.DB, t.ID, now); err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Int64("triggerId", t.ID).
		Str("status", req.Status).Msg("trigger execution recorded")
	writeJSON(w, http.StatusCreated, entry)
}

// TriggerLogs handles GET /api/trigger/{id}/logs
func (s *Server) TriggerLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid trigger id")
		return
	}

	// Ownership check before reading logs
	t, err := store.TriggerByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "trigger")
		return
	}

	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)

	logs, err := store.ListTriggerLogs(ctx, s.DB, t.ID, skip, limit)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// MyTriggerStats handles GET /api/trigger/stats/my
func (s *Server) MyTriggerStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelPremium, false)
	if !ok {
		return
	}

	st, err := store.UserTriggerStats(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_triggers":        st.Total,
		"active_triggers":       st.Active,
		"total_executions":      st.Executions,
		"successful_executions": st.Successful,
		"failed_executions":     st.Failed,
	})
}

// AdminTriggerOverview handles GET /api/trigger/admin/overview
func (s *Server) AdminTriggerOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := s.gateAdmin(w, r); !ok {
		return
	}

	total, active, _, executions, err := store.GlobalTriggerStats(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	types, err := store.TriggerTypeCounts(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	statuses, err := store.TriggerStatusCounts(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_triggers":   total,
		"active_triggers":  active,
		"trigger_types":    types,
		"total_executions": executions,
		"execution_status": statuses,
	})
}

// AdminUserTriggers handles GET /api/trigger/admin/user/{unique_id}
func (s *Server) AdminUserTriggers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := s.gateAdmin(w, r); !ok {
		return
	}

	target, err := store.UserByUniqueID(ctx, s.DB, chi.URLParam(r, "unique_id"))
	if err != nil {
		serviceError(w, r, err, "user")
		return
	}

	triggers, err := store.ListTriggersForUser(ctx, s.DB, target.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, newTriggerOuts(triggers))
}
