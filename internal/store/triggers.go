package store

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Trigger is a cloud automation rule. TriggerConfig and ActionConfig are
// JSON documents whose required keys depend on the trigger type.
type Trigger struct {
	ID              int64  `db:"id" json:"id"`
	UserID          int64  `db:"user_id" json:"user_id"`
	TriggerName     string `db:"trigger_name" json:"trigger_name"`
	TriggerType     string `db:"trigger_type" json:"trigger_type"`
	TriggerConfig   string `db:"trigger_config" json:"-"`
	ActionConfig    string `db:"action_config" json:"-"`
	IsActive        bool   `db:"is_active" json:"is_active"`
	LastTriggeredAt *int64 `db:"last_triggered_at" json:"last_triggered_at"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// TriggerLog records one execution attempt of a trigger.
type TriggerLog struct {
	ID              int64   `db:"id" json:"id"`
	TriggerID       int64   `db:"trigger_id" json:"trigger_id"`
	UserID          int64   `db:"user_id" json:"-"`
	Status          string  `db:"status" json:"status"`
	ExecutionTimeMs int64   `db:"execution_time_ms" json:"execution_time_ms"`
	ResultMessage   *string `db:"result_message" json:"result_message"`
	ErrorMessage    *string `db:"error_message" json:"error_message"`
	ExecutedAt      int64   `db:"executed_at" json:"executed_at"`
}

// TriggerFilter narrows trigger listings.
type TriggerFilter struct {
	TriggerType *string
	IsActive    *bool
}

const triggerCols = `id, user_id, trigger_name, trigger_type, trigger_config,
	action_config, is_active, last_triggered_at, created_at, updated_at`

// InsertTrigger writes a new trigger and fills in its generated id.
func InsertTrigger(ctx context.Context, q sqlx.ExtContext, t *Trigger) error {
	return sqlx.GetContext(ctx, q, &t.ID, q.Rebind(`
		INSERT INTO cloud_triggers (user_id, trigger_name, trigger_type, trigger_config,
			action_config, is_active, last_triggered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		t.UserID, t.TriggerName, t.TriggerType, t.TriggerConfig,
		t.ActionConfig, t.IsActive, t.LastTriggeredAt, t.CreatedAt, t.UpdatedAt)
}

// TriggerByID fetches a trigger the user owns.
func TriggerByID(ctx context.Context, q sqlx.ExtContext, userID, id int64) (*Trigger, error) {
	var t Trigger
	err := sqlx.GetContext(ctx, q, &t, q.Rebind(`
		SELECT `+triggerCols+` FROM cloud_triggers WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListTriggers returns the user's triggers newest first with optional
// type and active filters.
func ListTriggers(ctx context.Context, q sqlx.ExtContext, userID int64, f TriggerFilter, offset, limit int) ([]Trigger, error) {
	var where []string
	args := []any{userID}
	if f.TriggerType != nil {
		where = append(where, `trigger_type = ?`)
		args = append(args, *f.TriggerType)
	}
	if f.IsActive != nil {
		where = append(where, `is_active = ?`)
		args = append(args, *f.IsActive)
	}
	filter := ``
	if len(where) > 0 {
		filter = ` AND ` + strings.Join(where, ` AND `)
	}
	args = append(args, limit, offset)
	triggers := []Trigger{}
	err := sqlx.SelectContext(ctx, q, &triggers, q.Rebind(`
		SELECT `+triggerCols+` FROM cloud_triggers
		WHERE user_id = ?`+filter+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`), args...)
	return triggers, err
}

// UpdateTrigger writes back every mutable column.
func UpdateTrigger(ctx context.Context, q sqlx.ExtContext, t *Trigger) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE cloud_triggers SET
			trigger_name = ?, trigger_config = ?, action_config = ?,
			is_active = ?, last_triggered_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		t.TriggerName, t.TriggerConfig, t.ActionConfig,
		t.IsActive, t.LastTriggeredAt, t.UpdatedAt,
		t.ID, t.UserID)
	return err
}

// DeleteTrigger removes a trigger; its execution logs go via FK cascade.
func DeleteTrigger(ctx context.Context, q sqlx.ExtContext, userID, id int64) error {
	res, err := q.ExecContext(ctx, q.Rebind(`
		DELETE FROM cloud_triggers WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertTriggerLog appends one execution record.
func InsertTriggerLog(ctx context.Context, q sqlx.ExtContext, l *TriggerLog) error {
	return sqlx.GetContext(ctx, q, &l.ID, q.Rebind(`
		INSERT INTO trigger_execution_logs (trigger_id, user_id, status, execution_time_ms,
			result_message, error_message, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		l.TriggerID, l.UserID, l.Status, l.ExecutionTimeMs,
		l.ResultMessage, l.ErrorMessage, l.ExecutedAt)
}

// ListTriggerLogs returns a trigger's execution history newest first.
func ListTriggerLogs(ctx context.Context, q sqlx.ExtContext, triggerID int64, offset, limit int) ([]TriggerLog, error) {
	logs := []TriggerLog{}
	err := sqlx.SelectContext(ctx, q, &logs, q.Rebind(`
		SELECT id, trigger_id, user_id, status, execution_time_ms, result_message, error_message, executed_at
		FROM trigger_execution_logs
		WHERE trigger_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ? OFFSET ?`), triggerID, limit, offset)
	return logs, err
}

// SetTriggerFired stamps the last execution time.
func SetTriggerFired(ctx context.Context, q sqlx.ExtContext, id int64, now int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE cloud_triggers SET last_triggered_at = ?, updated_at = ? WHERE id = ?`), now, now, id)
	return err
}

// TriggerStats summarizes one user's triggers and their executions.
type TriggerStats struct {
	Total      int64 `db:"total"`
	Active     int64 `db:"active"`
	Executions int64 `db:"executions"`
	Successful int64 `db:"successful"`
	Failed     int64 `db:"failed"`
}

// UserTriggerStats aggregates trigger and execution counts for a user.
func UserTriggerStats(ctx context.Context, q sqlx.ExtContext, userID int64) (*TriggerStats, error) {
	var s TriggerStats
	err := sqlx.GetContext(ctx, q, &s, q.Rebind(`
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0) AS active
		FROM cloud_triggers WHERE user_id = ?`), userID)
	if err != nil {
		return nil, err
	}
	var e TriggerStats
	err = sqlx.GetContext(ctx, q, &e, q.Rebind(`
		SELECT COUNT(*) AS executions,
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS successful,
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed
		FROM trigger_execution_logs WHERE user_id = ?`), userID)
	if err != nil {
		return nil, err
	}
	s.Executions, s.Successful, s.Failed = e.Executions, e.Successful, e.Failed
	return &s, nil
}

// GlobalTriggerStats aggregates triggers across all users.
func GlobalTriggerStats(ctx context.Context, q sqlx.ExtContext) (total, active, users, executions int64, err error) {
	var s struct {
		Total  int64 `db:"total"`
		Active int64 `db:"active"`
		Users  int64 `db:"users"`
	}
	err = sqlx.GetContext(ctx, q, &s, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0) AS active,
		       COUNT(DISTINCT user_id) AS users
		FROM cloud_triggers`)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	err = sqlx.GetContext(ctx, q, &executions, `SELECT COUNT(*) FROM trigger_execution_logs`)
	return s.Total, s.Active, s.Users, executions, err
}

// TriggerTypeCounts groups all triggers by type, for the admin view.
func TriggerTypeCounts(ctx context.Context, q sqlx.ExtContext) (map[string]int64, error) {
	return triggerGroupCounts(ctx, q, `SELECT trigger_type, COUNT(*) FROM cloud_triggers GROUP BY trigger_type`)
}

// TriggerStatusCounts groups all execution log rows by status.
func TriggerStatusCounts(ctx context.Context, q sqlx.ExtContext) (map[string]int64, error) {
	return triggerGroupCounts(ctx, q, `SELECT status, COUNT(*) FROM trigger_execution_logs GROUP BY status`)
}

func triggerGroupCounts(ctx context.Context, q sqlx.ExtContext, query string) (map[string]int64, error) {
	rows, err := q.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// ListTriggersForUser returns every trigger of one user, for the admin
// view.
func ListTriggersForUser(ctx context.Context, q sqlx.ExtContext, userID int64) ([]Trigger, error) {
	triggers := []Trigger{}
	err := sqlx.SelectContext(ctx, q, &triggers, q.Rebind(`
		SELECT `+triggerCols+` FROM cloud_triggers
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`), userID)
	return triggers, err
}
