package store

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

// PoolKey is an admin-provisioned upstream API key shared across users.
// The key itself is envelope-encrypted at rest.
type PoolKey struct {
	ID              int64   `db:"id" json:"id"`
	Provider        string  `db:"provider" json:"provider"`
	APIKeyEncrypted string  `db:"api_key_encrypted" json:"-"`
	QuotaTotal      int64   `db:"quota_total" json:"quota_total"`
	QuotaUsed       int64   `db:"quota_used" json:"quota_used"`
	IsActive        bool    `db:"is_active" json:"is_active"`
	Notes           *string `db:"notes" json:"notes"`
	CreatedAt       int64   `db:"created_at" json:"created_at"`
}

// Quota is a per-user token allowance for one provider.
type Quota struct {
	ID           int64  `db:"id" json:"id"`
	UserID       int64  `db:"user_id" json:"user_id"`
	Provider     string `db:"provider" json:"provider"`
	QuotaTotal   int64  `db:"quota_total" json:"quota_total"`
	QuotaUsed    int64  `db:"quota_used" json:"quota_used"`
	QuotaResetAt *int64 `db:"quota_reset_at" json:"quota_reset_at"`
	IsActive     bool   `db:"is_active" json:"is_active"`
	CreatedAt    int64  `db:"created_at" json:"-"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
}

// Remaining returns the unspent part of the quota.
func (q *Quota) Remaining() int64 {
	return q.QuotaTotal - q.QuotaUsed
}

// UsageLog is one recorded upstream call against a user's quota.
type UsageLog struct {
	ID         int64   `db:"id" json:"id"`
	UserID     int64   `db:"user_id" json:"user_id"`
	Provider   string  `db:"provider" json:"provider"`
	TokensUsed int64   `db:"tokens_used" json:"tokens_used"`
	RequestID  *string `db:"request_id" json:"request_id"`
	ModelUsed  *string `db:"model_used" json:"model_used"`
	CreatedAt  int64   `db:"created_at" json:"created_at"`
}

const poolKeyCols = `id, provider, api_key_encrypted, quota_total, quota_used, is_active, notes, created_at`

const quotaCols = `id, user_id, provider, quota_total, quota_used, quota_reset_at, is_active, created_at, updated_at`

// InsertPoolKey writes a new pool key and fills in its generated id.
func InsertPoolKey(ctx context.Context, q sqlx.ExtContext, k *PoolKey) error {
	return sqlx.GetContext(ctx, q, &k.ID, q.Rebind(`
		INSERT INTO api_key_pool (provider, api_key_encrypted, quota_total, quota_used, is_active, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		k.Provider, k.APIKeyEncrypted, k.QuotaTotal, k.QuotaUsed, k.IsActive, k.Notes, k.CreatedAt)
}

// PoolKeyByID fetches one pool key.
func PoolKeyByID(ctx context.Context, q sqlx.ExtContext, id int64) (*PoolKey, error) {
	var k PoolKey
	err := sqlx.GetContext(ctx, q, &k, q.Rebind(`
		SELECT `+poolKeyCols+` FROM api_key_pool WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// ListPoolKeys returns pool keys, optionally for one provider.
func ListPoolKeys(ctx context.Context, q sqlx.ExtContext, provider *string) ([]PoolKey, error) {
	keys := []PoolKey{}
	if provider != nil {
		err := sqlx.SelectContext(ctx, q, &keys, q.Rebind(`
			SELECT `+poolKeyCols+` FROM api_key_pool WHERE provider = ? ORDER BY id`), *provider)
		return keys, err
	}
	err := sqlx.SelectContext(ctx, q, &keys, `SELECT `+poolKeyCols+` FROM api_key_pool ORDER BY id`)
	return keys, err
}

// UpdatePoolKey writes back every mutable pool key column.
func UpdatePoolKey(ctx context.Context, q sqlx.ExtContext, k *PoolKey) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE api_key_pool SET
			provider = ?, api_key_encrypted = ?, quota_total = ?, quota_used = ?,
			is_active = ?, notes = ?
		WHERE id = ?`),
		k.Provider, k.APIKeyEncrypted, k.QuotaTotal, k.QuotaUsed,
		k.IsActive, k.Notes, k.ID)
	return err
}

// DeletePoolKey removes a pool key.
func DeletePoolKey(ctx context.Context, q sqlx.ExtContext, id int64) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM api_key_pool WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivePoolKey picks the first active pool key for a provider that still
// has quota left.
func ActivePoolKey(ctx context.Context, q sqlx.ExtContext, provider string) (*PoolKey, error) {
	var k PoolKey
	err := sqlx.GetContext(ctx, q, &k, q.Rebind(`
		SELECT `+poolKeyCols+` FROM api_key_pool
		WHERE provider = ? AND is_active = ? AND quota_used < quota_total
		ORDER BY id
		LIMIT 1`), provider, true)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// DistinctPoolProviders lists providers that have at least one active
// pool key.
func DistinctPoolProviders(ctx context.Context, q sqlx.ExtContext) ([]string, error) {
	providers := []string{}
	err := sqlx.SelectContext(ctx, q, &providers, q.Rebind(`
		SELECT DISTINCT provider FROM api_key_pool WHERE is_active = ? ORDER BY provider`), true)
	return providers, err
}

// QuotaByUserProvider fetches a user's quota row for one provider.
func QuotaByUserProvider(ctx context.Context, q sqlx.ExtContext, userID int64, provider string) (*Quota, error) {
	var row Quota
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
		SELECT `+quotaCols+` FROM user_quota WHERE user_id = ? AND provider = ?`), userID, provider)
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// ListQuotas returns every quota row for a user.
func ListQuotas(ctx context.Context, q sqlx.ExtContext, userID int64) ([]Quota, error) {
	quotas := []Quota{}
	err := sqlx.SelectContext(ctx, q, &quotas, q.Rebind(`
		SELECT `+quotaCols+` FROM user_quota WHERE user_id = ? ORDER BY provider`), userID)
	return quotas, err
}

// InsertQuota writes a new quota row and fills in its generated id.
func InsertQuota(ctx context.Context, q sqlx.ExtContext, row *Quota) error {
	return sqlx.GetContext(ctx, q, &row.ID, q.Rebind(`
		INSERT INTO user_quota (user_id, provider, quota_total, quota_used, quota_reset_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		row.UserID, row.Provider, row.QuotaTotal, row.QuotaUsed, row.QuotaResetAt, row.IsActive, row.CreatedAt, row.UpdatedAt)
}

// UpdateQuota writes back every mutable quota column.
func UpdateQuota(ctx context.Context, q sqlx.ExtContext, row *Quota) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE user_quota SET
			quota_total = ?, quota_used = ?, quota_reset_at = ?, is_active = ?, updated_at = ?
		WHERE id = ?`),
		row.QuotaTotal, row.QuotaUsed, row.QuotaResetAt, row.IsActive, row.UpdatedAt, row.ID)
	return err
}

// AddQuotaUsage charges tokens against a user's quota for one provider.
func AddQuotaUsage(ctx context.Context, q sqlx.ExtContext, userID int64, provider string, tokens int64, now int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE user_quota SET quota_used = quota_used + ?, updated_at = ?
		WHERE user_id = ? AND provider = ?`), tokens, now, userID, provider)
	return err
}

// InsertUsageLog appends one usage record.
func InsertUsageLog(ctx context.Context, q sqlx.ExtContext, l *UsageLog) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO quota_usage_log (user_id, provider, tokens_used, request_id, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		l.UserID, l.Provider, l.TokensUsed, l.RequestID, l.ModelUsed, l.CreatedAt)
	return err
}

// ListUsageLogs returns usage records newest first, optionally narrowed
// to one user or provider.
func ListUsageLogs(ctx context.Context, q sqlx.ExtContext, userID *int64, provider *string, limit int) ([]UsageLog, error) {
	var where []string
	var args []any
	if userID != nil {
		where = append(where, `user_id = ?`)
		args = append(args, *userID)
	}
	if provider != nil {
		where = append(where, `provider = ?`)
		args = append(args, *provider)
	}
	filter := ``
	if len(where) > 0 {
		filter = ` WHERE ` + strings.Join(where, ` AND `)
	}
	args = append(args, limit)
	logs := []UsageLog{}
	err := sqlx.SelectContext(ctx, q, &logs, q.Rebind(`
		SELECT id, user_id, provider, tokens_used, request_id, model_used, created_at
		FROM quota_usage_log`+filter+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), args...)
	return logs, err
}

// ListAllQuotas returns every quota row, for the admin overview.
func ListAllQuotas(ctx context.Context, q sqlx.ExtContext) ([]Quota, error) {
	quotas := []Quota{}
	err := sqlx.SelectContext(ctx, q, &quotas, `SELECT `+quotaCols+` FROM user_quota ORDER BY provider, user_id`)
	return quotas, err
}
