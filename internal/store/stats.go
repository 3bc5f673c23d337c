package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// DataStats counts synced records across all users, split into live rows
// and rows sitting in the recycle bin.
type DataStats struct {
	Conversations       int64 `db:"conversations"`
	Messages            int64 `db:"messages"`
	Providers           int64 `db:"providers"`
	BinnedConversations int64 `db:"binned_conversations"`
	BinnedMessages      int64 `db:"binned_messages"`
	BinnedProviders     int64 `db:"binned_providers"`
}

// GlobalDataStats aggregates record counts for the admin dashboard.
func GlobalDataStats(ctx context.Context, q sqlx.ExtContext) (*DataStats, error) {
	var s DataStats
	err := sqlx.GetContext(ctx, q, &s, `
		SELECT
			(SELECT COUNT(*) FROM conversations WHERE deleted_at IS NULL)     AS conversations,
			(SELECT COUNT(*) FROM sync_messages WHERE deleted_at IS NULL)     AS messages,
			(SELECT COUNT(*) FROM providers WHERE deleted_at IS NULL)         AS providers,
			(SELECT COUNT(*) FROM conversations WHERE deleted_at IS NOT NULL) AS binned_conversations,
			(SELECT COUNT(*) FROM sync_messages WHERE deleted_at IS NOT NULL) AS binned_messages,
			(SELECT COUNT(*) FROM providers WHERE deleted_at IS NOT NULL)     AS binned_providers`)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountOperations returns how many idempotency records are retained.
func CountOperations(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM sync_operations`)
	return n, err
}

// CountPoolKeys returns total and active pool key counts.
func CountPoolKeys(ctx context.Context, q sqlx.ExtContext) (total, active int64, err error) {
	if err = sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM api_key_pool`); err != nil {
		return 0, 0, err
	}
	err = sqlx.GetContext(ctx, q, &active, q.Rebind(`
		SELECT COUNT(*) FROM api_key_pool WHERE is_active = ?`), true)
	return total, active, err
}

// RecentConversations returns a user's most recently touched live
// conversations, for the admin user detail view.
func RecentConversations(ctx context.Context, q sqlx.ExtContext, userID int64, limit int) ([]Conversation, error) {
	convs := []Conversation{}
	err := sqlx.SelectContext(ctx, q, &convs, q.Rebind(`
		SELECT `+convCols+` FROM conversations
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC, id
		LIMIT ?`), userID, limit)
	return convs, err
}
