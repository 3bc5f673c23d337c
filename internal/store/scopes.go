package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ScopeRow holds a user's enabled sync scopes as a JSON array of scope
// names. Users without a row fall back to the default scope set.
type ScopeRow struct {
	UserID        int64  `db:"user_id" json:"user_id"`
	EnabledScopes string `db:"enabled_scopes" json:"-"`
	UpdatedAt     int64  `db:"updated_at" json:"updated_at"`
}

// ScopesByUser fetches the stored scope selection for a user.
func ScopesByUser(ctx context.Context, q sqlx.ExtContext, userID int64) (*ScopeRow, error) {
	var s ScopeRow
	err := sqlx.GetContext(ctx, q, &s, q.Rebind(`
		SELECT user_id, enabled_scopes, updated_at
		FROM sync_scopes WHERE user_id = ?`), userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// UpsertScopes replaces the user's scope selection.
func UpsertScopes(ctx context.Context, q sqlx.ExtContext, userID int64, scopesJSON string, now int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO sync_scopes (user_id, enabled_scopes, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled_scopes = EXCLUDED.enabled_scopes,
			updated_at     = EXCLUDED.updated_at`),
		userID, scopesJSON, now)
	return err
}
