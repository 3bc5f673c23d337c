package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Provider is a synced LLM endpoint configuration. APIKeysEncrypted holds
// the envelope-sealed key list; it is never emitted as-is.
type Provider struct {
	ID               string  `db:"id" json:"id"`
	UserID           int64   `db:"user_id" json:"-"`
	DisplayName      string  `db:"display_name" json:"display_name"`
	APIBaseURL       string  `db:"api_base_url" json:"api_base_url"`
	APIKeysEncrypted string  `db:"api_keys_encrypted" json:"-"`
	Enabled          bool    `db:"enabled" json:"enabled"`
	Capabilities     string  `db:"capabilities" json:"-"`
	CustomConfig     string  `db:"custom_config" json:"-"`
	ModelType        *string `db:"model_type" json:"model_type"`
	VisibleModels    string  `db:"visible_models" json:"-"`
	HiddenModels     string  `db:"hidden_models" json:"-"`
	ConflictOf       *string `db:"conflict_of" json:"conflict_of"`
	DeletedAt        *int64  `db:"deleted_at" json:"deleted_at"`
	PurgeAt          *int64  `db:"purge_at" json:"purge_at"`
	CreatedAt        int64   `db:"created_at" json:"created_at"`
	UpdatedAt        int64   `db:"updated_at" json:"updated_at"`
}

const provCols = `id, user_id, display_name, api_base_url, api_keys_encrypted,
	enabled, capabilities, custom_config, model_type, visible_models,
	hidden_models, conflict_of, deleted_at, purge_at, created_at, updated_at`

// ProviderByID fetches a provider the user owns.
func ProviderByID(ctx context.Context, q sqlx.ExtContext, userID int64, id string) (*Provider, error) {
	var p Provider
	err := sqlx.GetContext(ctx, q, &p, q.Rebind(`
		SELECT `+provCols+` FROM providers WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// InsertProvider writes a new provider row.
func InsertProvider(ctx context.Context, q sqlx.ExtContext, p *Provider) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO providers (`+provCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.UserID, p.DisplayName, p.APIBaseURL, p.APIKeysEncrypted,
		p.Enabled, p.Capabilities, p.CustomConfig, p.ModelType, p.VisibleModels,
		p.HiddenModels, p.ConflictOf, p.DeletedAt, p.PurgeAt, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProvider writes back every mutable column, same load-apply-save
// pattern as conversations.
func UpdateProvider(ctx context.Context, q sqlx.ExtContext, p *Provider) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE providers SET
			display_name = ?, api_base_url = ?, api_keys_encrypted = ?, enabled = ?,
			capabilities = ?, custom_config = ?, model_type = ?, visible_models = ?,
			hidden_models = ?, conflict_of = ?, deleted_at = ?, purge_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		p.DisplayName, p.APIBaseURL, p.APIKeysEncrypted, p.Enabled,
		p.Capabilities, p.CustomConfig, p.ModelType, p.VisibleModels,
		p.HiddenModels, p.ConflictOf, p.DeletedAt, p.PurgeAt, p.UpdatedAt,
		p.ID, p.UserID)
	return err
}

// ListProvidersSince returns providers changed strictly after the cursor,
// ordered by (updated_at, id).
func ListProvidersSince(ctx context.Context, q sqlx.ExtContext, userID int64, since int64, limit int) ([]Provider, error) {
	provs := []Provider{}
	err := sqlx.SelectContext(ctx, q, &provs, q.Rebind(`
		SELECT `+provCols+` FROM providers
		WHERE user_id = ? AND updated_at > ?
		ORDER BY updated_at, id
		LIMIT ?`), userID, since, limit)
	return provs, err
}

// MarkProviderDeleted soft-deletes a provider.
func MarkProviderDeleted(ctx context.Context, q sqlx.ExtContext, userID int64, id string, deletedAt, purgeAt int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE providers SET deleted_at = ?, purge_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`), deletedAt, purgeAt, deletedAt, id, userID)
	return err
}

// RestoreProvider clears the soft-delete markers.
func RestoreProvider(ctx context.Context, q sqlx.ExtContext, userID int64, id string, now int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE providers SET deleted_at = NULL, purge_at = NULL, updated_at = ?
		WHERE id = ? AND user_id = ?`), now, id, userID)
	return err
}

// ListRecycleProviders returns soft-deleted providers still inside the
// recycle-bin window.
func ListRecycleProviders(ctx context.Context, q sqlx.ExtContext, userID int64, now int64) ([]Provider, error) {
	provs := []Provider{}
	err := sqlx.SelectContext(ctx, q, &provs, q.Rebind(`
		SELECT `+provCols+` FROM providers
		WHERE user_id = ? AND deleted_at IS NOT NULL AND purge_at > ?
		ORDER BY deleted_at DESC, id`), userID, now)
	return provs, err
}

// PurgeExpiredProviders hard-deletes providers whose recycle-bin window
// has lapsed.
func PurgeExpiredProviders(ctx context.Context, q sqlx.ExtContext, now int64) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		DELETE FROM providers WHERE purge_at IS NOT NULL AND purge_at <= ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
