package syncservice

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

// GetScopes returns the user's sync scope selection. Users who never
// saved one get the default set without a row being created.
func (s *Service) GetScopes(ctx context.Context, userID int64) (map[string]any, error) {
	row, err := store.ScopesByUser(ctx, s.DB, userID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{
			"enabled_scopes": syncx.DefaultScopes(),
			"updated_at":     syncx.NowMs(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id":        row.UserID,
		"enabled_scopes": syncx.StringList(row.EnabledScopes),
		"updated_at":     row.UpdatedAt,
	}, nil
}

// UpdateScopes replaces the user's scope selection. The set is global
// per user; devices all see the same selection.
func (s *Service) UpdateScopes(ctx context.Context, userID int64, scopes []string) (map[string]any, error) {
	for _, sc := range scopes {
		if !syncx.ValidScope(sc) {
			return nil, invalidf("invalid scope: %s", sc)
		}
	}
	if scopes == nil {
		scopes = []string{}
	}

	raw, err := json.Marshal(scopes)
	if err != nil {
		return nil, err
	}
	ts := syncx.NowMs()
	if err := store.UpsertScopes(ctx, s.DB, userID, string(raw), ts); err != nil {
		return nil, err
	}

	return map[string]any{
		"user_id":        userID,
		"enabled_scopes": scopes,
		"updated_at":     ts,
	}, nil
}

// enabledScopes loads the scope set used to gate a pull. A missing row
// or a row that does not parse falls back to the defaults; an empty
// list is honored and syncs nothing.
func (s *Service) enabledScopes(ctx context.Context, q sqlx.ExtContext, userID int64) (syncx.ScopeSet, error) {
	row, err := store.ScopesByUser(ctx, q, userID)
	if errors.Is(err, store.ErrNotFound) {
		return syncx.NewScopeSet(syncx.DefaultScopes()), nil
	}
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal([]byte(row.EnabledScopes), &list); err != nil || list == nil {
		return syncx.NewScopeSet(syncx.DefaultScopes()), nil
	}
	return syncx.NewScopeSet(list), nil
}
