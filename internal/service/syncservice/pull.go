package syncservice

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/metrics"
	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

const defaultPullLimit = 100

// Pull returns every change past the device's cursors, gated by the
// user's scope selection. Each record class pages independently: rows
// come back ordered by their sync timestamp and the client advances the
// matching cursor to the last row's timestamp. Tombstoned rows are
// filtered after the page is cut, so a device that skips deleted rows
// still moves past them.
func (s *Service) Pull(ctx context.Context, userID int64, opts PullOptions) (*PullResponse, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}

	scopes, err := s.enabledScopes(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}

	resp := &PullResponse{
		Conversations: []store.Conversation{},
		Messages:      []MessageOut{},
		Providers:     []ProviderOut{},
		ServerTime:    syncx.NowMs(),
	}

	// The stored cursor tracks how far this device has paged, advancing
	// over every fetched row whether or not it survived the tombstone
	// filter.
	cur := store.Cursor{
		UserID:              userID,
		DeviceID:            opts.DeviceID,
		ConversationsCursor: opts.ConversationsSince,
		MessagesCursor:      opts.MessagesSince,
		ProvidersCursor:     opts.ProvidersSince,
	}

	if scopes.PullsConversations() {
		convs, err := store.ListConversationsSince(ctx, s.DB, userID, opts.ConversationsSince, limit)
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			cur.ConversationsCursor = c.UpdatedAt
			if c.DeletedAt != nil && !opts.IncludeDeleted {
				continue
			}
			resp.Conversations = append(resp.Conversations, c)
		}
	}

	if scopes.PullsMessages() {
		if err := s.pullMessages(ctx, userID, opts, limit, resp, &cur); err != nil {
			return nil, err
		}
	}

	if scopes.PullsProviders() {
		provs, err := store.ListProvidersSince(ctx, s.DB, userID, opts.ProvidersSince, limit)
		if err != nil {
			return nil, err
		}
		includeKeys := scopes.PullsProviderKeys()
		for _, p := range provs {
			cur.ProvidersCursor = p.UpdatedAt
			if p.DeletedAt != nil && !opts.IncludeDeleted {
				continue
			}
			out := providerOut(p)
			if includeKeys {
				keys, err := s.Sealer.Open(p.APIKeysEncrypted)
				if err != nil {
					// One undecryptable row must not block the sync;
					// the client sees an empty credential list.
					log.Warn().Err(err).
						Int64("user_id", userID).
						Str("provider_id", p.ID).
						Msg("credential unwrap failed")
				}
				out.APIKeys = &keys
			}
			resp.Providers = append(resp.Providers, out)
		}
	}

	resp.Cursors = PullCursors{
		Conversations: cur.ConversationsCursor,
		Messages:      cur.MessagesCursor,
		Providers:     cur.ProvidersCursor,
	}

	metrics.PullRecordsTotal.WithLabelValues("conversations").Add(float64(len(resp.Conversations)))
	metrics.PullRecordsTotal.WithLabelValues("messages").Add(float64(len(resp.Messages)))
	metrics.PullRecordsTotal.WithLabelValues("providers").Add(float64(len(resp.Providers)))

	if opts.DeviceID != "" {
		cur.UpdatedAt = resp.ServerTime
		if err := store.UpsertCursor(ctx, s.DB, &cur); err != nil {
			// Cursor bookkeeping is advisory; the response is already
			// complete.
			log.Warn().Err(err).
				Int64("user_id", userID).
				Str("device_id", opts.DeviceID).
				Msg("cursor upsert failed")
		}
	}

	return resp, nil
}

func (s *Service) pullMessages(ctx context.Context, userID int64, opts PullOptions, limit int, resp *PullResponse, cur *store.Cursor) error {
	msgs, err := store.ListMessagesSince(ctx, s.DB, userID, opts.MessagesSince, limit)
	if err != nil {
		return err
	}

	keep := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		cur.MessagesCursor = m.CreatedAt
		if m.DeletedAt != nil && !opts.IncludeDeleted {
			continue
		}
		keep = append(keep, m)
	}
	if len(keep) == 0 {
		return nil
	}

	ids := make([]string, len(keep))
	for i, m := range keep {
		ids[i] = m.ID
	}
	blocks, err := store.BlocksForMessages(ctx, s.DB, ids)
	if err != nil {
		return err
	}
	byMsg := make(map[string][]BlockOut, len(keep))
	for _, b := range blocks {
		byMsg[b.MessageID] = append(byMsg[b.MessageID], blockOut(b))
	}

	for _, m := range keep {
		out := MessageOut{Message: m, Blocks: byMsg[m.ID]}
		if out.Blocks == nil {
			out.Blocks = []BlockOut{}
		}
		resp.Messages = append(resp.Messages, out)
	}
	return nil
}
