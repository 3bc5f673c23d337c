package syncservice

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/metrics"
	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

// RecycleBin lists the user's soft-deleted records that can still be
// restored. Messages are listed bare; blocks come back with the message
// on a later pull if it gets restored.
func (s *Service) RecycleBin(ctx context.Context, userID int64) (*RecycleBinResponse, error) {
	ts := syncx.NowMs()

	convs, err := store.ListRecycleConversations(ctx, s.DB, userID, ts)
	if err != nil {
		return nil, err
	}
	msgs, err := store.ListRecycleMessages(ctx, s.DB, userID, ts)
	if err != nil {
		return nil, err
	}
	provs, err := store.ListRecycleProviders(ctx, s.DB, userID, ts)
	if err != nil {
		return nil, err
	}

	out := &RecycleBinResponse{
		Conversations: convs,
		Messages:      msgs,
		Providers:     make([]ProviderOut, 0, len(provs)),
		ServerTime:    ts,
	}
	for _, p := range provs {
		out.Providers = append(out.Providers, providerOut(p))
	}
	return out, nil
}

// PurgeExpired hard-deletes every record across all users whose
// recycle-bin window has lapsed. Conversations go first so their
// messages and blocks fall with them; the block count is taken up front
// because the cascade removes the evidence.
func (s *Service) PurgeExpired(ctx context.Context) (PurgeCounts, int64, error) {
	ts := syncx.NowMs()
	var counts PurgeCounts

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return counts, ts, fmt.Errorf("begin purge tx: %w", err)
	}
	defer tx.Rollback()

	counts.Blocks, err = store.CountExpiredBlocks(ctx, tx, ts)
	if err != nil {
		return counts, ts, fmt.Errorf("count expired blocks: %w", err)
	}
	counts.Conversations, err = store.PurgeExpiredConversations(ctx, tx, ts)
	if err != nil {
		return counts, ts, fmt.Errorf("purge conversations: %w", err)
	}
	counts.Messages, err = store.PurgeExpiredMessages(ctx, tx, ts)
	if err != nil {
		return counts, ts, fmt.Errorf("purge messages: %w", err)
	}
	counts.Providers, err = store.PurgeExpiredProviders(ctx, tx, ts)
	if err != nil {
		return counts, ts, fmt.Errorf("purge providers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return counts, ts, fmt.Errorf("commit purge tx: %w", err)
	}

	metrics.PurgedRecordsTotal.WithLabelValues("conversations").Add(float64(counts.Conversations))
	metrics.PurgedRecordsTotal.WithLabelValues("messages").Add(float64(counts.Messages))
	metrics.PurgedRecordsTotal.WithLabelValues("providers").Add(float64(counts.Providers))
	metrics.PurgedRecordsTotal.WithLabelValues("blocks").Add(float64(counts.Blocks))

	log.Info().
		Int64("conversations", counts.Conversations).
		Int64("messages", counts.Messages).
		Int64("providers", counts.Providers).
		Int64("blocks", counts.Blocks).
		Msg("purged expired recycle-bin records")

	return counts, ts, nil
}

// TruncateOperations drops idempotency records older than the given
// age. Replays outside that horizon re-execute, which is safe for the
// upsert verbs and a client bug for the rest.
func (s *Service) TruncateOperations(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := syncx.NowMs() - age.Milliseconds()
	return store.DeleteOperationsBefore(ctx, s.DB, cutoff)
}
