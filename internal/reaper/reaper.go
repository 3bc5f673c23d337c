// Package reaper owns the scheduled cleanup pass: purging recycle-bin
// records whose retention lapsed and truncating old idempotency records.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/service/syncservice"
)

// Reaper periodically removes expired data. Zero values for Interval
// and OpsAge get production defaults from New.
type Reaper struct {
	Service  *syncservice.Service
	Interval time.Duration // how often a pass runs
	OpsAge   time.Duration // idempotency records older than this are dropped
}

// New returns a Reaper with the standard hourly cadence. Operation
// records outlive the recycle bin so replays across a long offline
// stretch still dedupe.
func New(svc *syncservice.Service) *Reaper {
	return &Reaper{
		Service:  svc,
		Interval: time.Hour,
		OpsAge:   30 * 24 * time.Hour,
	}
}

// Run blocks, executing a cleanup pass every interval until ctx is
// canceled. Failures are logged and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.Interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("reaper pass failed")
			}
		}
	}
}

// RunOnce executes a single cleanup pass and reports what it removed.
func (r *Reaper) RunOnce(ctx context.Context) (syncservice.PurgeCounts, error) {
	counts, _, err := r.Service.PurgeExpired(ctx)
	if err != nil {
		return counts, err
	}

	ops, err := r.Service.TruncateOperations(ctx, r.OpsAge)
	if err != nil {
		return counts, err
	}
	if ops > 0 {
		log.Info().Int64("operations", ops).Msg("truncated old idempotency records")
	}
	return counts, nil
}
