// Package syncservice implements the multi-device sync engine: scope
// management, incremental pull, idempotent push batches, the recycle
// bin, and purge of expired tombstones.
package syncservice

import (
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nebulachat/sync-api/internal/envelope"
)

// Service owns the sync state for all users.
type Service struct {
	DB      *sqlx.DB
	Sealer  *envelope.Sealer
	Recycle time.Duration // how long soft-deleted records stay restorable

	// Push batches for the same user serialize on a lock shard so the
	// duplicate check and the operation insert cannot race each other.
	locks [64]sync.Mutex
}

// New creates a Service.
func New(db *sqlx.DB, sealer *envelope.Sealer, recycle time.Duration) *Service {
	return &Service{DB: db, Sealer: sealer, Recycle: recycle}
}

func (s *Service) userLock(userID int64) *sync.Mutex {
	return &s.locks[uint64(userID)%uint64(len(s.locks))]
}

// recycleMs is the retention window in the unit the purge_at column uses.
func (s *Service) recycleMs() int64 {
	return s.Recycle.Milliseconds()
}
