// Package queue is the durable offline submission queue. The store is
// the single source of truth for entry state; every status change goes
// through one of the Mark methods, which enforce the monotone
// transition order.
package queue

import (
	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
)

// Filter narrows List results.
type Filter struct {
	Status models.EntryStatus // empty: all
	Limit  int                // 0: no limit
}

// Usage is the store's aggregate footprint.
type Usage struct {
	Entries    int
	TotalBytes int64
}

type Store interface {
	// Enqueue persists a finalized artifact and returns its idempotency
	// key. It fails closed on the tier size ceiling and on quota
	// exhaustion after cleanup.
	Enqueue(artifact *models.Artifact, t models.Tier, metadata map[string]string) (string, error)
	Get(key string) (*models.QueueEntry, error)
	// Payload returns the stored audio bytes for an entry.
	Payload(key string) ([]byte, error)
	// List returns entries matching the filter, oldest first.
	List(f Filter) ([]*models.QueueEntry, error)
	// Dequeue removes the entry and its payload.
	Dequeue(key string) error
	// MarkUploading claims the entry for a drain attempt. Claiming an
	// entry that is already uploading fails, which is how a second
	// concurrent drain of the same entry is rejected.
	MarkUploading(key string) error
	MarkComplete(key string) error
	// MarkFailed records a failed attempt. The retry count increments;
	// at the ceiling the entry becomes dead_letter, otherwise it
	// returns to pending for the next drain.
	MarkFailed(key, reason string) error
	// MarkFatal parks the entry as failed with no further automatic
	// retries; only manual action (export, delete) moves it on.
	MarkFatal(key, reason string) error
	Usage() (Usage, error)
	Close() error
}

// Open returns the badger-backed store, degrading to the bounded
// in-memory fallback when the disk backend cannot be opened. The
// degradation is logged loudly; it is never a silent no-op.
func Open(cfg config.QueueConfig, quotaBytes int64, logger *zap.Logger) Store {
	s, err := NewBadgerStore(cfg, quotaBytes, logger)
	if err != nil {
		logger.Error("disk queue unavailable, degrading to in-memory fallback",
			zap.String("path", cfg.StoragePath), zap.Error(err))
		return NewMemoryStore(cfg, logger)
	}
	return s
}
