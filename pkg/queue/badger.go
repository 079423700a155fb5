package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
)

const (
	entryPrefix      = "entry:"
	payloadPrefix    = "payload:"
	quarantinePrefix = "quarantine:"
)

type badgerStore struct {
	db           *badger.DB
	logger       *zap.Logger
	quotaBytes   int64
	retention    time.Duration
	retryCeiling int
	clock        func() time.Time
}

// NewBadgerStore opens the durable queue at cfg.StoragePath. quotaBytes
// is the usable-storage threshold enqueue checks against (typically 80%
// of the quota the environment snapshot reported).
func NewBadgerStore(cfg config.QueueConfig, quotaBytes int64, logger *zap.Logger) (Store, error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.StoragePath, "badger"))
	opts.Logger = nil // badger's own logging is too chatty

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &badgerStore{
		db:           db,
		logger:       logger,
		quotaBytes:   quotaBytes,
		retention:    cfg.RetentionWindow,
		retryCeiling: cfg.RetryCeiling,
		clock:        time.Now,
	}, nil
}

func (s *badgerStore) Enqueue(artifact *models.Artifact, t models.Tier, metadata map[string]string) (string, error) {
	if artifact.Size() > t.MaxArtifactBytes() {
		return "", fmt.Errorf("payload %d bytes over tier %s limit %d: %w",
			artifact.Size(), t, t.MaxArtifactBytes(), faults.ErrArtifactTooLarge)
	}

	usage, err := s.Usage()
	if err != nil {
		return "", err
	}
	if usage.TotalBytes+artifact.Size() > s.quotaBytes {
		removed, err := s.cleanup()
		if err != nil {
			return "", err
		}
		s.logger.Info("queue cleanup before enqueue", zap.Int("removed", removed))
		usage, err = s.Usage()
		if err != nil {
			return "", err
		}
		if usage.TotalBytes+artifact.Size() > s.quotaBytes {
			return "", fmt.Errorf("queue at %d of %d bytes: %w",
				usage.TotalBytes, s.quotaBytes, faults.ErrStorageExhausted)
		}
	}

	merged := make(map[string]string, len(artifact.Metadata)+len(metadata))
	for k, v := range artifact.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}

	entry := &models.QueueEntry{
		IdempotencyKey: artifact.IdempotencyKey,
		PayloadRef:     payloadPrefix + artifact.IdempotencyKey,
		Metadata:       merged,
		Status:         models.StatusPending,
		CreatedAt:      s.clock(),
		Tier:           t,
		SizeBytes:      artifact.Size(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(entryPrefix+entry.IdempotencyKey), data); err != nil {
			return err
		}
		return txn.Set([]byte(entry.PayloadRef), artifact.Audio)
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist entry: %w", err)
	}
	return entry.IdempotencyKey, nil
}

func (s *badgerStore) Get(key string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	var corrupt error

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + key))
		if err != nil {
			return err
		}
		var raw []byte
		if err := item.Value(func(val []byte) error {
			raw = append(raw[:0], val...)
			return nil
		}); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Quarantine the unreadable record so the drain loop never
			// trips over it again.
			if qerr := txn.Set([]byte(quarantinePrefix+key), raw); qerr != nil {
				return qerr
			}
			if derr := txn.Delete([]byte(entryPrefix + key)); derr != nil {
				return derr
			}
			corrupt = &faults.CorruptEntryError{Key: key, Err: err}
			return nil
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, faults.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	if corrupt != nil {
		s.logger.Warn("quarantined corrupt queue entry", zap.String("key", key))
		return nil, corrupt
	}
	return &entry, nil
}

func (s *badgerStore) Payload(key string) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(payloadPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			payload = append(payload[:0], val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, faults.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}

func (s *badgerStore) List(f Filter) ([]*models.QueueEntry, error) {
	var entries []*models.QueueEntry
	var corruptKeys []string

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(entryPrefix):])
			var entry models.QueueEntry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				corruptKeys = append(corruptKeys, key)
				continue
			}
			if f.Status != "" && entry.Status != f.Status {
				continue
			}
			e := entry
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan entries: %w", err)
	}

	for _, key := range corruptKeys {
		// Get quarantines it; the returned CorruptEntryError is logged
		// there and deliberately not surfaced from List.
		_, _ = s.Get(key)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, nil
}

func (s *badgerStore) Dequeue(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(entryPrefix + key)); err != nil {
			return err
		}
		return txn.Delete([]byte(payloadPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("failed to dequeue %s: %w", key, err)
	}
	return nil
}

// transition applies mutate to the entry under a single transaction,
// enforcing the monotone status order.
func (s *badgerStore) transition(key string, next models.EntryStatus, mutate func(*models.QueueEntry)) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + key))
		if err != nil {
			return err
		}
		var entry models.QueueEntry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return &faults.CorruptEntryError{Key: key, Err: err}
		}
		if !entry.Status.CanTransition(next) {
			return fmt.Errorf("%s: %s -> %s: %w",
				key, entry.Status, next, faults.ErrInvalidTransition)
		}
		entry.Status = next
		if mutate != nil {
			mutate(&entry)
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return txn.Set([]byte(entryPrefix+key), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return faults.ErrEntryNotFound
	}
	return err
}

func (s *badgerStore) MarkUploading(key string) error {
	return s.transition(key, models.StatusUploading, func(e *models.QueueEntry) {
		e.LastAttemptAt = s.clock()
	})
}

func (s *badgerStore) MarkComplete(key string) error {
	return s.transition(key, models.StatusComplete, nil)
}

func (s *badgerStore) MarkFailed(key, reason string) error {
	// The pending-vs-dead-letter decision depends on the stored retry
	// count, so the whole read-modify-write runs in one transaction.
	next := models.StatusPending
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + key))
		if err != nil {
			return err
		}
		var entry models.QueueEntry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return &faults.CorruptEntryError{Key: key, Err: err}
		}
		entry.RetryCount++
		if entry.RetryCount >= s.retryCeiling {
			next = models.StatusDeadLetter
		}
		if !entry.Status.CanTransition(next) {
			return fmt.Errorf("%s: %s -> %s: %w",
				key, entry.Status, next, faults.ErrInvalidTransition)
		}
		entry.Status = next
		entry.LastError = reason
		entry.LastAttemptAt = s.clock()
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return txn.Set([]byte(entryPrefix+key), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return faults.ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if next == models.StatusDeadLetter {
		s.logger.Warn("entry dead-lettered", zap.String("key", key), zap.String("reason", reason))
	}
	return nil
}

func (s *badgerStore) MarkFatal(key, reason string) error {
	err := s.transition(key, models.StatusFailed, func(e *models.QueueEntry) {
		e.LastError = reason
		e.LastAttemptAt = s.clock()
	})
	if err != nil {
		return err
	}
	s.logger.Error("entry failed fatally", zap.String("key", key), zap.String("reason", reason))
	return nil
}

func (s *badgerStore) Usage() (Usage, error) {
	var u Usage
	entries, err := s.List(Filter{})
	if err != nil {
		return u, err
	}
	for _, e := range entries {
		u.Entries++
		u.TotalBytes += e.SizeBytes
	}
	return u, nil
}

// cleanup removes entries past the retention window and entries already
// dead-lettered, freeing space before enqueue gives up.
func (s *badgerStore) cleanup() (int, error) {
	entries, err := s.List(Filter{})
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-s.retention)
	removed := 0
	for _, e := range entries {
		if e.CreatedAt.Before(cutoff) || e.Status == models.StatusDeadLetter {
			if err := s.Dequeue(e.IdempotencyKey); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
