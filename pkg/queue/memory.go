package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
)

// memoryStore is the degraded fallback used when the disk backend could
// not be opened. Same contract, smaller capacity, no durability across
// restarts.
type memoryStore struct {
	mu           sync.RWMutex
	entries      map[string]*models.QueueEntry
	payloads     map[string][]byte
	capacity     int
	retryCeiling int
	logger       *zap.Logger
	clock        func() time.Time
}

func NewMemoryStore(cfg config.QueueConfig, logger *zap.Logger) Store {
	return &memoryStore{
		entries:      make(map[string]*models.QueueEntry),
		payloads:     make(map[string][]byte),
		capacity:     cfg.FallbackCapacity,
		retryCeiling: cfg.RetryCeiling,
		logger:       logger,
		clock:        time.Now,
	}
}

func (s *memoryStore) Enqueue(artifact *models.Artifact, t models.Tier, metadata map[string]string) (string, error) {
	if artifact.Size() > t.MaxArtifactBytes() {
		return "", fmt.Errorf("payload %d bytes over tier %s limit %d: %w",
			artifact.Size(), t, t.MaxArtifactBytes(), faults.ErrArtifactTooLarge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.capacity {
		if !s.cleanupLocked() {
			return "", fmt.Errorf("fallback store at capacity %d: %w",
				s.capacity, faults.ErrStorageExhausted)
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
	s.entries[entry.IdempotencyKey] = entry
	payload := make([]byte, len(artifact.Audio))
	copy(payload, artifact.Audio)
	s.payloads[entry.IdempotencyKey] = payload
	return entry.IdempotencyKey, nil
}

// cleanupLocked drops dead-letter entries to make room. Returns whether
// anything was freed.
func (s *memoryStore) cleanupLocked() bool {
	freed := false
	for key, e := range s.entries {
		if e.Status == models.StatusDeadLetter {
			delete(s.entries, key)
			delete(s.payloads, key)
			freed = true
		}
	}
	return freed
}

func (s *memoryStore) Get(key string) (*models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, faults.ErrEntryNotFound
	}
	e := *entry
	return &e, nil
}

func (s *memoryStore) Payload(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.payloads[key]
	if !ok {
		return nil, faults.ErrEntryNotFound
	}
	return payload, nil
}

func (s *memoryStore) List(f Filter) ([]*models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []*models.QueueEntry
	for _, entry := range s.entries {
		if f.Status != "" && entry.Status != f.Status {
			continue
		}
		e := *entry
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, nil
}

func (s *memoryStore) Dequeue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.payloads, key)
	return nil
}

func (s *memoryStore) transition(key string, next models.EntryStatus, mutate func(*models.QueueEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return faults.ErrEntryNotFound
	}
	if !entry.Status.CanTransition(next) {
		return fmt.Errorf("%s: %s -> %s: %w",
			key, entry.Status, next, faults.ErrInvalidTransition)
	}
	entry.Status = next
	if mutate != nil {
		mutate(entry)
	}
	return nil
}

func (s *memoryStore) MarkUploading(key string) error {
	return s.transition(key, models.StatusUploading, func(e *models.QueueEntry) {
		e.LastAttemptAt = s.clock()
	})
}

func (s *memoryStore) MarkComplete(key string) error {
	return s.transition(key, models.StatusComplete, nil)
}

func (s *memoryStore) MarkFailed(key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return faults.ErrEntryNotFound
	}
	next := models.StatusPending
	if entry.RetryCount+1 >= s.retryCeiling {
		next = models.StatusDeadLetter
	}
	if !entry.Status.CanTransition(next) {
		return fmt.Errorf("%s: %s -> %s: %w",
			key, entry.Status, next, faults.ErrInvalidTransition)
	}
	entry.RetryCount++
	entry.Status = next
	entry.LastError = reason
	entry.LastAttemptAt = s.clock()
	if next == models.StatusDeadLetter {
		s.logger.Warn("entry dead-lettered", zap.String("key", key), zap.String("reason", reason))
	}
	return nil
}

func (s *memoryStore) MarkFatal(key, reason string) error {
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

func (s *memoryStore) Usage() (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u Usage
	for _, e := range s.entries {
		u.Entries++
		u.TotalBytes += e.SizeBytes
	}
	return u, nil
}

func (s *memoryStore) Close() error { return nil }
