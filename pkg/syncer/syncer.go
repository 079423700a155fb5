// Package syncer drains the offline queue opportunistically: on
// connectivity or foreground kicks and on a coarse periodic timer.
// Entry state mutations only ever happen through the store's atomic
// transitions, so stopping the drain at any point leaves no entry
// corrupted.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/queue"
)

// Sender transfers one entry's payload to the remote archive.
type Sender interface {
	Send(ctx context.Context, entry *models.QueueEntry, payload []byte) error
}

type Orchestrator struct {
	store  queue.Store
	sender Sender
	cfg    config.SyncConfig
	logger *zap.Logger
	sem    *semaphore.Weighted
	kicks  chan string
	clock  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store queue.Store, sender Sender, cfg config.SyncConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		kicks:  make(chan string, 8),
		clock:  time.Now,
	}
}

// Start launches the trigger loop. Stop (or ctx cancellation) halts it
// between entries; in-flight attempts finish their current store
// transition first.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.run(ctx)
}

func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Kick requests a drain pass outside the timer: connectivity restored,
// app foregrounded. Coalesces when one is already queued.
func (o *Orchestrator) Kick(reason string) {
	select {
	case o.kicks <- reason:
	default:
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-o.kicks:
			o.logger.Debug("drain kicked", zap.String("reason", reason))
			o.drain(ctx)
		case <-ticker.C:
			o.drain(ctx)
		}
	}
}

// drain walks pending entries oldest first and attempts each one whose
// backoff window has elapsed, bounded by the concurrency semaphore.
func (o *Orchestrator) drain(ctx context.Context) {
	entries, err := o.store.List(queue.Filter{Status: models.StatusPending})
	if err != nil {
		o.logger.Error("queue scan failed", zap.Error(err))
		return
	}

	now := o.clock()
	var attempts sync.WaitGroup
	for _, entry := range entries {
		if !o.eligible(entry, now) {
			continue
		}
		if err := o.sem.Acquire(ctx, 1); err != nil {
			break // stopping
		}
		e := entry
		attempts.Add(1)
		go func() {
			defer attempts.Done()
			defer o.sem.Release(1)
			o.attempt(ctx, e)
		}()
	}
	attempts.Wait()
}

// eligible applies capped exponential backoff with jitter between
// retries of the same entry.
func (o *Orchestrator) eligible(entry *models.QueueEntry, now time.Time) bool {
	if entry.RetryCount == 0 || entry.LastAttemptAt.IsZero() {
		return true
	}
	return now.After(entry.LastAttemptAt.Add(o.delayFor(entry.RetryCount)))
}

func (o *Orchestrator) delayFor(retries int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.BackoffBase
	bo.MaxInterval = o.cfg.BackoffCap
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	delay := bo.NextBackOff()
	for i := 1; i < retries; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// attempt claims the entry, sends it, and records the outcome. The
// MarkUploading claim is what rejects a second concurrent drain of the
// same entry.
func (o *Orchestrator) attempt(ctx context.Context, entry *models.QueueEntry) {
	key := entry.IdempotencyKey
	if err := o.store.MarkUploading(key); err != nil {
		if errors.Is(err, faults.ErrInvalidTransition) {
			return // claimed by another attempt
		}
		var corrupt *faults.CorruptEntryError
		if errors.As(err, &corrupt) {
			return // quarantined by the store, drain continues
		}
		o.logger.Error("failed to claim entry", zap.String("key", key), zap.Error(err))
		return
	}

	payload, err := o.store.Payload(key)
	if err != nil {
		// An entry with no payload can never succeed.
		if err := o.store.MarkFatal(key, "payload unreadable: "+err.Error()); err != nil {
			o.logger.Error("failed to park entry", zap.String("key", key), zap.Error(err))
		}
		return
	}

	err = o.sender.Send(ctx, entry, payload)
	switch {
	case err == nil:
		if err := o.store.MarkComplete(key); err != nil {
			o.logger.Error("failed to mark complete", zap.String("key", key), zap.Error(err))
			return
		}
		o.logger.Info("entry uploaded", zap.String("key", key))
	case faults.IsFatal(err):
		if err2 := o.store.MarkFatal(key, err.Error()); err2 != nil {
			o.logger.Error("failed to park entry", zap.String("key", key), zap.Error(err2))
		}
	default:
		if err2 := o.store.MarkFailed(key, err.Error()); err2 != nil {
			o.logger.Error("failed to record attempt", zap.String("key", key), zap.Error(err2))
			return
		}
		o.logger.Warn("upload attempt failed",
			zap.String("key", key),
			zap.Int("retry", entry.RetryCount+1),
			zap.Error(err))
	}
}
