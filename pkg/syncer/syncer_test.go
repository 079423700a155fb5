package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/queue"
)

// scriptedSender replays outcomes in order, then succeeds.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSender) Send(ctx context.Context, entry *models.QueueEntry, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) {
		return s.errs[i]
	}
	return nil
}

func (s *scriptedSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Interval:      time.Hour, // tests drive drain directly
		MaxConcurrent: 2,
		BackoffBase:   3 * time.Second,
		BackoffCap:    20 * time.Second,
	}
}

func newTestOrchestrator(t *testing.T, sender Sender) (*Orchestrator, queue.Store) {
	t.Helper()
	store := queue.NewMemoryStore(config.QueueConfig{
		RetryCeiling:     3,
		FallbackCapacity: 16,
	}, zap.NewNop())
	o := New(store, sender, testSyncConfig(), zap.NewNop())
	return o, store
}

func enqueueOne(t *testing.T, store queue.Store) string {
	t.Helper()
	a := models.NewArtifact([]byte("audio-payload"), "audio/webm", time.Second, models.Calibration{})
	key, err := store.Enqueue(a, models.TierC, nil)
	require.NoError(t, err)
	return key
}

// farFuture makes every backoff window elapsed.
func farFuture(o *Orchestrator) {
	o.clock = func() time.Time { return time.Now().Add(24 * time.Hour) }
}

func TestDrainCompletesEntry(t *testing.T) {
	sender := &scriptedSender{}
	o, store := newTestOrchestrator(t, sender)
	key := enqueueOne(t, store)

	o.drain(context.Background())

	entry, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, models.StatusComplete, entry.Status)
	require.Equal(t, 1, sender.sent())

	// Completed entries are never re-sent.
	o.drain(context.Background())
	require.Equal(t, 1, sender.sent())
}

func TestDrainDeadLettersAtCeiling(t *testing.T) {
	sender := &scriptedSender{errs: []error{
		faults.Retryable("send", errors.New("timeout")),
		faults.Retryable("send", errors.New("timeout")),
		faults.Retryable("send", errors.New("timeout")),
	}}
	o, store := newTestOrchestrator(t, sender)
	key := enqueueOne(t, store)
	farFuture(o)

	for i := 1; i <= 2; i++ {
		o.drain(context.Background())
		entry, err := store.Get(key)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, entry.Status, "attempt %d", i)
		require.Equal(t, i, entry.RetryCount)
	}

	// Third failure is the ceiling.
	o.drain(context.Background())
	entry, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, models.StatusDeadLetter, entry.Status)
	require.Equal(t, 3, entry.RetryCount)

	// No fourth attempt, ever.
	o.drain(context.Background())
	require.Equal(t, 3, sender.sent())
}

func TestDrainParksFatalImmediately(t *testing.T) {
	sender := &scriptedSender{errs: []error{
		faults.Fatal("send", faults.ErrAuthRejected),
	}}
	o, store := newTestOrchestrator(t, sender)
	key := enqueueOne(t, store)
	farFuture(o)

	o.drain(context.Background())

	entry, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, entry.Status)

	// Fatal means no automatic retry of any kind.
	o.drain(context.Background())
	require.Equal(t, 1, sender.sent())
}

func TestBackoffGatesRetries(t *testing.T) {
	sender := &scriptedSender{errs: []error{
		faults.Retryable("send", errors.New("timeout")),
	}}
	o, store := newTestOrchestrator(t, sender)
	enqueueOne(t, store)

	o.drain(context.Background()) // fails, entry back to pending
	require.Equal(t, 1, sender.sent())

	// Immediately after the failure the backoff window has not
	// elapsed; the entry is skipped.
	o.drain(context.Background())
	require.Equal(t, 1, sender.sent())

	// Once the window passes, the retry runs.
	farFuture(o)
	o.drain(context.Background())
	require.Equal(t, 2, sender.sent())
}

func TestDelayForStaysWithinCap(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedSender{})
	for retries := 1; retries <= 10; retries++ {
		d := o.delayFor(retries)
		require.Greater(t, d, time.Duration(0))
		// Cap plus the 20% jitter allowance.
		require.LessOrEqual(t, d, 24*time.Second, "retries=%d", retries)
	}
	// First retry stays near the base.
	d := o.delayFor(1)
	require.GreaterOrEqual(t, d, 2400*time.Millisecond)
	require.LessOrEqual(t, d, 3600*time.Millisecond)
}

func TestDrainOldestFirst(t *testing.T) {
	var order []string
	var mu sync.Mutex
	sender := senderFunc(func(ctx context.Context, e *models.QueueEntry, p []byte) error {
		mu.Lock()
		order = append(order, e.IdempotencyKey)
		mu.Unlock()
		return nil
	})

	store := queue.NewMemoryStore(config.QueueConfig{RetryCeiling: 3, FallbackCapacity: 16}, zap.NewNop())
	cfg := testSyncConfig()
	cfg.MaxConcurrent = 1 // serialize to observe ordering
	o := New(store, sender, cfg, zap.NewNop())

	var keys []string
	for i := 0; i < 3; i++ {
		keys = append(keys, enqueueOne(t, store))
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt
	}

	o.drain(context.Background())
	require.Equal(t, keys, order)
}

type senderFunc func(context.Context, *models.QueueEntry, []byte) error

func (f senderFunc) Send(ctx context.Context, e *models.QueueEntry, p []byte) error {
	return f(ctx, e, p)
}

func TestKickNeverBlocks(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedSender{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			o.Kick("connectivity")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Kick blocked with a full trigger queue")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	sender := &scriptedSender{}
	o, store := newTestOrchestrator(t, sender)
	key := enqueueOne(t, store)

	o.Start(context.Background())
	o.Kick("connectivity-restored")

	require.Eventually(t, func() bool {
		entry, err := store.Get(key)
		return err == nil && entry.Status == models.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop() // must return promptly and leave state intact

	entry, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, models.StatusComplete, entry.Status)
}
