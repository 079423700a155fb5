package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/queue"
)

// scriptedAmplitude replays a fixed sequence of calibration samples.
type scriptedAmplitude struct {
	samples []float64
	errs    []error
	calls   int
}

func (s *scriptedAmplitude) Sample(ctx context.Context, window time.Duration) (float64, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	if i < len(s.samples) {
		return s.samples[i], nil
	}
	return 0.2, nil
}

func newTestStore(t *testing.T) queue.Store {
	t.Helper()
	return queue.NewMemoryStore(config.QueueConfig{
		RetryCeiling:     3,
		FallbackCapacity: 16,
	}, zap.NewNop())
}

func newTestEngine(t *testing.T, tr models.Tier, amp AmplitudeSource, opts ...func(*Options)) *Engine {
	t.Helper()
	o := Options{
		Tier:          tr,
		Store:         newTestStore(t),
		Permission:    StaticPermission(models.PermissionGranted),
		Amplitude:     amp,
		Logger:        zap.NewNop(),
		PhaseDuration: time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := NewEngine(o)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return e
}

func mustStart(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func TestStartCalibratesAndRecords(t *testing.T) {
	amp := &scriptedAmplitude{samples: []float64{0.1, 0.5, 0.5}}
	e := newTestEngine(t, models.TierA, amp)

	mustStart(t, e)

	if e.State() != StateRecording {
		t.Fatalf("state = %s, want recording", e.State())
	}
	if amp.calls != 3 {
		t.Errorf("tier A should run 3 phases, ran %d", amp.calls)
	}
	cal := e.Calibration()
	if cal.NoiseFloor != 0.1 {
		t.Errorf("noise floor = %v, want 0.1", cal.NoiseFloor)
	}
	if cal.SignalToNoise != 5 {
		t.Errorf("snr = %v, want 5", cal.SignalToNoise)
	}
	// target 0.25 over signal 0.5 = 0.5, inside tier A's clamp range.
	if cal.GainFactor != 0.5 {
		t.Errorf("gain = %v, want 0.5", cal.GainFactor)
	}
	if cal.Degraded {
		t.Errorf("calibration should not be degraded")
	}
}

func TestTierCGainClamp(t *testing.T) {
	// Loud input asks for gain well below tier C's floor of 0.8.
	amp := &scriptedAmplitude{samples: []float64{0.9}}
	e := newTestEngine(t, models.TierC, amp)
	mustStart(t, e)

	if amp.calls != 1 {
		t.Errorf("tier C should run 1 phase, ran %d", amp.calls)
	}
	if got := e.Calibration().GainFactor; got != 0.8 {
		t.Errorf("gain = %v, want clamped 0.8", got)
	}
}

func TestPermissionDeniedBlocks(t *testing.T) {
	e := newTestEngine(t, models.TierA, &scriptedAmplitude{},
		func(o *Options) { o.Permission = StaticPermission(models.PermissionDenied) })

	err := e.Start(context.Background())
	if !errors.Is(err, faults.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if e.State() != StateBlocked {
		t.Errorf("state = %s, want blocked", e.State())
	}
	// Blocked is terminal: no restart.
	if err := e.Start(context.Background()); !errors.Is(err, faults.ErrInvalidState) {
		t.Errorf("restart from blocked should be rejected, got %v", err)
	}
}

func TestCalibrationUnderrunDegrades(t *testing.T) {
	amp := &scriptedAmplitude{errs: []error{ErrUnderrun, ErrUnderrun}}
	e := newTestEngine(t, models.TierB, amp)

	mustStart(t, e)

	if e.State() != StateRecording {
		t.Fatalf("underruns must abort to recording, state = %s", e.State())
	}
	cal := e.Calibration()
	if !cal.Degraded || cal.GainFactor != 1.0 {
		t.Errorf("want degraded unity gain, got %+v", cal)
	}
}

func TestSingleUnderrunRetriesPhase(t *testing.T) {
	amp := &scriptedAmplitude{
		errs:    []error{ErrUnderrun, nil, nil},
		samples: []float64{0, 0.2, 0.4},
	}
	e := newTestEngine(t, models.TierB, amp)
	mustStart(t, e)

	if e.Calibration().Degraded {
		t.Errorf("one underrun must not degrade calibration")
	}
	if e.Calibration().Phases != 2 {
		t.Errorf("phases = %d, want 2", e.Calibration().Phases)
	}
}

func TestPauseExcludesElapsed(t *testing.T) {
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}})
	mustStart(t, e)

	now := time.Now()
	e.mu.Lock()
	e.activeSince = now
	e.clock = func() time.Time { return now.Add(10 * time.Second) }
	e.mu.Unlock()

	if err := e.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	// A long pause...
	e.mu.Lock()
	e.clock = func() time.Time { return now.Add(5 * time.Minute) }
	e.mu.Unlock()
	if err := e.Resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	e.mu.Lock()
	e.clock = func() time.Time { return now.Add(5*time.Minute + 7*time.Second) }
	e.mu.Unlock()

	if got := e.Elapsed(); got != 17*time.Second {
		t.Errorf("elapsed = %s, want 17s (paused interval excluded)", got)
	}
}

func TestAppendOnlyWhileRecording(t *testing.T) {
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}})

	if err := e.Append([]byte("x")); !errors.Is(err, faults.ErrInvalidState) {
		t.Errorf("append before start should fail, got %v", err)
	}

	mustStart(t, e)
	if err := e.Append([]byte("abc")); err != nil {
		t.Fatalf("append while recording failed: %v", err)
	}
	if err := e.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := e.Append([]byte("x")); !errors.Is(err, faults.ErrInvalidState) {
		t.Errorf("append while paused should fail, got %v", err)
	}
}

func TestStopAssemblesArtifact(t *testing.T) {
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}})
	mustStart(t, e)

	e.Append([]byte("abc"))
	e.Append([]byte("def"))

	artifact, err := e.Stop()
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if e.State() != StateStopped {
		t.Errorf("state = %s, want stopped", e.State())
	}
	if string(artifact.Audio) != "abcdef" {
		t.Errorf("audio = %q, want chunks joined in order", artifact.Audio)
	}
	if artifact.IdempotencyKey == "" {
		t.Errorf("artifact must carry an idempotency key")
	}
}

func TestFinalizeEnqueuesAndReleases(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}},
		func(o *Options) { o.Store = store })
	mustStart(t, e)
	e.Append([]byte("payload"))
	if _, err := e.Stop(); err != nil {
		t.Fatal(err)
	}

	key, err := e.Finalize(map[string]string{"title": "take one"})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if e.State() != StateFinalized {
		t.Errorf("state = %s, want finalized", e.State())
	}

	entry, err := store.Get(key)
	if err != nil {
		t.Fatalf("entry missing after finalize: %v", err)
	}
	if entry.Status != models.StatusPending {
		t.Errorf("entry status = %s, want pending", entry.Status)
	}
	if entry.Metadata["title"] != "take one" {
		t.Errorf("metadata not merged: %+v", entry.Metadata)
	}
}

// enqueueFailer fails the first Enqueue, then delegates.
type enqueueFailer struct {
	queue.Store
	failures int
}

func (f *enqueueFailer) Enqueue(a *models.Artifact, t models.Tier, md map[string]string) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", faults.ErrStorageExhausted
	}
	return f.Store.Enqueue(a, t, md)
}

func TestFinalizeRollsBackOnEnqueueFailure(t *testing.T) {
	store := &enqueueFailer{Store: newTestStore(t), failures: 1}
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}},
		func(o *Options) { o.Store = store })
	mustStart(t, e)
	e.Append([]byte("payload"))
	if _, err := e.Stop(); err != nil {
		t.Fatal(err)
	}

	_, err := e.Finalize(nil)
	if !errors.Is(err, faults.ErrStorageExhausted) {
		t.Fatalf("err = %v, want storage exhausted", err)
	}
	if e.State() != StateStopped {
		t.Fatalf("failed finalize must roll back to stopped, state = %s", e.State())
	}

	// The artifact survived; the retry succeeds.
	key, err := e.Finalize(nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, err := store.Get(key); err != nil {
		t.Errorf("entry missing after retried finalize: %v", err)
	}
}

func TestDiscardCreatesNoEntry(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}},
		func(o *Options) { o.Store = store })
	mustStart(t, e)
	e.Append([]byte("payload"))

	if err := e.Discard(); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if e.State() != StateDiscarded {
		t.Errorf("state = %s, want discarded", e.State())
	}
	entries, err := store.List(queue.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("discarded recording must never reach the queue, found %d entries", len(entries))
	}
	// Discarded is terminal.
	if _, err := e.Stop(); !errors.Is(err, faults.ErrInvalidState) {
		t.Errorf("stop after discard should fail, got %v", err)
	}
}

// channelTranscript emits fixed segments and closes on ctx cancel.
type channelTranscript struct {
	segments []string
	started  bool
}

func (p *channelTranscript) Start(ctx context.Context) (<-chan string, error) {
	p.started = true
	out := make(chan string)
	go func() {
		defer close(out)
		for _, s := range p.segments {
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func TestTranscriptAttachesOnTierA(t *testing.T) {
	provider := &channelTranscript{segments: []string{"ka fini", "ka di"}}
	e := newTestEngine(t, models.TierA, &scriptedAmplitude{samples: []float64{0.1, 0.2, 0.3}},
		func(o *Options) { o.Transcript = provider })
	mustStart(t, e)
	e.Append([]byte("audio"))

	// Give the collector a moment to drain both segments.
	time.Sleep(50 * time.Millisecond)

	artifact, err := e.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if artifact.Transcript != "ka fini ka di" {
		t.Errorf("transcript = %q, want segments joined", artifact.Transcript)
	}
}

// gatedTranscript holds its segment until released, so a test can
// order emission relative to the caller's context.
type gatedTranscript struct {
	segment string
	release chan struct{}
}

func (p *gatedTranscript) Start(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		select {
		case <-p.release:
		case <-ctx.Done():
			return
		}
		select {
		case out <- p.segment:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func TestTranscriptSurvivesCallerContext(t *testing.T) {
	provider := &gatedTranscript{segment: "suma sibo", release: make(chan struct{})}
	e := newTestEngine(t, models.TierA, &scriptedAmplitude{samples: []float64{0.1, 0.2, 0.3}},
		func(o *Options) { o.Transcript = provider })

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// The caller's context ends as soon as the start call returns, the
	// way a per-request context does. The transcript feed must not die
	// with it.
	cancel()

	close(provider.release)
	time.Sleep(50 * time.Millisecond)

	e.Append([]byte("audio"))
	artifact, err := e.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if artifact.Transcript != "suma sibo" {
		t.Errorf("transcript = %q, want segment emitted after the caller context ended", artifact.Transcript)
	}
}

func TestTranscriptNeverStartsBelowTierA(t *testing.T) {
	provider := &channelTranscript{segments: []string{"nope"}}
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}},
		func(o *Options) { o.Transcript = provider })
	mustStart(t, e)

	if provider.started {
		t.Errorf("tier B must not attempt transcript capture")
	}
}

func TestTranscriptFailureIsNotCaptureFailure(t *testing.T) {
	e := newTestEngine(t, models.TierA, &scriptedAmplitude{samples: []float64{0.1, 0.2, 0.3}},
		func(o *Options) { o.Transcript = failingTranscript{} })
	mustStart(t, e)

	if e.State() != StateRecording {
		t.Errorf("transcript failure must not fail capture, state = %s", e.State())
	}
}

type failingTranscript struct{}

func (failingTranscript) Start(ctx context.Context) (<-chan string, error) {
	return nil, errors.New("speech service offline")
}

func TestShortRecordingFlagged(t *testing.T) {
	e := newTestEngine(t, models.TierB, &scriptedAmplitude{samples: []float64{0.2, 0.2}},
		func(o *Options) { o.MinDuration = time.Minute })
	mustStart(t, e)
	e.Append([]byte("blip"))

	artifact, err := e.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if artifact.Metadata["short_recording"] != "true" {
		t.Errorf("short take should be flagged, metadata: %+v", artifact.Metadata)
	}
}
