// Package capture wraps the platform recording primitive in a state
// machine. The engine is the single owner of the active recording:
// chunks accumulate here and leave only through Finalize (ownership
// moves to the queue) or Discard (buffers released).
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/queue"
)

// State is the engine lifecycle position.
type State string

const (
	StateIdle        State = "idle"
	StateCalibrating State = "calibrating"
	StateRecording   State = "recording"
	StatePaused      State = "paused"
	StateStopped     State = "stopped"
	StateFinalized   State = "finalized"
	StateDiscarded   State = "discarded"
	// StateBlocked is terminal: microphone permission was denied and the
	// caller must fall back to manual file attachment.
	StateBlocked State = "blocked"
)

// ErrUnderrun is returned by an AmplitudeSource that could not keep its
// buffer fed during a calibration phase.
var ErrUnderrun = errors.New("calibration buffer underrun")

// PermissionFunc requests microphone access and reports the outcome.
type PermissionFunc func(ctx context.Context) (models.PermissionState, error)

// AmplitudeSource samples mean input amplitude (normalized 0..1) over a
// window. The platform primitive provides this during calibration.
type AmplitudeSource interface {
	Sample(ctx context.Context, window time.Duration) (float64, error)
}

// TranscriptProvider streams live transcript segments while recording.
// Only tier A engines ever start one; its absence or failure never
// fails the capture.
type TranscriptProvider interface {
	Start(ctx context.Context) (<-chan string, error)
}

// Options wires an engine. Store, Permission and Amplitude are
// required; Transcript is optional and only consulted on tier A.
type Options struct {
	Tier       models.Tier
	Store      queue.Store
	Permission PermissionFunc
	Amplitude  AmplitudeSource
	Transcript TranscriptProvider
	Logger     *zap.Logger
	MimeType   string
	MaxDuration time.Duration
	MinDuration time.Duration
	// PhaseDuration overrides the tier calibration phase length.
	// Zero means the tier default; tests shorten it.
	PhaseDuration time.Duration
}

// Engine is the capture state machine. All methods are safe for
// concurrent use; the mutex serializes every transition.
type Engine struct {
	mu     sync.Mutex
	state  State
	opts   Options
	logger *zap.Logger
	clock  func() time.Time

	chunks     [][]byte
	totalBytes int64

	cal         models.Calibration
	elapsed     time.Duration
	activeSince time.Time

	transcript       strings.Builder
	transcriptCancel context.CancelFunc
	transcriptDone   chan struct{}

	// artifact survives a failed Finalize so the caller can retry.
	artifact *models.Artifact
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Permission == nil || opts.Amplitude == nil {
		return nil, errors.New("capture: store, permission and amplitude source are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MimeType == "" {
		opts.MimeType = "audio/webm"
	}
	if opts.PhaseDuration == 0 {
		opts.PhaseDuration = opts.Tier.CalibrationPhaseDuration()
	}
	return &Engine{
		state:  StateIdle,
		opts:   opts,
		logger: opts.Logger.With(zap.String("tier", string(opts.Tier))),
		clock:  time.Now,
	}, nil
}

// State returns the current lifecycle position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Calibration returns the measurement result; valid once recording
// started.
func (e *Engine) Calibration() models.Calibration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cal
}

// Elapsed is recording time excluding paused intervals.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elapsedLocked()
}

func (e *Engine) elapsedLocked() time.Duration {
	d := e.elapsed
	if e.state == StateRecording {
		d += e.clock().Sub(e.activeSince)
	}
	return d
}

// Start runs idle → calibrating → recording. Permission denial moves
// the engine to the terminal blocked state and returns
// faults.ErrPermissionDenied; the caller falls back to manual
// attachment.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("start from %s: %w", state, faults.ErrInvalidState)
	}
	e.state = StateCalibrating
	e.mu.Unlock()

	perm, err := e.opts.Permission(ctx)
	if err != nil || perm != models.PermissionGranted {
		e.mu.Lock()
		e.state = StateBlocked
		e.mu.Unlock()
		e.logger.Warn("microphone permission denied", zap.Error(err))
		return faults.ErrPermissionDenied
	}

	cal := e.calibrate(ctx)

	e.mu.Lock()
	if e.state != StateCalibrating {
		// Discarded while calibrating.
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("calibration interrupted in %s: %w", state, faults.ErrSessionClosed)
	}
	e.cal = cal
	e.state = StateRecording
	e.activeSince = e.clock()
	e.mu.Unlock()

	if e.opts.Tier.TranscriptEnabled() && e.opts.Transcript != nil {
		e.startTranscript()
	}

	e.logger.Info("recording started",
		zap.Float64("gain", cal.GainFactor),
		zap.Float64("snr", cal.SignalToNoise),
		zap.Bool("degraded", cal.Degraded))
	return nil
}

// Append adds an audio chunk. Legal only while recording; paused and
// every other state reject it.
func (e *Engine) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRecording {
		return fmt.Errorf("append in %s: %w", e.state, faults.ErrInvalidState)
	}
	if e.opts.MaxDuration > 0 && e.elapsedLocked() > e.opts.MaxDuration {
		return fmt.Errorf("recording over %s cap: %w", e.opts.MaxDuration, faults.ErrInvalidState)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e.chunks = append(e.chunks, buf)
	e.totalBytes += int64(len(buf))
	return nil
}

// Pause stops the elapsed clock; accumulated chunks are preserved.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRecording {
		return fmt.Errorf("pause in %s: %w", e.state, faults.ErrInvalidState)
	}
	e.elapsed += e.clock().Sub(e.activeSince)
	e.state = StatePaused
	return nil
}

// Resume continues appending after a pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("resume in %s: %w", e.state, faults.ErrInvalidState)
	}
	e.activeSince = e.clock()
	e.state = StateRecording
	return nil
}

// Stop finalizes chunk accumulation and assembles the immutable
// artifact. Legal from recording or paused.
func (e *Engine) Stop() (*models.Artifact, error) {
	e.stopTranscript()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRecording && e.state != StatePaused {
		return nil, fmt.Errorf("stop in %s: %w", e.state, faults.ErrInvalidState)
	}
	if e.state == StateRecording {
		e.elapsed += e.clock().Sub(e.activeSince)
	}
	e.state = StateStopped

	audio := make([]byte, 0, e.totalBytes)
	for _, c := range e.chunks {
		audio = append(audio, c...)
	}
	artifact := models.NewArtifact(audio, e.opts.MimeType, e.elapsed, e.cal)
	artifact.Transcript = strings.TrimSpace(e.transcript.String())
	if e.opts.MinDuration > 0 && e.elapsed < e.opts.MinDuration {
		// Short takes are flagged, not rejected; the caller decides.
		artifact.Metadata["short_recording"] = "true"
	}
	e.artifact = artifact
	return artifact, nil
}

// Finalize hands the artifact to the queue. On enqueue failure the
// engine rolls back to stopped with the artifact retained, so the
// transition is side-effect-free when it fails.
func (e *Engine) Finalize(metadata map[string]string) (string, error) {
	e.mu.Lock()
	if e.state != StateStopped {
		state := e.state
		e.mu.Unlock()
		return "", fmt.Errorf("finalize in %s: %w", state, faults.ErrInvalidState)
	}
	artifact := e.artifact
	e.mu.Unlock()

	key, err := e.opts.Store.Enqueue(artifact, e.opts.Tier, metadata)
	if err != nil {
		e.logger.Warn("enqueue failed, artifact retained", zap.Error(err))
		return "", err
	}

	e.mu.Lock()
	e.state = StateFinalized
	// Ownership of the audio buffer moved to the queue.
	e.chunks = nil
	e.artifact = nil
	e.totalBytes = 0
	e.mu.Unlock()

	e.logger.Info("recording finalized", zap.String("key", key))
	return key, nil
}

// Discard cancels the session from any non-terminal state and releases
// buffers. No queue entry is ever created from a discarded recording.
func (e *Engine) Discard() error {
	e.stopTranscript()

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateFinalized, StateDiscarded, StateBlocked:
		return fmt.Errorf("discard in %s: %w", e.state, faults.ErrInvalidState)
	}
	e.state = StateDiscarded
	e.chunks = nil
	e.artifact = nil
	e.totalBytes = 0
	return nil
}
