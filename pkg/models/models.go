package models

import (
	"time"

	"github.com/google/uuid"
)

// PermissionState mirrors the platform microphone permission values.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// EnvironmentSnapshot is a one-time read of device and network signals,
// taken at session start by an external probe or by local fallback
// detection. It is passed by value and never re-read mid-session.
type EnvironmentSnapshot struct {
	NetworkEffectiveType       string          `json:"network_effective_type"`
	DeviceMemoryGB             float64         `json:"device_memory_gb"` // 0 = unknown
	LogicalCores               int             `json:"logical_cores"`    // 0 = unknown
	MediaCaptureSupported      bool            `json:"media_capture_supported"`
	SpeechRecognitionSupported bool            `json:"speech_recognition_supported"`
	StorageQuotaBytes          int64           `json:"storage_quota_bytes"`
	MicrophonePermission       PermissionState `json:"microphone_permission"`
}

// Tier is the per-session capability class. It is assigned exactly once
// and never changes for the session lifetime.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// MaxArtifactBytes is the ceiling for a queued audio payload.
func (t Tier) MaxArtifactBytes() int64 {
	switch t {
	case TierA:
		return 20 << 20
	case TierB:
		return 10 << 20
	default:
		return 5 << 20
	}
}

// SampleRate in Hz for the recording primitive.
func (t Tier) SampleRate() int {
	switch t {
	case TierA:
		return 48000
	case TierB:
		return 44100
	default:
		return 22050
	}
}

// CalibrationPhases is the number of measurement phases run before
// recording starts.
func (t Tier) CalibrationPhases() int {
	switch t {
	case TierA:
		return 3
	case TierB:
		return 2
	default:
		return 1
	}
}

// CalibrationPhaseDuration is the length of one measurement phase.
func (t Tier) CalibrationPhaseDuration() time.Duration {
	return 5 * time.Second
}

// GainBounds returns the clamp range for the computed gain multiplier.
func (t Tier) GainBounds() (min, max float64) {
	switch t {
	case TierA:
		return 0.5, 2.0
	case TierB:
		return 0.7, 1.5
	default:
		return 0.8, 1.2
	}
}

// UploadChunkBytes is the transfer chunk size, smaller on weaker tiers
// to bound memory pressure.
func (t Tier) UploadChunkBytes() int {
	switch t {
	case TierA:
		return 512 << 10
	case TierB:
		return 256 << 10
	default:
		return 128 << 10
	}
}

// TranscriptEnabled reports whether live transcript capture runs
// alongside recording.
func (t Tier) TranscriptEnabled() bool { return t == TierA }

// Calibration is the result of the pre-recording measurement phases.
type Calibration struct {
	GainFactor    float64 `json:"gain_factor"`
	NoiseFloor    float64 `json:"noise_floor"`
	SignalToNoise float64 `json:"signal_to_noise"`
	Phases        int     `json:"phases"`
	// Degraded is set when calibration aborted after repeated buffer
	// underruns and gain fell back to 1.0.
	Degraded bool `json:"degraded,omitempty"`
}

// Artifact is a finalized recording: the audio payload plus the
// metadata the archive collaborator consumes. Immutable after assembly.
type Artifact struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Audio          []byte            `json:"-"`
	MimeType       string            `json:"mime_type"`
	Duration       time.Duration     `json:"duration"`
	Calibration    Calibration       `json:"calibration"`
	Transcript     string            `json:"transcript,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewArtifact assembles a finalized artifact and generates its
// idempotency key. The key is the sole deduplication handle the remote
// endpoint honors.
func NewArtifact(audio []byte, mimeType string, duration time.Duration, cal Calibration) *Artifact {
	return &Artifact{
		IdempotencyKey: uuid.New().String(),
		Audio:          audio,
		MimeType:       mimeType,
		Duration:       duration,
		Calibration:    cal,
		Metadata:       make(map[string]string),
		CreatedAt:      time.Now(),
	}
}

// Size returns the audio payload length in bytes.
func (a *Artifact) Size() int64 { return int64(len(a.Audio)) }

// EntryStatus is the queue entry lifecycle state.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusUploading  EntryStatus = "uploading"
	StatusComplete   EntryStatus = "complete"
	StatusFailed     EntryStatus = "failed"
	StatusDeadLetter EntryStatus = "dead_letter"
)

// CanTransition reports whether moving from s to next is a legal step.
// Transitions are monotone: no entry skips a state and terminal states
// never move again.
func (s EntryStatus) CanTransition(next EntryStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusUploading
	case StatusUploading:
		return next == StatusComplete || next == StatusPending ||
			next == StatusFailed || next == StatusDeadLetter
	case StatusFailed:
		return next == StatusDeadLetter
	default:
		// complete and dead_letter are terminal
		return false
	}
}

// Terminal reports whether the status can never change again.
func (s EntryStatus) Terminal() bool {
	return s == StatusComplete || s == StatusDeadLetter
}

// QueueEntry is the persisted submission record. The store is the
// single source of truth for it; nothing keeps a conflicting in-memory
// copy of Status.
type QueueEntry struct {
	IdempotencyKey string            `json:"idempotency_key"`
	PayloadRef     string            `json:"payload_ref"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         EntryStatus       `json:"status"`
	RetryCount     int               `json:"retry_count"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAttemptAt  time.Time         `json:"last_attempt_at,omitempty"`
	Tier           Tier              `json:"tier"`
	SizeBytes      int64             `json:"size_bytes"`
	LastError      string            `json:"last_error,omitempty"`
}
