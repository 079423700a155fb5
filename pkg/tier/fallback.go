package tier

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"runtime"
	"time"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
)

// benchIterations is the fixed work unit for the micro-benchmark that
// substitutes for the memory/core signals when the probe never answered.
const benchIterations = 20000

// benchBudget divides fast hardware from constrained hardware. Above
// it the device is treated as tier-B class.
const benchBudget = 150 * time.Millisecond

// CaptureCheck reports whether a recording primitive is reachable
// locally. Injected so hosts without a device stack report false.
type CaptureCheck func() bool

// FallbackSnapshot builds a snapshot from locally observable signals
// when the external probe timed out. Every unknown fails toward the
// conservative side: the result can classify to B or C, never A.
func FallbackSnapshot(ctx context.Context, check CaptureCheck) models.EnvironmentSnapshot {
	snap := models.EnvironmentSnapshot{
		NetworkEffectiveType: "unknown",
		MicrophonePermission: models.PermissionPrompt,
	}
	if check != nil {
		snap.MediaCaptureSupported = check()
	}
	if !snap.MediaCaptureSupported {
		return snap
	}

	snap.LogicalCores = runtime.NumCPU()

	// Speech recognition availability is probe-only; without the probe
	// it stays false, which caps the result at tier B.
	if microBench(ctx) <= benchBudget {
		snap.DeviceMemoryGB = minMemoryGB
	}
	return snap
}

// microBench runs a fixed-iteration hash loop and returns elapsed wall
// time. Cancellation returns an over-budget duration.
func microBench(ctx context.Context) time.Duration {
	start := time.Now()
	var buf [8]byte
	sum := sha256.Sum256(buf[:])
	for i := 0; i < benchIterations; i++ {
		if i%4096 == 0 && ctx.Err() != nil {
			return benchBudget + time.Second
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(i))
		copy(sum[:8], buf[:])
		sum = sha256.Sum256(sum[:])
	}
	_ = sum
	return time.Since(start)
}
