// Package tier maps a one-time environment snapshot to the session
// capability tier. Classification is pure and runs exactly once; the
// Assignment holder makes recomputation impossible by construction.
package tier

import (
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
)

const minMemoryGB = 1.0

// Classify maps a snapshot to a tier. First match wins:
// no media capture → C; no speech recognition, <1GB memory or <2 cores
// → B; otherwise A. Unknown memory/cores (zero values) count against
// the device, never for it.
func Classify(snap models.EnvironmentSnapshot) models.Tier {
	if !snap.MediaCaptureSupported {
		return models.TierC
	}
	if !snap.SpeechRecognitionSupported ||
		snap.DeviceMemoryGB < minMemoryGB ||
		snap.LogicalCores < 2 {
		return models.TierB
	}
	return models.TierA
}

// Assignment is the session-scoped tier holder. It carries the tier and
// the snapshot it was derived from; neither can change afterward.
type Assignment struct {
	tier models.Tier
	snap models.EnvironmentSnapshot
}

// Assign classifies the snapshot and freezes the result for the
// session. Later network or battery changes never re-run this.
func Assign(snap models.EnvironmentSnapshot) *Assignment {
	return &Assignment{tier: Classify(snap), snap: snap}
}

// Tier returns the frozen tier.
func (a *Assignment) Tier() models.Tier { return a.tier }

// Snapshot returns the snapshot the tier was derived from.
func (a *Assignment) Snapshot() models.EnvironmentSnapshot { return a.snap }
