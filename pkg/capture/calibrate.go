package capture

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
)

// targetAmplitude is the normalized input level calibration aims the
// gain multiplier at.
const targetAmplitude = 0.25

// maxUnderruns before calibration gives up and records at unity gain.
const maxUnderruns = 2

// calibrate runs the tier's measurement phases against the amplitude
// source. A device that cannot sustain sampling (two underruns) falls
// through to unity gain with the Degraded marker set; calibration never
// fails the session.
func (e *Engine) calibrate(ctx context.Context) models.Calibration {
	phases := e.opts.Tier.CalibrationPhases()
	window := e.opts.PhaseDuration

	var samples []float64
	underruns := 0
	for i := 0; i < phases; i++ {
		amp, err := e.opts.Amplitude.Sample(ctx, window)
		if err != nil {
			if errors.Is(err, ErrUnderrun) {
				underruns++
				if underruns >= maxUnderruns {
					e.logger.Warn("calibration degraded after repeated underruns",
						zap.Int("underruns", underruns))
					return models.Calibration{
						GainFactor: 1.0,
						Phases:     i,
						Degraded:   true,
					}
				}
				i-- // repeat the phase
				continue
			}
			// Any other sampling failure: same degraded path.
			e.logger.Warn("calibration sampling failed", zap.Error(err))
			return models.Calibration{GainFactor: 1.0, Phases: i, Degraded: true}
		}
		samples = append(samples, amp)
	}

	if len(samples) == 0 {
		return models.Calibration{GainFactor: 1.0, Degraded: true}
	}

	// The quietest phase approximates the noise floor, the loudest the
	// speech signal. One-phase tiers measure a single blended level.
	noise := samples[0]
	signal := samples[0]
	for _, s := range samples[1:] {
		noise = math.Min(noise, s)
		signal = math.Max(signal, s)
	}

	snr := 0.0
	if noise > 0 {
		snr = signal / noise
	}

	gain := 1.0
	if signal > 0 {
		gain = targetAmplitude / signal
	}
	lo, hi := e.opts.Tier.GainBounds()
	gain = math.Max(lo, math.Min(hi, gain))

	return models.Calibration{
		GainFactor:    gain,
		NoiseFloor:    noise,
		SignalToNoise: snr,
		Phases:        phases,
	}
}
