package capture

import (
	"context"
	"time"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
)

// StaticPermission returns a PermissionFunc reporting a fixed state.
// Hosts without an interactive permission prompt wire the state the
// platform probe reported.
func StaticPermission(state models.PermissionState) PermissionFunc {
	return func(ctx context.Context) (models.PermissionState, error) {
		return state, nil
	}
}

// FixedAmplitude is an AmplitudeSource reporting a constant level. It
// stands in when the host platform provides no live calibration feed;
// calibration then yields unity-adjacent gain instead of being skipped.
type FixedAmplitude struct {
	Level float64
}

func (f FixedAmplitude) Sample(ctx context.Context, window time.Duration) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(window):
		return f.Level, nil
	}
}
