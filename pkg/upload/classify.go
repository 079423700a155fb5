package upload

import (
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
)

// classify sorts a response into the fault taxonomy. Transport errors
// and 5xx/timeout statuses are retryable; auth and validation
// rejections are fatal and never retried automatically.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return faults.Retryable(op, err)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return faults.Fatal(op, fmt.Errorf("status %d: %w", code, faults.ErrAuthRejected))
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return faults.Retryable(op, fmt.Errorf("status %d", code))
	case code == http.StatusConflict:
		// Offset disagreement on a chunk; the next attempt re-probes.
		return faults.Retryable(op, fmt.Errorf("offset conflict, status %d", code))
	default:
		return faults.Fatal(op, fmt.Errorf("status %d", code))
	}
}
