package capture

import (
	"context"

	"go.uber.org/zap"
)

// startTranscript begins live transcript collection alongside
// recording. The provider context is scoped to the recording, not to
// the caller of Start: it stays live until Stop or Discard cancels it.
// Provider failure only logs; transcript absence is never a capture
// failure.
func (e *Engine) startTranscript() {
	tctx, cancel := context.WithCancel(context.Background())
	segments, err := e.opts.Transcript.Start(tctx)
	if err != nil {
		cancel()
		e.logger.Warn("transcript provider unavailable", zap.Error(err))
		return
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.transcriptCancel = cancel
	e.transcriptDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		for seg := range segments {
			e.mu.Lock()
			if e.transcript.Len() > 0 {
				e.transcript.WriteByte(' ')
			}
			e.transcript.WriteString(seg)
			e.mu.Unlock()
		}
	}()
}

// stopTranscript cancels collection and waits for the collector to
// drain so Stop reads a settled buffer.
func (e *Engine) stopTranscript() {
	e.mu.Lock()
	cancel := e.transcriptCancel
	done := e.transcriptDone
	e.transcriptCancel = nil
	e.transcriptDone = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
