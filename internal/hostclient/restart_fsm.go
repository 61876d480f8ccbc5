package hostclient

import (
	"context"
	"time"
)

// handleStreamStopped drives the stream-drop restart sub-FSM, per spec
// §4.3 and §8 property 13. The attempt counter persists across repeated
// stop events within a single "drop cycle" — it only resets on a
// subsequent StreamStateChanged{STARTED} or on exhausting all attempts.
func (hc *HostClient) handleStreamStopped() {
	if !hc.cfg.AutoStream {
		return
	}

	hc.mu.Lock()
	attempt := hc.streamRestartAttempts
	hc.mu.Unlock()

	if attempt >= maxRestartAttempts {
		hc.observer.OnStreamRestartFailed()
		hc.mu.Lock()
		hc.streamRestartAttempts = 0
		hc.mu.Unlock()
		return
	}

	// notifyStreamDrop fires at schedule time, not at fire time (spec §8
	// scenario S5).
	hc.observer.OnStreamDrop(attempt+1, maxRestartAttempts)

	delay := restartDelays[attempt]
	hc.mu.Lock()
	if hc.restartTimer != nil {
		hc.restartTimer.Stop()
	}
	var timer *time.Timer
	timer = afterFunc(delay, func() {
		// Once fired, this restart is no longer pending.
		hc.mu.Lock()
		if hc.restartTimer == timer {
			hc.restartTimer = nil
		}
		hc.mu.Unlock()
		hc.attemptRestart(attempt)
	})
	hc.restartTimer = timer
	hc.mu.Unlock()
}

// attemptRestart runs the gate checks required before issuing StartStream.
// A failed gate aborts this attempt without rescheduling — per spec §9's
// open question, the sub-FSM checks the gate only at fire time and does
// not re-arm itself; the next attempt only happens if another stream-drop
// event arrives.
func (hc *HostClient) attemptRestart(attempt int) {
	if !hc.IsConnected() || !hc.Healthy() {
		hc.log.Warn().Int("attempt", attempt+1).Msg("stream restart attempt aborted: host unhealthy")
		return
	}

	ctx := context.Background()
	if hc.IsStreaming(ctx) {
		return
	}

	hc.mu.Lock()
	hc.streamRestartAttempts = attempt + 1
	hc.mu.Unlock()

	if !hc.StartStreaming(ctx) {
		hc.log.Warn().Int("attempt", attempt+1).Msg("stream restart StartStreaming call failed")
	}
}

// handleStreamStarted resets the restart counter and notifies success.
func (hc *HostClient) handleStreamStarted() {
	hc.mu.Lock()
	attempts := hc.streamRestartAttempts
	hc.streamRestartAttempts = 0
	hc.mu.Unlock()

	if attempts > 0 {
		hc.observer.OnStreamRestart(attempts)
		hc.dismissHostDialog()
	}
}

// afterFunc is a seam so tests can swap in a synchronous or
// fast-forwarded timer.
var afterFunc = defaultAfterFunc
