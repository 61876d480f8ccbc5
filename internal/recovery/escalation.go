package recovery

import (
	"context"
	"time"

	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/transport"
)

// startRecovery implements the entry point named by every detector in
// spec §4.5.2/§4.5.7: begin the escalation FSM at RetryCurrent, unless
// one is already running.
func (e *Engine) startRecovery() {
	if e.state.step != StepNone {
		return
	}
	e.generation++
	e.executeStep(StepRetryCurrent)
	e.publishNotify(eventbus.NotifyRecovery(StepRetryCurrent.String()))
}

// executeStep implements spec §4.5.8's per-step action and schedules its
// follow-up transition. Host RPC failures never abort escalation — the
// next step still runs on schedule regardless of the outcome.
func (e *Engine) executeStep(step Step) {
	e.state.step = step
	e.currentStep.Store(int32(step))

	switch step {
	case StepRetryCurrent:
		e.transport.Send(transport.RetryCurrent())
		e.scheduleTransition(e.cfg.RecoveryDelay())

	case StepRefreshSource:
		e.runHostCallAsync(e.host.RefreshBrowserSource)
		e.scheduleTransition(refreshSourceDelay)

	case StepToggleVisibility:
		e.runHostCallAsync(e.host.ToggleBrowserSource)
		e.scheduleTransition(toggleVisibilityDelay)

	case StepCriticalAlert:
		e.publishNotify(eventbus.NotifyCritical())
		if e.events != nil {
			e.events.Append("error", "recovery escalation exhausted, manual intervention required")
		}
		e.scheduleTransition(criticalAlertReenter)
	}
}

// runHostCallAsync fires a host RPC off the mailbox goroutine so a slow
// or failing call never blocks state processing; the escalation timeline
// is schedule-driven, not call-driven.
func (e *Engine) runHostCallAsync(call func(ctx context.Context) bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if !call(ctx) {
			e.log.Warn().Msg("host RPC call failed during escalation")
		}
	}()
}

// scheduleTransition arms a one-shot timer that, on fire, re-evaluates
// whether the player is still broken. The captured generation guards
// against a timer that fired after a reconnect or a fresh recovery cycle
// already reset state out from under it (spec §5).
func (e *Engine) scheduleTransition(delay time.Duration) {
	gen := e.generation

	e.timerMu.Lock()
	if e.stepTimer != nil {
		e.stepTimer.Stop()
	}
	e.stepTimer = time.AfterFunc(delay, func() {
		e.enqueue(func() { e.fireTransition(gen) })
	})
	e.timerMu.Unlock()
}

// fireTransition implements the scheduled-transition guard of spec §4.5.8:
// abort if cancelled, otherwise either advance to the next step or
// resolve recovery.
func (e *Engine) fireTransition(gen int) {
	if gen != e.generation || e.state.step == StepNone {
		return
	}

	if e.stillBroken() {
		e.advanceStep()
		return
	}

	e.resolveRecoveryFromStore()
}

// stillBroken implements spec §4.5.8's recovery check: the player is
// still considered broken if it has gone heartbeat-silent past the
// timeout, or detection counters show an active stall/non-playing
// condition.
func (e *Engine) stillBroken() bool {
	if !e.transport.IsConnected() {
		return true
	}
	if time.Since(e.state.lastHeartbeatAt) > e.cfg.HeartbeatTimeout() {
		return true
	}
	return e.state.stalledHeartbeats >= stallThreshold || e.state.nonPlayingHeartbeats >= nonPlayingThreshold
}

// advanceStep moves to the next escalation step. CriticalAlert's
// follow-up is a full loop back to RetryCurrent (spec §4.5.8's explicit
// "reset step to None and re-enter startRecovery"), which is why an
// exhausted escalation loops indefinitely rather than dead-ending.
func (e *Engine) advanceStep() {
	switch e.state.step {
	case StepRetryCurrent:
		e.executeStep(StepRefreshSource)
	case StepRefreshSource:
		e.executeStep(StepToggleVisibility)
	case StepToggleVisibility:
		e.executeStep(StepCriticalAlert)
	case StepCriticalAlert:
		e.state.step = StepNone
		e.currentStep.Store(int32(StepNone))
		e.startRecovery()
	}
}

// resolveRecovery implements the "already in recovery" cancellation path
// of spec §4.5.2: a heartbeat showing real progress cancels an in-flight
// escalation outright, independent of the scheduled-transition check.
func (e *Engine) resolveRecovery(videoIndex int, videoID string) {
	e.resetRecovery()
	e.publishNotify(eventbus.NotifyResume(videoIndex, videoID))
	if e.events != nil {
		e.events.Append("info", "Recovery resolved")
	}
}

// resolveRecoveryFromStore is resolveRecovery using the currently
// persisted video identity, for the scheduled-transition path where no
// fresh heartbeat triggered the resolution.
func (e *Engine) resolveRecoveryFromStore() {
	saved := e.store.Get()
	e.resolveRecovery(saved.VideoIndex, saved.VideoID)
}

// resetRecovery clears the escalation step and invalidates any
// in-flight scheduled transition.
func (e *Engine) resetRecovery() {
	e.state.step = StepNone
	e.currentStep.Store(int32(StepNone))
	e.generation++

	e.timerMu.Lock()
	if e.stepTimer != nil {
		e.stepTimer.Stop()
		e.stepTimer = nil
	}
	e.timerMu.Unlock()
}
