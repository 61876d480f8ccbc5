package recovery

import (
	"fmt"
	"math"
	"time"

	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/models"
	"github.com/Sponsorn/streamloop/internal/statestore"
	"github.com/Sponsorn/streamloop/internal/transport"
)

// OnConnect implements transport.Observer. It enqueues the player-connect
// handler of spec §4.5.1 onto the mailbox.
func (e *Engine) OnConnect() {
	e.enqueue(e.handlePlayerConnect)
}

// OnDisconnect implements transport.Observer. The engine itself takes no
// state action on disconnect — spec §4.5 names no RecoveryState mutation
// for it. The watchdog's own IsConnected() guard means no new escalation
// starts while the player is away; an escalation already in flight keeps
// advancing, since stillBroken treats a disconnected player as broken,
// until the reconnect handler cancels it.
func (e *Engine) OnDisconnect() {
	e.enqueue(func() {
		e.log.Info().Msg("player disconnected")
	})
}

// OnMessage implements transport.Observer, dispatching onto the mailbox
// by inbound message type, per spec §4.2/§4.5.
func (e *Engine) OnMessage(msg transport.InboundMessage) {
	e.enqueue(func() {
		switch msg.Type {
		case transport.TypeHeartbeat:
			e.handleHeartbeat(msg)
		case transport.TypeStateChange:
			e.handleStateChange(msg)
		case transport.TypePlaylistLoaded:
			e.handlePlaylistLoaded(msg)
		case transport.TypeError:
			e.handleError(msg)
		case transport.TypeReady:
			// Connection establishment is already handled by OnConnect;
			// the widget's own readiness ping needs no separate action.
		default:
			e.log.Warn().Str("type", msg.Type).Msg("dropping unknown inbound message type")
		}
	})
}

// handlePlayerConnect implements spec §4.5.1: cancel any in-flight
// escalation, reset transient detection state, clamp the saved playlist
// position, and resume playback at the saved position (or start fresh if
// nothing was saved).
func (e *Engine) handlePlayerConnect() {
	e.resetRecovery()
	e.state.lastHeartbeatAt = time.Now()
	e.state.stalledHeartbeats = 0
	e.state.nonPlayingHeartbeats = 0
	e.state.consecutivePausedHeartbeats = 0
	e.state.lowQualityHeartbeats = 0
	e.state.consecutiveErrors = 0

	if len(e.playlists) == 0 {
		e.log.Error().Msg("player connected with no configured playlists")
		return
	}

	saved := e.store.Get()
	index := saved.PlaylistIndex
	if index < 0 {
		index = 0
	}
	if index >= len(e.playlists) {
		index = len(e.playlists) - 1
	}

	currentTime := saved.CurrentTime
	loop := len(e.playlists) == 1

	e.transport.Send(transport.LoadPlaylist(e.playlists[index].ID, saved.VideoIndex, loop, &currentTime))
}

// handleHeartbeat implements spec §4.5.2: update lastHeartbeatAt, detect
// stalls/quality drops/non-playing states, auto-resume a stuck pause, and
// persist the reported position (unless stalled).
func (e *Engine) handleHeartbeat(msg transport.InboundMessage) {
	e.state.lastHeartbeatAt = time.Now()
	e.state.playbackQuality = msg.PlaybackQuality

	e.detectStall(msg)
	e.detectQualityDrop(msg)
	e.detectNonPlaying(msg)
	e.detectStuckPause(msg)
	e.persistHeartbeatPosition(msg)
}

// detectStall implements the stall detector of spec §4.5.2: three
// consecutive heartbeats reporting no forward progress in currentTime
// while playing trips recovery.
func (e *Engine) detectStall(msg transport.InboundMessage) {
	if msg.PlayerState == models.PlayerPlaying && msg.CurrentTime > 0 &&
		math.Abs(msg.CurrentTime-e.state.lastProgressTime) < 1 {
		e.state.stalledHeartbeats++
		if e.state.stalledHeartbeats == stallThreshold && e.state.step == StepNone {
			e.startRecovery()
		}
		return
	}

	wasRecovering := e.state.step != StepNone
	e.state.stalledHeartbeats = 0
	e.state.lastProgressTime = msg.CurrentTime
	if wasRecovering {
		e.resolveRecovery(msg.VideoIndex, msg.VideoID)
	}
}

// detectQualityDrop implements the quality-recovery detector of spec
// §4.5.2: a sustained below-minimum playback quality trips recovery after
// qualityRecoveryDelayMs worth of heartbeats.
func (e *Engine) detectQualityDrop(msg transport.InboundMessage) {
	if !e.cfg.QualityRecoveryEnabled {
		return
	}
	if msg.PlayerState != models.PlayerPlaying || models.QualityRank(msg.PlaybackQuality) >= models.QualityRank(e.cfg.MinQuality) {
		e.state.lowQualityHeartbeats = 0
		return
	}

	e.state.lowQualityHeartbeats++
	threshold := int(math.Ceil(float64(e.cfg.QualityRecoveryDelayMs) / float64(e.cfg.HeartbeatIntervalMs)))
	if threshold < 1 {
		threshold = 1
	}
	if e.state.lowQualityHeartbeats == threshold && e.state.step == StepNone {
		e.startRecovery()
	}
}

// detectNonPlaying implements the non-playing detector of spec §4.5.2:
// six consecutive heartbeats in any state other than playing/paused trips
// recovery; the counter resets the moment playing resumes.
func (e *Engine) detectNonPlaying(msg transport.InboundMessage) {
	if msg.PlayerState == models.PlayerPlaying {
		e.state.nonPlayingHeartbeats = 0
		return
	}
	if msg.PlayerState == models.PlayerPaused {
		return
	}

	e.state.nonPlayingHeartbeats++
	if e.state.nonPlayingHeartbeats == nonPlayingThreshold && e.state.step == StepNone {
		e.startRecovery()
	}
}

// detectStuckPause implements the auto-resume of spec §4.5.2: two
// consecutive paused heartbeats re-sends a resume command.
func (e *Engine) detectStuckPause(msg transport.InboundMessage) {
	if msg.PlayerState != models.PlayerPaused {
		e.state.consecutivePausedHeartbeats = 0
		return
	}

	e.state.consecutivePausedHeartbeats++
	if e.state.consecutivePausedHeartbeats == pausedResumeThreshold {
		e.transport.Send(transport.Resume())
		e.log.Info().Msg("auto-resuming stuck pause")
	}
}

// persistHeartbeatPosition implements the write policy of spec §4.5.2:
// video identity fields are always persisted; currentTime only while
// playing/paused or non-zero; nothing is persisted once a stall has been
// detected, since the reported position is no longer trustworthy.
func (e *Engine) persistHeartbeatPosition(msg transport.InboundMessage) {
	if e.state.stalledHeartbeats >= stallThreshold {
		return
	}

	fields := statestore.Fields{
		VideoIndex:    &msg.VideoIndex,
		VideoID:       &msg.VideoID,
		VideoTitle:    &msg.VideoTitle,
		VideoDuration: &msg.VideoDuration,
		NextVideoID:   &msg.NextVideoID,
	}
	if msg.PlayerState == models.PlayerPlaying || msg.PlayerState == models.PlayerPaused || msg.CurrentTime > 0 {
		fields.CurrentTime = &msg.CurrentTime
	}
	e.store.Update(fields)
}

// handleStateChange implements spec §4.5.3: persist the new video
// identity, clear the error streak on a resumed playthrough, and advance
// the playlist once the last video of a multi-playlist config ends.
func (e *Engine) handleStateChange(msg transport.InboundMessage) {
	videoIndex := msg.VideoIndex
	videoID := msg.VideoID
	videoTitle := msg.VideoTitle
	e.store.Update(statestore.Fields{VideoIndex: &videoIndex, VideoID: &videoID, VideoTitle: &videoTitle})

	if msg.PlayerState == models.PlayerPlaying {
		e.state.consecutiveErrors = 0
	}

	if msg.PlayerState == models.PlayerEnded && len(e.playlists) > 1 && msg.VideoIndex == e.state.totalVideos-1 {
		e.skip(msg.VideoIndex, "end of playlist")
	}
}

// handlePlaylistLoaded implements spec §4.5.4: remember the playlist's
// video count and correct an out-of-range saved index.
func (e *Engine) handlePlaylistLoaded(msg transport.InboundMessage) {
	e.state.totalVideos = msg.TotalVideos

	saved := e.store.Get()
	if saved.VideoIndex >= msg.TotalVideos {
		zero := 0
		e.store.Update(statestore.Fields{VideoIndex: &zero})
		e.transport.Send(transport.Skip(0))
	}
}

// handleError implements spec §4.5.5: a permanent-skip error code skips
// immediately; any other error code counts toward the consecutive-error
// threshold, scheduling a retry until the threshold forces a skip.
func (e *Engine) handleError(msg transport.InboundMessage) {
	if _, permanent := e.cfg.PermanentSkipSet()[msg.ErrorCode]; permanent {
		e.publishNotify(eventbus.NotifyError(msg.ErrorCode, msg.VideoIndex, msg.VideoID))
		e.skip(msg.VideoIndex, fmt.Sprintf("error %d (unavailable/not embeddable)", msg.ErrorCode))
		return
	}

	e.publishNotify(eventbus.NotifyError(msg.ErrorCode, msg.VideoIndex, msg.VideoID))
	e.state.consecutiveErrors++

	if e.state.consecutiveErrors >= e.cfg.MaxConsecutiveErrors {
		reason := fmt.Sprintf("%d consecutive errors", e.cfg.MaxConsecutiveErrors)
		e.state.consecutiveErrors = 0
		e.skip(msg.VideoIndex, reason)
		return
	}

	e.scheduleErrorRetry()
}

// scheduleErrorRetry re-sends retryCurrent after the configured recovery
// delay. Independent of the escalation FSM's own timers.
func (e *Engine) scheduleErrorRetry() {
	e.timerMu.Lock()
	if e.errorRetryTimer != nil {
		e.errorRetryTimer.Stop()
	}
	e.errorRetryTimer = time.AfterFunc(e.cfg.RecoveryDelay(), func() {
		e.enqueue(func() {
			e.transport.Send(transport.RetryCurrent())
		})
	})
	e.timerMu.Unlock()
}
