package eventbus

import (
	"strconv"

	"github.com/Sponsorn/streamloop/internal/models"
)

// NotifyEvent is the payload published on TopicNotify. The Notifier
// subscribes to this topic exclusively; nothing else consumes it.
//
// A raw send (spec §4.4's `send(content, level, fields?)`) sets Content
// directly and leaves Kind empty. A typed convenience call (notifyError,
// notifySkip, …) sets Kind and Fields and leaves Content empty, so the
// Notifier renders it from the per-kind template.
type NotifyEvent struct {
	Kind    string             `json:"kind,omitempty"`
	Content string             `json:"content,omitempty"`
	Level   models.NotifyLevel `json:"level"`
	Fields  map[string]string  `json:"fields,omitempty"`
}

// Notify event kinds, used as both per-event config toggle keys and
// default-template lookup keys, per spec §4.4.
const (
	NotifyKindError          = "error"
	NotifyKindSkip           = "skip"
	NotifyKindRecovery       = "recovery"
	NotifyKindCritical       = "critical"
	NotifyKindResume         = "resume"
	NotifyKindHostDisconnect = "hostDisconnect"
	NotifyKindHostReconnect  = "hostReconnect"
	NotifyKindStreamDrop     = "streamDrop"
	NotifyKindStreamRestart  = "streamRestart"
)

// Send builds a raw NotifyEvent carrying pre-rendered content.
func Send(content string, level models.NotifyLevel, fields map[string]string) NotifyEvent {
	return NotifyEvent{Content: content, Level: level, Fields: fields}
}

// NotifyError builds the typed "playback error" notification.
func NotifyError(errorCode int, videoIndex int, videoID string) NotifyEvent {
	return NotifyEvent{
		Kind:  NotifyKindError,
		Level: models.LevelError,
		Fields: map[string]string{
			"errorCode":  strconv.Itoa(errorCode),
			"videoIndex": strconv.Itoa(videoIndex),
			"videoId":    videoID,
		},
	}
}

// NotifySkip builds the typed "video skipped" notification.
func NotifySkip(videoIndex int, videoID, reason string) NotifyEvent {
	return NotifyEvent{
		Kind:  NotifyKindSkip,
		Level: models.LevelWarn,
		Fields: map[string]string{
			"videoIndex": strconv.Itoa(videoIndex),
			"videoId":    videoID,
			"reason":     reason,
		},
	}
}

// NotifyRecovery builds the typed "recovery started" notification.
func NotifyRecovery(step string) NotifyEvent {
	return NotifyEvent{
		Kind:   NotifyKindRecovery,
		Level:  models.LevelWarn,
		Fields: map[string]string{"step": step},
	}
}

// NotifyCritical builds the typed "escalation exhausted" notification.
func NotifyCritical() NotifyEvent {
	return NotifyEvent{Kind: NotifyKindCritical, Level: models.LevelError}
}

// NotifyResume builds the typed "recovery resolved" notification.
func NotifyResume(videoIndex int, videoID string) NotifyEvent {
	return NotifyEvent{
		Kind:  NotifyKindResume,
		Level: models.LevelInfo,
		Fields: map[string]string{
			"videoIndex": strconv.Itoa(videoIndex),
			"videoId":    videoID,
		},
	}
}

// NotifyHostDisconnect builds the typed "host connection lost" notification.
func NotifyHostDisconnect() NotifyEvent {
	return NotifyEvent{Kind: NotifyKindHostDisconnect, Level: models.LevelWarn}
}

// NotifyHostReconnect builds the typed "host connection restored" notification.
func NotifyHostReconnect() NotifyEvent {
	return NotifyEvent{Kind: NotifyKindHostReconnect, Level: models.LevelInfo}
}

// NotifyStreamDrop builds the typed "restart scheduled" notification.
func NotifyStreamDrop(attempt, max int) NotifyEvent {
	return NotifyEvent{
		Kind:  NotifyKindStreamDrop,
		Level: models.LevelWarn,
		Fields: map[string]string{
			"attempt": strconv.Itoa(attempt),
			"max":     strconv.Itoa(max),
		},
	}
}

// NotifyStreamRestart builds the typed "restart succeeded" notification.
func NotifyStreamRestart(attempts int) NotifyEvent {
	return NotifyEvent{
		Kind:   NotifyKindStreamRestart,
		Level:  models.LevelInfo,
		Fields: map[string]string{"attempts": strconv.Itoa(attempts)},
	}
}


// StreamStateEvent is the payload published on TopicStreamState whenever
// the host reports a StreamStateChanged RPC event.
type StreamStateEvent struct {
	Active bool   `json:"active"`
	State  string `json:"state"`
}

// Host stream output states, per spec §6.
const (
	StreamStateStarted = "OBS_WEBSOCKET_OUTPUT_STARTED"
	StreamStateStopped = "OBS_WEBSOCKET_OUTPUT_STOPPED"
)
