// Package transport implements the single-client duplex socket the
// embedded player page connects to, adapted from the teacher's
// internal/websocket hub/client pair (github.com/gorilla/websocket),
// narrowed from a multi-client broadcast hub to a single authoritative
// peer per spec §4.2: a newer connection always replaces the prior one.
package transport

import "github.com/Sponsorn/streamloop/internal/models"

// Inbound message type discriminators (player -> server), per spec §4.2.
const (
	TypeReady          = "ready"
	TypeHeartbeat      = "heartbeat"
	TypeStateChange    = "stateChange"
	TypePlaylistLoaded = "playlistLoaded"
	TypeError          = "error"
)

// Outbound message type discriminators (server -> player), per spec §4.2.
const (
	TypeLoadPlaylist = "loadPlaylist"
	TypeRetryCurrent = "retryCurrent"
	TypeResume       = "resume"
	TypeSkip         = "skip"
)

// InboundMessage is the tagged union of every message the player can
// send. Only the fields relevant to Type are populated; unknown fields
// on known types are ignored for forward compatibility per spec §9.
type InboundMessage struct {
	Type            string             `json:"type"`
	VideoIndex      int                `json:"videoIndex,omitempty"`
	VideoID         string             `json:"videoId,omitempty"`
	VideoTitle      string             `json:"videoTitle,omitempty"`
	PlayerState     models.PlayerState `json:"playerState,omitempty"`
	CurrentTime     float64            `json:"currentTime,omitempty"`
	VideoDuration   float64            `json:"videoDuration,omitempty"`
	NextVideoID     string             `json:"nextVideoId,omitempty"`
	Volume          float64            `json:"volume,omitempty"`
	Muted           bool               `json:"muted,omitempty"`
	PlaybackQuality string             `json:"playbackQuality,omitempty"`
	TotalVideos     int                `json:"totalVideos,omitempty"`
	ErrorCode       int                `json:"errorCode,omitempty"`
}

// OutboundMessage is the tagged union of every message the server can
// send to the player.
type OutboundMessage struct {
	Type       string   `json:"type"`
	PlaylistID string   `json:"playlistId,omitempty"`
	Index      int      `json:"index,omitempty"`
	Loop       bool     `json:"loop,omitempty"`
	StartTime  *float64 `json:"startTime,omitempty"`
}

// LoadPlaylist builds the loadPlaylist outbound message of spec §4.2.
// startTime is optional: pass nil for a playlist advance (the sequencer
// always resets to a fresh video at position 0), and a non-nil pointer
// for the on-connect resume case, where startTime carries the saved
// currentTime even when it is zero.
func LoadPlaylist(playlistID string, index int, loop bool, startTime *float64) OutboundMessage {
	return OutboundMessage{Type: TypeLoadPlaylist, PlaylistID: playlistID, Index: index, Loop: loop, StartTime: startTime}
}

// RetryCurrent builds the retryCurrent outbound message.
func RetryCurrent() OutboundMessage {
	return OutboundMessage{Type: TypeRetryCurrent}
}

// Resume builds the resume outbound message.
func Resume() OutboundMessage {
	return OutboundMessage{Type: TypeResume}
}

// Skip builds the skip outbound message.
func Skip(index int) OutboundMessage {
	return OutboundMessage{Type: TypeSkip, Index: index}
}
