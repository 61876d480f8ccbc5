package recovery

import (
	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/statestore"
	"github.com/Sponsorn/streamloop/internal/transport"
)

// skip implements spec §4.5.6: advance to the next video in the current
// playlist, or roll over to the next playlist entirely once fromIndex is
// the last video. Always announces the skip via notifySkip.
func (e *Engine) skip(fromIndex int, reason string) {
	saved := e.store.Get()
	videoID := saved.VideoID

	if fromIndex+1 >= e.state.totalVideos {
		e.advancePlaylist(reason)
		return
	}

	nextIndex := fromIndex + 1
	e.publishNotify(eventbus.NotifySkip(fromIndex, videoID, reason))
	e.store.Update(statestore.Fields{VideoIndex: &nextIndex})
	e.transport.Send(transport.Skip(nextIndex))
}

// advancePlaylist implements the playlist-rollover half of spec §4.5.6:
// move to the next configured playlist, reset the saved video position,
// flush immediately (rather than waiting on the store's debounce), and
// load it fresh with no startTime.
func (e *Engine) advancePlaylist(reason string) {
	if len(e.playlists) == 0 {
		return
	}

	saved := e.store.Get()
	nextPlaylist := (saved.PlaylistIndex + 1) % len(e.playlists)
	zeroIndex, zeroTime, emptyID := 0, 0.0, ""

	e.publishNotify(eventbus.NotifySkip(saved.VideoIndex, saved.VideoID, reason))
	e.store.Update(statestore.Fields{
		PlaylistIndex: &nextPlaylist,
		VideoIndex:    &zeroIndex,
		VideoID:       &emptyID,
		CurrentTime:   &zeroTime,
	})
	if err := e.store.Flush(); err != nil {
		e.log.Warn().Err(err).Msg("failed to flush state on playlist advance")
	}

	e.state.totalVideos = 0
	e.state.consecutiveErrors = 0

	loop := len(e.playlists) == 1
	e.transport.Send(transport.LoadPlaylist(e.playlists[nextPlaylist].ID, 0, loop, nil))
}
