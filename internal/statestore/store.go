// Package statestore persists the player's resume-position metadata to
// disk so playback can continue mid-video after a process restart.
//
// Writes are atomic: every flush goes through a temp file + fsync +
// rename via google/renameio/v2, so a crash mid-write can never leave
// the readable file truncated or partially overwritten (spec §8
// property 2). Updates are debounced — a write is scheduled 2s in the
// future and coalesced with any pending write — so a hot heartbeat
// stream doesn't turn into a write-per-message workload.
package statestore

import (
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/Sponsorn/streamloop/internal/logging"
	"github.com/Sponsorn/streamloop/internal/models"
)

// debounceWindow is the delay between an Update and its scheduled flush.
const debounceWindow = 2 * time.Second

// Store owns the single on-disk state file. The in-memory copy is always
// authoritative; persistence failures are logged, never propagated.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	state   models.PersistedState
	timer   *time.Timer
	timerMu sync.Mutex
}

// New creates a Store backed by path, loading any existing state. If the
// file is missing or unparsable, the store starts with defaults and a
// zero playlistIndex/videoIndex, per spec §4.1.
func New(path string) *Store {
	s := &Store{
		path:  path,
		log:   logging.WithComponent("statestore"),
		state: models.Default(),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Info().Str("path", s.path).Msg("no existing state file, starting with defaults")
		return
	}

	var loaded models.PersistedState
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("state file unparsable, starting with defaults")
		return
	}

	s.mu.Lock()
	s.state = loaded
	s.mu.Unlock()
}

// Get returns a defensive copy of the current state. Reads never fail.
func (s *Store) Get() models.PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Fields is a partial update merged into the persisted state by Update.
// Only non-nil fields are applied.
type Fields struct {
	PlaylistIndex *int
	VideoIndex    *int
	VideoID       *string
	VideoTitle    *string
	NextVideoID   *string
	CurrentTime   *float64
	VideoDuration *float64
}

// Update merges the given fields into the in-memory state, refreshes
// UpdatedAt, and schedules a debounced flush.
func (s *Store) Update(f Fields) {
	s.mu.Lock()
	if f.PlaylistIndex != nil {
		s.state.PlaylistIndex = *f.PlaylistIndex
	}
	if f.VideoIndex != nil {
		s.state.VideoIndex = *f.VideoIndex
	}
	if f.VideoID != nil {
		s.state.VideoID = *f.VideoID
	}
	if f.VideoTitle != nil {
		s.state.VideoTitle = *f.VideoTitle
	}
	if f.NextVideoID != nil {
		s.state.NextVideoID = *f.NextVideoID
	}
	if f.CurrentTime != nil {
		s.state.CurrentTime = *f.CurrentTime
	}
	if f.VideoDuration != nil {
		s.state.VideoDuration = *f.VideoDuration
	}
	s.state.UpdatedAt = monotonicNow(s.state.UpdatedAt)
	s.mu.Unlock()

	s.scheduleFlush()
}

// scheduleFlush (re)arms the debounce timer. Multiple calls within the
// debounce window coalesce into a single flush.
func (s *Store) scheduleFlush() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceWindow, func() {
		if err := s.Flush(); err != nil {
			s.log.Warn().Err(err).Msg("debounced flush failed")
		}
	})
}

// Flush cancels any pending debounce timer and writes the current state
// to disk immediately. Called on shutdown and on critical transitions
// such as a playlist advance.
func (s *Store) Flush() error {
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()

	s.mu.Lock()
	snapshot := s.state.Clone()
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal state")
		return err
	}

	if err := writeAtomic(s.path, data); err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("failed to write state file")
		return err
	}
	return nil
}

// writeAtomic writes data to path via a temp file + fsync + rename, so a
// reader never observes a partially written document.
func writeAtomic(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// monotonicNow returns a timestamp guaranteed to be strictly after prev,
// satisfying the "UpdatedAt increases monotonically" invariant even when
// the wall clock has low resolution.
func monotonicNow(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}
