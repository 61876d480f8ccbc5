package recovery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Sponsorn/streamloop/internal/config"
	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/eventlog"
	"github.com/Sponsorn/streamloop/internal/models"
	"github.com/Sponsorn/streamloop/internal/statestore"
	"github.com/Sponsorn/streamloop/internal/transport"
)

// fakeSender is a Sender test double recording every outbound message.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []transport.OutboundMessage
}

func (f *fakeSender) Send(msg transport.OutboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) last() transport.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeHost is a HostClient test double that signals each call on a
// channel so timer-driven escalation tests can synchronize without a
// fixed sleep.
type fakeHost struct {
	refreshed chan struct{}
	toggled   chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{refreshed: make(chan struct{}, 8), toggled: make(chan struct{}, 8)}
}

func (f *fakeHost) RefreshBrowserSource(ctx context.Context) bool {
	f.refreshed <- struct{}{}
	return true
}

func (f *fakeHost) ToggleBrowserSource(ctx context.Context) bool {
	f.toggled <- struct{}{}
	return true
}

func newTestEngine(t *testing.T, playlists []models.PlaylistEntry) (*Engine, *fakeSender, *fakeHost, *eventbus.Bus) {
	t.Helper()

	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))
	sender := &fakeSender{connected: true}
	host := newFakeHost()
	bus := eventbus.New()
	t.Cleanup(func() { _ = bus.Close() })
	events := eventlog.New()

	cfg := config.PlayerConfig{
		HeartbeatIntervalMs:     5000,
		HeartbeatTimeoutMs:      15000,
		RecoveryDelayMs:         5000,
		MaxConsecutiveErrors:    3,
		PermanentSkipCodes:      []int{100, 101, 150},
		QualityRecoveryEnabled:  true,
		MinQuality:              "hd720",
		QualityRecoveryDelayMs:  30000,
		SourceRefreshIntervalMs: 0,
	}

	e := New(cfg, playlists, store, sender, host, bus, events)
	return e, sender, host, bus
}

// subscribeNotify returns a channel of decoded NotifyEvents for assertions
// against what the engine published.
func subscribeNotify(t *testing.T, bus *eventbus.Bus) <-chan eventbus.NotifyEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	raw, err := bus.Subscribe(ctx, eventbus.TopicNotify)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	out := make(chan eventbus.NotifyEvent, 16)
	go func() {
		for msg := range raw {
			var evt eventbus.NotifyEvent
			if err := json.Unmarshal(msg.Payload, &evt); err == nil {
				out <- evt
			}
			msg.Ack()
		}
	}()
	return out
}

// TestHandlePlayerConnectResumesSavedPosition verifies spec §8 scenario S1:
// on connect with saved state, the engine loads the saved playlist/index
// and resumes at the saved currentTime, including when it is non-zero.
func TestHandlePlayerConnectResumesSavedPosition(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}, {ID: "PLB"}, {ID: "PLC"}})

	one, four := 1, 4
	e.store.Update(statestore.Fields{PlaylistIndex: &one, VideoIndex: &four})
	ct := 42.5
	e.store.Update(statestore.Fields{CurrentTime: &ct})

	e.handlePlayerConnect()

	got := sender.last()
	if got.Type != transport.TypeLoadPlaylist || got.PlaylistID != "PLB" || got.Index != 4 || got.Loop {
		t.Fatalf("unexpected loadPlaylist message: %+v", got)
	}
	if got.StartTime == nil || *got.StartTime != 42.5 {
		t.Fatalf("expected startTime 42.5, got %v", got.StartTime)
	}
}

// TestHandlePlayerConnectClampsOutOfRangeIndex verifies the index clamp
// named in spec §4.5.1.
func TestHandlePlayerConnectClampsOutOfRangeIndex(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})

	bad := 7
	e.store.Update(statestore.Fields{PlaylistIndex: &bad})

	e.handlePlayerConnect()

	got := sender.last()
	if got.PlaylistID != "PLA" {
		t.Fatalf("expected clamp to the only configured playlist, got %q", got.PlaylistID)
	}
	if !got.Loop {
		t.Fatal("expected loop=true for a single-playlist config")
	}
}

// TestAdvancePlaylistSinglePlaylistLoopsWithNoStartTime verifies spec §8
// scenario S3: rolling over a single-playlist config reloads the same
// playlist from index 0 with loop=true and no startTime field at all.
func TestAdvancePlaylistSinglePlaylistLoopsWithNoStartTime(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLonly"}})
	e.state.totalVideos = 5

	e.skip(4, "end of playlist")

	got := sender.last()
	if got.Type != transport.TypeLoadPlaylist || got.PlaylistID != "PLonly" || got.Index != 0 || !got.Loop {
		t.Fatalf("unexpected loadPlaylist message: %+v", got)
	}
	if got.StartTime != nil {
		t.Fatalf("expected no startTime field on playlist advance, got %v", *got.StartTime)
	}
}

// TestSkipAdvancesWithinPlaylist verifies the within-playlist half of
// spec §4.5.6: skipping before the last video sends skip{index+1}, not a
// full playlist advance.
func TestSkipAdvancesWithinPlaylist(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}, {ID: "PLB"}})
	e.state.totalVideos = 5

	e.skip(1, "permanent error")

	got := sender.last()
	if got.Type != transport.TypeSkip || got.Index != 2 {
		t.Fatalf("unexpected skip message: %+v", got)
	}
}

// TestDetectStallEntersRetryCurrentAtThreeHeartbeats verifies spec §8
// property 7: three consecutive non-progressing playing heartbeats trip
// recovery into RetryCurrent. A priming heartbeat first establishes the
// progress baseline, since the stall comparison is against the
// previously observed currentTime.
func TestDetectStallEntersRetryCurrentAtThreeHeartbeats(t *testing.T) {
	e, sender, _, bus := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	notifications := subscribeNotify(t, bus)
	e.state.totalVideos = 10

	prime := transport.InboundMessage{Type: transport.TypeHeartbeat, PlayerState: models.PlayerPlaying, CurrentTime: 17.0}
	e.handleHeartbeat(prime)

	stuck := transport.InboundMessage{Type: transport.TypeHeartbeat, PlayerState: models.PlayerPlaying, CurrentTime: 17.0}
	e.handleHeartbeat(stuck)
	e.handleHeartbeat(stuck)
	if e.state.step != StepNone {
		t.Fatalf("expected step still None after 2 stalled heartbeats, got %v", e.state.step)
	}
	e.handleHeartbeat(stuck)

	if e.state.step != StepRetryCurrent {
		t.Fatalf("expected StepRetryCurrent after 3 stalled heartbeats, got %v", e.state.step)
	}
	got := sender.last()
	if got.Type != transport.TypeRetryCurrent {
		t.Fatalf("expected retryCurrent message, got %+v", got)
	}

	select {
	case evt := <-notifications:
		if evt.Kind != eventbus.NotifyKindRecovery {
			t.Fatalf("expected recovery notification, got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recovery notification")
	}
}

// TestProgressDuringEscalationCancelsAndResumes verifies spec §8 scenario
// S2: a heartbeat showing real progress while an escalation is in flight
// cancels it outright and emits notifyResume.
func TestProgressDuringEscalationCancelsAndResumes(t *testing.T) {
	e, _, _, bus := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	notifications := subscribeNotify(t, bus)
	e.state.totalVideos = 10

	stuck := transport.InboundMessage{Type: transport.TypeHeartbeat, PlayerState: models.PlayerPlaying, CurrentTime: 17.0, VideoIndex: 4, VideoID: "abc"}
	e.handleHeartbeat(stuck) // baseline
	e.handleHeartbeat(stuck)
	e.handleHeartbeat(stuck)
	e.handleHeartbeat(stuck)
	if e.state.step != StepRetryCurrent {
		t.Fatalf("expected escalation to have started, got step %v", e.state.step)
	}

	// The bus delivers each publish on its own goroutine, so the
	// recovery-started notification is received before the progress
	// heartbeat publishes the resume.
	select {
	case evt := <-notifications:
		if evt.Kind != eventbus.NotifyKindRecovery {
			t.Fatalf("expected first event to be the recovery-started notification, got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recovery notification")
	}

	progressed := transport.InboundMessage{Type: transport.TypeHeartbeat, PlayerState: models.PlayerPlaying, CurrentTime: 21.8, VideoIndex: 4, VideoID: "abc"}
	e.handleHeartbeat(progressed)

	if e.state.step != StepNone {
		t.Fatalf("expected escalation cancelled, step = %v", e.state.step)
	}

	select {
	case evt := <-notifications:
		if evt.Kind != eventbus.NotifyKindResume || evt.Fields["videoId"] != "abc" {
			t.Fatalf("expected resume notification for abc, got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resume notification")
	}
}

// TestDetectNonPlayingEntersRecoveryAtSixHeartbeats verifies spec §4.5.2's
// non-playing detector threshold.
func TestDetectNonPlayingEntersRecoveryAtSixHeartbeats(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	e.state.totalVideos = 10

	msg := transport.InboundMessage{Type: transport.TypeHeartbeat, PlayerState: models.PlayerBuffering}
	for i := 0; i < 5; i++ {
		e.handleHeartbeat(msg)
	}
	if e.state.step != StepNone {
		t.Fatalf("expected step still None after 5 non-playing heartbeats, got %v", e.state.step)
	}
	e.handleHeartbeat(msg)

	if e.state.step != StepRetryCurrent {
		t.Fatalf("expected recovery after 6 non-playing heartbeats, got %v", e.state.step)
	}
	if sender.last().Type != transport.TypeRetryCurrent {
		t.Fatalf("expected retryCurrent, got %+v", sender.last())
	}
}

// TestDetectStuckPauseAutoResumes verifies spec §4.5.2's auto-resume: two
// consecutive paused heartbeats re-sends resume.
func TestDetectStuckPauseAutoResumes(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	e.state.totalVideos = 10

	msg := transport.InboundMessage{Type: transport.TypeHeartbeat, PlayerState: models.PlayerPaused, CurrentTime: 10}
	e.handleHeartbeat(msg)
	if sender.count() != 0 {
		t.Fatalf("expected no resume after 1 paused heartbeat, got %d messages", sender.count())
	}
	e.handleHeartbeat(msg)

	if sender.last().Type != transport.TypeResume {
		t.Fatalf("expected resume message, got %+v", sender.last())
	}
}

// TestDetectQualityDropEntersRecovery verifies spec §4.5.2's quality
// recovery detector: a sustained below-minimum quality for
// ceil(delay/interval) heartbeats trips recovery.
func TestDetectQualityDropEntersRecovery(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	e.state.totalVideos = 10
	// threshold = ceil(30000/5000) = 6

	msg := transport.InboundMessage{Type: transport.TypeHeartbeat, PlayerState: models.PlayerPlaying, CurrentTime: float64(1), PlaybackQuality: "small"}
	for i := 0; i < 5; i++ {
		msg.CurrentTime += float64(i + 10) // keep progressing so the stall detector never fires
		e.handleHeartbeat(msg)
	}
	if e.state.step != StepNone {
		t.Fatalf("expected step still None after 5 low-quality heartbeats, got %v", e.state.step)
	}
	msg.CurrentTime += 50
	e.handleHeartbeat(msg)

	if e.state.step != StepRetryCurrent {
		t.Fatalf("expected recovery after quality threshold reached, got %v", e.state.step)
	}
	if sender.last().Type != transport.TypeRetryCurrent {
		t.Fatalf("expected retryCurrent, got %+v", sender.last())
	}
}

// TestHandleErrorPermanentCodeSkipsImmediately verifies spec §4.5.5: a
// permanent-skip error code skips without waiting for a retry.
func TestHandleErrorPermanentCodeSkipsImmediately(t *testing.T) {
	e, sender, _, bus := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	notifications := subscribeNotify(t, bus)
	e.state.totalVideos = 10

	e.handleError(transport.InboundMessage{Type: transport.TypeError, ErrorCode: 100, VideoIndex: 2, VideoID: "vid2"})

	if sender.last().Type != transport.TypeSkip || sender.last().Index != 3 {
		t.Fatalf("expected skip to index 3, got %+v", sender.last())
	}

	sawError, sawSkip := false, false
	for i := 0; i < 2; i++ {
		select {
		case evt := <-notifications:
			if evt.Kind == eventbus.NotifyKindError {
				sawError = true
			}
			if evt.Kind == eventbus.NotifyKindSkip {
				sawSkip = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for notifications")
		}
	}
	if !sawError || !sawSkip {
		t.Fatalf("expected both error and skip notifications, got error=%v skip=%v", sawError, sawSkip)
	}
}

// TestHandleErrorConsecutiveThresholdForcesSkip verifies spec §4.5.5: a
// non-permanent error retries up to maxConsecutiveErrors, then skips and
// resets the counter.
func TestHandleErrorConsecutiveThresholdForcesSkip(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	e.state.totalVideos = 10

	msg := transport.InboundMessage{Type: transport.TypeError, ErrorCode: 2, VideoIndex: 0, VideoID: "v0"}
	e.handleError(msg)
	e.handleError(msg)
	if e.state.consecutiveErrors != 2 {
		t.Fatalf("expected consecutiveErrors=2, got %d", e.state.consecutiveErrors)
	}
	if sender.count() != 0 {
		t.Fatalf("expected no skip before threshold, got %d messages", sender.count())
	}

	e.handleError(msg)

	if e.state.consecutiveErrors != 0 {
		t.Fatalf("expected consecutiveErrors reset to 0 after forced skip, got %d", e.state.consecutiveErrors)
	}
	if sender.last().Type != transport.TypeSkip || sender.last().Index != 1 {
		t.Fatalf("expected skip to index 1, got %+v", sender.last())
	}
}

// TestHandlePlaylistLoadedCorrectsOutOfRangeIndex verifies spec §4.5.4.
func TestHandlePlaylistLoadedCorrectsOutOfRangeIndex(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})

	nine := 9
	e.store.Update(statestore.Fields{VideoIndex: &nine})

	e.handlePlaylistLoaded(transport.InboundMessage{Type: transport.TypePlaylistLoaded, TotalVideos: 5})

	if e.state.totalVideos != 5 {
		t.Fatalf("expected totalVideos=5, got %d", e.state.totalVideos)
	}
	if e.store.Get().VideoIndex != 0 {
		t.Fatalf("expected corrected videoIndex=0, got %d", e.store.Get().VideoIndex)
	}
	if sender.last().Type != transport.TypeSkip || sender.last().Index != 0 {
		t.Fatalf("expected skip{0}, got %+v", sender.last())
	}
}

// TestEscalationAdvancesThroughAllStepsAndReenters verifies spec §4.5.8's
// full step table, including the CriticalAlert loop-back to RetryCurrent.
func TestEscalationAdvancesThroughAllStepsAndReenters(t *testing.T) {
	e, sender, host, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})

	e.startRecovery()
	if e.state.step != StepRetryCurrent {
		t.Fatalf("expected StepRetryCurrent, got %v", e.state.step)
	}

	e.advanceStep()
	if e.state.step != StepRefreshSource {
		t.Fatalf("expected StepRefreshSource, got %v", e.state.step)
	}
	select {
	case <-host.refreshed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RefreshBrowserSource call")
	}

	e.advanceStep()
	if e.state.step != StepToggleVisibility {
		t.Fatalf("expected StepToggleVisibility, got %v", e.state.step)
	}
	select {
	case <-host.toggled:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ToggleBrowserSource call")
	}

	e.advanceStep()
	if e.state.step != StepCriticalAlert {
		t.Fatalf("expected StepCriticalAlert, got %v", e.state.step)
	}

	e.advanceStep() // CriticalAlert's follow-up: loop back to RetryCurrent
	if e.state.step != StepRetryCurrent {
		t.Fatalf("expected loop back to StepRetryCurrent, got %v", e.state.step)
	}
	if sender.count() < 2 {
		t.Fatalf("expected at least 2 retryCurrent sends across the loop, got %d messages", sender.count())
	}
}

// TestCheckHeartbeatWatchdogFiresOnSilence verifies spec §4.5.7: the
// watchdog fires recovery once the heartbeat timeout has elapsed.
func TestCheckHeartbeatWatchdogFiresOnSilence(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	e.state.lastHeartbeatAt = time.Now().Add(-time.Hour)

	e.checkHeartbeatWatchdog()

	if e.state.step != StepRetryCurrent {
		t.Fatalf("expected watchdog to start recovery, got step %v", e.state.step)
	}
	if sender.last().Type != transport.TypeRetryCurrent {
		t.Fatalf("expected retryCurrent, got %+v", sender.last())
	}
}

// TestCheckHeartbeatWatchdogIgnoresDisconnectedPlayer verifies the
// watchdog's IsConnected guard.
func TestCheckHeartbeatWatchdogIgnoresDisconnectedPlayer(t *testing.T) {
	e, sender, _, _ := newTestEngine(t, []models.PlaylistEntry{{ID: "PLA"}})
	e.transport.(*fakeSender).connected = false
	e.state.lastHeartbeatAt = time.Now().Add(-time.Hour)

	e.checkHeartbeatWatchdog()

	if e.state.step != StepNone {
		t.Fatalf("expected no recovery while disconnected, got step %v", e.state.step)
	}
	if sender.count() != 0 {
		t.Fatalf("expected no messages sent, got %d", sender.count())
	}
}
