package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/transport"
)

const validConfigYAML = `
state_path: %s
server:
  bind_addr: 127.0.0.1:0
host:
  url: ws://127.0.0.1:0/
  browser_source_name: Player
  request_timeout_ms: 1000
playlists:
  - id: main
    name: Main Rotation
`

const invalidConfigYAML = `
state_path: %s
server:
  bind_addr: 127.0.0.1:0
host:
  url: ""
  browser_source_name: ""
playlists: []
`

// newTestSupervisor writes a valid config file under t.TempDir() and
// constructs a Supervisor from it, mirroring fakeObserver-style test
// doubles used in internal/hostclient and internal/recovery: build the
// real thing against a throwaway filesystem fixture rather than mocking
// every collaborator.
func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	configPath := filepath.Join(dir, "config.yaml")

	content := []byte(fmt.Sprintf(validConfigYAML, statePath))
	if err := os.WriteFile(configPath, content, 0o644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	s, err := New(configPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewBuildsMessagingLayer(t *testing.T) {
	s := newTestSupervisor(t)

	if s.APIToken() == "" {
		t.Fatal("expected a non-empty api token")
	}
	if s.engine == nil || s.hostClient == nil || s.notify == nil {
		t.Fatal("expected messaging layer components to be constructed")
	}
	if len(s.messagingTokens) != 3 {
		t.Fatalf("expected 3 messaging tokens, got %d", len(s.messagingTokens))
	}
}

func TestReloadConfigRejectsInvalidConfig(t *testing.T) {
	s := newTestSupervisor(t)

	dir := filepath.Dir(s.configPath)
	statePath := filepath.Join(dir, "state.json")
	badContent := []byte(fmt.Sprintf(invalidConfigYAML, statePath))
	if err := os.WriteFile(s.configPath, badContent, 0o644); err != nil {
		t.Fatalf("write bad config: %v", err)
	}

	oldCfg := s.cfg
	oldEngine := s.engine

	if err := s.reloadConfig(); err == nil {
		t.Fatal("expected reloadConfig to reject an invalid config")
	}

	if s.cfg != oldCfg {
		t.Fatal("expected the previous config to stay live after a rejected reload")
	}
	if s.engine != oldEngine {
		t.Fatal("expected the previous recovery engine to stay live after a rejected reload")
	}
}

func TestReloadConfigRebuildsMessagingLayer(t *testing.T) {
	s := newTestSupervisor(t)

	oldEngine := s.engine
	oldHostClient := s.hostClient
	oldNotify := s.notify
	oldTokens := append([]suture.ServiceToken(nil), s.messagingTokens...)

	if err := s.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig: %v", err)
	}

	if s.engine == oldEngine {
		t.Fatal("expected a fresh recovery engine after reload")
	}
	if s.hostClient == oldHostClient {
		t.Fatal("expected a fresh host client after reload")
	}
	if s.notify == oldNotify {
		t.Fatal("expected a fresh notifier after reload")
	}
	if len(s.messagingTokens) != 3 {
		t.Fatalf("expected 3 fresh messaging tokens, got %d", len(s.messagingTokens))
	}
	for _, newTok := range s.messagingTokens {
		for _, old := range oldTokens {
			if newTok == old {
				t.Fatal("expected fresh service tokens after reload, got a reused one")
			}
		}
	}
}

func TestTriggerRestartSetsFlagAndFlushes(t *testing.T) {
	s := newTestSupervisor(t)

	if s.RestartRequested() {
		t.Fatal("expected RestartRequested to be false before triggerRestart")
	}

	s.triggerRestart()

	if !s.RestartRequested() {
		t.Fatal("expected RestartRequested to be true after triggerRestart")
	}
	if _, err := os.Stat(s.cfg.StatePath); err != nil {
		t.Fatalf("expected triggerRestart to flush the state file: %v", err)
	}
}

func TestSnapshotReflectsLiveComponents(t *testing.T) {
	s := newTestSupervisor(t)

	snap := s.Snapshot()
	if snap.HostConnected {
		t.Fatal("expected a freshly constructed host client to report disconnected")
	}
	if snap.RecoveryStep == "" {
		t.Fatal("expected a non-empty recovery step label")
	}
}

// TestPlayerObserverRoutesToLiveEngine verifies the indirection described
// in supervisor.go's playerObserver doc comment: a config reload rebuilds
// the Recovery Engine, but playerObserver.OnConnect must still reach
// whichever engine is currently live, not the one captured at Transport
// construction time.
func TestPlayerObserverRoutesToLiveEngine(t *testing.T) {
	s := newTestSupervisor(t)

	obs := playerObserver{s: s}

	// OnConnect against the initial engine must not panic or block.
	obs.OnConnect()

	if err := s.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig: %v", err)
	}

	// After reload, s.engine has been replaced; the same observer value
	// (held by the long-lived Transport) must still resolve to it.
	s.mu.Lock()
	liveEngine := s.engine
	s.mu.Unlock()

	obs.OnConnect()

	// OnMessage should not panic when routed through the rebuilt engine.
	obs.OnMessage(transport.InboundMessage{})

	if liveEngine == nil {
		t.Fatal("expected a live engine after reload")
	}
}

func TestHostObserverPublishesNotifyEvents(t *testing.T) {
	s := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := s.bus.Subscribe(ctx, eventbus.TopicNotify)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	obs := hostObserver{s: s}
	obs.OnDisconnect()

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("expected a notify event to be published on host disconnect")
	}
}
