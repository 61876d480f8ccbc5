package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/Sponsorn/streamloop/internal/apiauth"
	"github.com/Sponsorn/streamloop/internal/config"
	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/eventlog"
	"github.com/Sponsorn/streamloop/internal/hostclient"
	"github.com/Sponsorn/streamloop/internal/logging"
	"github.com/Sponsorn/streamloop/internal/models"
	"github.com/Sponsorn/streamloop/internal/notifier"
	"github.com/Sponsorn/streamloop/internal/recovery"
	"github.com/Sponsorn/streamloop/internal/statestore"
	"github.com/Sponsorn/streamloop/internal/transport"
)

// shutdownGrace bounds how long the embedded HTTP server waits for
// in-flight requests to finish during a graceful Shutdown.
const shutdownGrace = 5 * time.Second

// RestartExitCode is the distinguished exit code triggerRestart uses, per
// spec §6: a launcher wrapper interprets it as "restart me".
const RestartExitCode = 75

// Snapshot is the read-only view spec §5/SPEC_FULL §12 exposes to the
// (out-of-scope) admin UI: a defensive copy of the event log plus the
// current recovery step, host connection state, and persisted resume
// position.
type Snapshot struct {
	Events        []models.EventLogEntry `json:"events"`
	RecoveryStep  string                 `json:"recoveryStep"`
	HostConnected bool                   `json:"hostConnected"`
	State         models.PersistedState  `json:"state"`
}

// Supervisor owns the embedded HTTP server, the supervisor tree, and
// every component spec §4.6 names. It is constructed once at boot; its
// Host Client, Notifier, and Recovery Engine sub-trees are torn down and
// rebuilt by reloadConfig while the State Store and player socket persist.
type Supervisor struct {
	configPath string
	apiToken   string
	log        zerolog.Logger

	mu     sync.Mutex
	cfg    *config.Config
	tree   *tree
	events *eventlog.Ring
	store  *statestore.Store
	bus    *eventbus.Bus

	xport      *transport.Transport
	hostClient *hostclient.HostClient
	notify     *notifier.Notifier
	engine     *recovery.Engine

	messagingTokens []suture.ServiceToken

	httpServer *http.Server

	// restartRequested is set by triggerRestart and observed by the
	// process entrypoint to choose the exit code.
	restartRequested bool
}

// New loads the initial configuration from configPath, constructs every
// component, and wires the supervisor tree. The returned Supervisor has
// not yet started serving; call Run.
func New(configPath string) (*Supervisor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: initial config load: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	token, err := apiauth.Generate()
	if err != nil {
		return nil, fmt.Errorf("supervisor: generate api token: %w", err)
	}

	s := &Supervisor{
		configPath: configPath,
		apiToken:   token,
		log:        logging.WithComponent("supervisor"),
		cfg:        cfg,
		events:     eventlog.New(),
		bus:        eventbus.New(),
	}
	s.store = statestore.New(cfg.StatePath)
	s.xport = transport.New(playerObserver{s: s})
	s.tree = newTree(DefaultTreeConfig())

	s.tree.addData(stateStoreService{store: s.store})

	s.buildMessagingLayer()

	s.httpServer = &http.Server{Addr: cfg.Server.BindAddr, Handler: s.newRouter()}
	s.tree.addRoot(httpServerService{srv: s.httpServer})

	return s, nil
}

// buildMessagingLayer constructs the Host Client, Notifier, and Recovery
// Engine from the current config and adds them to the messaging
// sub-supervisor, recording their tokens for a later reloadConfig to
// remove. Callers must hold s.mu, except during single-threaded
// construction in New.
func (s *Supervisor) buildMessagingLayer() {
	s.hostClient = hostclient.New(s.cfg.Host, s.bus, hostObserver{s: s}, hostclient.OSLauncher{}, s.xport.IsConnected)
	s.notify = notifier.New(s.cfg.Notifier, s.bus)
	s.engine = recovery.New(s.cfg.Player, s.cfg.Playlists, s.store, s.xport, s.hostClient, s.bus, s.events)

	s.messagingTokens = []suture.ServiceToken{
		s.tree.addMessaging(hostClientService{hc: s.hostClient}),
		s.tree.addMessaging(notifierService{n: s.notify}),
		s.tree.addMessaging(recoveryService{e: s.engine}),
	}
}

// Run starts the supervisor tree and blocks until ctx is cancelled or a
// fatal supervisor failure occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().Str("bind", s.cfg.Server.BindAddr).Msg("supervisor starting")
	return s.tree.serve(ctx)
}

// APIToken returns the per-process admin-API secret, for display at
// startup only.
func (s *Supervisor) APIToken() string {
	return s.apiToken
}

// RestartRequested reports whether triggerRestart was invoked, so the
// process entrypoint can choose RestartExitCode over a clean exit.
func (s *Supervisor) RestartRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartRequested
}

// Snapshot returns a defensive copy of the event log together with the
// current recovery step, host connection state, and persisted resume
// position, per SPEC_FULL §12.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	engine := s.engine
	hc := s.hostClient
	s.mu.Unlock()

	return Snapshot{
		Events:        s.events.Snapshot(),
		RecoveryStep:  engine.CurrentStep().String(),
		HostConnected: hc.IsConnected(),
		State:         s.store.Get(),
	}
}

// reloadConfig implements spec §4.6's four-step reload: reload config
// from disk, disconnect/rebuild the Host Client and Notifier, stop/
// rebuild the Recovery Engine (State Store and open player socket
// persist), and restart host stream-health monitoring. Per spec §7, a
// config that fails validation is rejected and the previously running
// config stays live.
func (s *Supervisor) reloadConfig() error {
	newCfg, err := config.Load(s.configPath)
	if err != nil {
		s.log.Warn().Err(err).Msg("config reload rejected, keeping previous config live")
		s.events.Append("error", "config reload rejected: "+err.Error())
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, token := range s.messagingTokens {
		if removeErr := s.tree.removeMessagingAndWait(token); removeErr != nil {
			s.log.Warn().Err(removeErr).Msg("messaging service did not stop cleanly during reload")
		}
	}
	s.messagingTokens = nil

	logging.Init(logging.Config{Level: newCfg.LogLevel, Format: newCfg.LogFormat})
	s.cfg = newCfg
	// buildMessagingLayer reconstructs the Host Client and re-arms its
	// StartHealthMonitor via the new hostClientService, satisfying step 4
	// ("restart host stream-health monitoring") as a side effect of the
	// rebuild rather than a separate call.
	s.buildMessagingLayer()

	s.log.Info().Msg("config reloaded, messaging layer rebuilt")
	s.events.Append("info", "config reloaded")
	return nil
}

// triggerRestart stops timers, flushes state, closes the player socket,
// and marks the process for a restart-exit-code shutdown, per spec §4.6.
// The actual os.Exit call is the process entrypoint's responsibility so
// this method stays testable.
func (s *Supervisor) triggerRestart() {
	s.mu.Lock()
	s.restartRequested = true
	s.mu.Unlock()

	if err := s.store.Flush(); err != nil {
		s.log.Warn().Err(err).Msg("final flush before restart failed")
	}
	s.xport.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
}

// playerObserver implements transport.Observer, forwarding to whichever
// Recovery Engine is currently live. A direct transport.New(s.engine)
// would freeze the engine pointer at construction time, but reloadConfig
// rebuilds the engine while the Transport itself persists — per
// transport.go's own design note, the Observer is a constructor argument
// precisely so config reload can't leave it pointed at a torn-down
// instance, which is why this indirection layer exists.
type playerObserver struct {
	s *Supervisor
}

func (p playerObserver) OnConnect() {
	p.s.mu.Lock()
	engine := p.s.engine
	p.s.mu.Unlock()
	engine.OnConnect()
}

func (p playerObserver) OnDisconnect() {
	p.s.mu.Lock()
	engine := p.s.engine
	p.s.mu.Unlock()
	engine.OnDisconnect()
}

func (p playerObserver) OnMessage(msg transport.InboundMessage) {
	p.s.mu.Lock()
	engine := p.s.engine
	p.s.mu.Unlock()
	engine.OnMessage(msg)
}

// hostObserver implements hostclient.Observer, translating host
// connection and stream-restart lifecycle events into notify-topic
// publications, per spec §4.4's "host connection lost/restored" and
// "stream restart" alerts.
type hostObserver struct {
	s *Supervisor
}

func (h hostObserver) OnConnect() {
	h.s.publishNotify(eventbus.NotifyHostReconnect())
}

func (h hostObserver) OnDisconnect() {
	h.s.publishNotify(eventbus.NotifyHostDisconnect())
}

func (h hostObserver) OnStreamDrop(attempt, max int) {
	h.s.publishNotify(eventbus.NotifyStreamDrop(attempt, max))
}

func (h hostObserver) OnStreamRestart(attempts int) {
	h.s.publishNotify(eventbus.NotifyStreamRestart(attempts))
}

func (h hostObserver) OnStreamRestartFailed() {
	h.s.events.Append("error", "stream restart attempts exhausted")
	h.s.publishNotify(eventbus.Send("Stream restart attempts exhausted, manual intervention required", models.LevelError, nil))
}

// publishNotify publishes evt on the notify topic, logging (never
// panicking) on failure, per spec §7's "Notifier fault: log; messages
// dropped, no retry".
func (s *Supervisor) publishNotify(evt eventbus.NotifyEvent) {
	if err := s.bus.Publish(eventbus.TopicNotify, evt); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish notify event")
	}
}
