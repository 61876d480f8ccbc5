// Package recovery implements the heartbeat watchdog, stall/quality/
// non-playing detectors, the escalation state machine, and the
// skip/playlist-advance sequencer — the heart of the supervisor, per
// spec §4.5. RecoveryState mutation happens exclusively on a single
// mailbox goroutine (spec §5); the transport Observer callbacks and
// every timer only ever enqueue a job rather than mutate state directly.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sponsorn/streamloop/internal/config"
	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/eventlog"
	"github.com/Sponsorn/streamloop/internal/logging"
	"github.com/Sponsorn/streamloop/internal/models"
	"github.com/Sponsorn/streamloop/internal/statestore"
	"github.com/Sponsorn/streamloop/internal/transport"
)

// Step is the escalation state machine's current step, per spec §3.
type Step int

const (
	StepNone Step = iota
	StepRetryCurrent
	StepRefreshSource
	StepToggleVisibility
	StepCriticalAlert
)

func (s Step) String() string {
	switch s {
	case StepRetryCurrent:
		return "RetryCurrent"
	case StepRefreshSource:
		return "RefreshSource"
	case StepToggleVisibility:
		return "ToggleVisibility"
	case StepCriticalAlert:
		return "CriticalAlert"
	default:
		return "None"
	}
}

// Escalation and detection timing, per spec §4.5.2/§4.5.6/§4.5.7/§4.5.8.
const (
	refreshSourceDelay     = 15 * time.Second
	toggleVisibilityDelay  = 15 * time.Second
	criticalAlertReenter   = 60 * time.Second
	stallThreshold         = 3
	pausedResumeThreshold  = 2
	nonPlayingThreshold    = 6
	heartbeatWatchdogPeriod = 5 * time.Second
)

// recoveryState is the engine-private counters and step field of spec §3.
// Exclusively owned by the engine's mailbox goroutine.
type recoveryState struct {
	step Step

	consecutiveErrors           int
	stalledHeartbeats           int
	consecutivePausedHeartbeats int
	nonPlayingHeartbeats        int
	lowQualityHeartbeats        int

	lastHeartbeatAt  time.Time
	lastProgressTime float64
	playbackQuality  string
	totalVideos      int
}

// HostClient is the subset of hostclient.HostClient the escalation FSM
// calls into; narrowed to an interface so tests can substitute a fake.
type HostClient interface {
	RefreshBrowserSource(ctx context.Context) bool
	ToggleBrowserSource(ctx context.Context) bool
}

// Sender is the subset of transport.Transport the engine calls into.
type Sender interface {
	Send(msg transport.OutboundMessage)
	IsConnected() bool
}

// Engine is the recovery engine. A fresh Engine is constructed on every
// config reload (spec §4.6); the State Store and open player socket
// persist across that rebuild.
type Engine struct {
	cfg       config.PlayerConfig
	playlists []models.PlaylistEntry
	store     *statestore.Store
	transport Sender
	host      HostClient
	bus       *eventbus.Bus
	events    *eventlog.Ring
	log       zerolog.Logger

	mailbox chan func()
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	watchdog    *time.Ticker
	maintenance *time.Ticker

	// state and generation are mutated only from the mailbox goroutine.
	state      recoveryState
	generation int

	// currentStep mirrors state.step for lock-free reads from outside the
	// mailbox goroutine (the Supervisor's Snapshot()), per SPEC_FULL §12.
	currentStep atomic.Int32

	timerMu         sync.Mutex
	stepTimer       *time.Timer
	errorRetryTimer *time.Timer
}

// New constructs an Engine. Start must be called to begin processing.
func New(cfg config.PlayerConfig, playlists []models.PlaylistEntry, store *statestore.Store, tr Sender, host HostClient, bus *eventbus.Bus, events *eventlog.Ring) *Engine {
	return &Engine{
		cfg:       cfg,
		playlists: playlists,
		store:     store,
		transport: tr,
		host:      host,
		bus:       bus,
		events:    events,
		log:       logging.WithComponent("recovery"),
		mailbox:   make(chan func(), 64),
	}
}

// Start launches the mailbox goroutine, the heartbeat watchdog, and (if
// configured) the periodic maintenance refresh.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.run(runCtx)

	e.watchdog = time.NewTicker(heartbeatWatchdogPeriod)
	e.wg.Add(1)
	go e.watchdogLoop(runCtx)

	if e.cfg.SourceRefreshInterval() > 0 {
		e.maintenance = time.NewTicker(e.cfg.SourceRefreshInterval())
		e.wg.Add(1)
		go e.maintenanceLoop(runCtx)
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.mailbox:
			e.runJob(job)
		}
	}
}

// runJob executes job behind a recover guard: a programmer error in one
// handler is logged and recorded as an event, never taking down the
// whole supervisor process (spec §10.2).
func (e *Engine) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("recovery engine handler panic")
			if e.events != nil {
				e.events.Append("error", "recovery engine handler panic")
			}
		}
	}()
	job()
}

// enqueue posts job to the mailbox. A saturated mailbox drops the job
// with a warning rather than blocking the caller indefinitely.
func (e *Engine) enqueue(job func()) {
	select {
	case e.mailbox <- job:
	default:
		e.log.Warn().Msg("recovery engine mailbox full, dropping job")
	}
}

func (e *Engine) watchdogLoop(ctx context.Context) {
	defer e.wg.Done()
	defer e.watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.watchdog.C:
			e.enqueue(e.checkHeartbeatWatchdog)
		}
	}
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()
	defer e.maintenance.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.maintenance.C:
			e.enqueue(e.runMaintenanceRefresh)
		}
	}
}

// checkHeartbeatWatchdog fires recovery if the player has gone silent
// past the configured timeout, per spec §4.5.7.
func (e *Engine) checkHeartbeatWatchdog() {
	if !e.transport.IsConnected() {
		return
	}
	if e.state.step != StepNone {
		return
	}
	if time.Since(e.state.lastHeartbeatAt) > e.cfg.HeartbeatTimeout() {
		e.startRecovery()
	}
}

// runMaintenanceRefresh periodically refreshes the browser source to
// preempt long-running widget memory leaks, per spec §4.5.9.
func (e *Engine) runMaintenanceRefresh() {
	if e.state.step != StepNone {
		return
	}
	if !e.transport.IsConnected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if !e.host.RefreshBrowserSource(ctx) {
			e.log.Warn().Msg("periodic maintenance refresh failed")
		}
	}()
}

func (e *Engine) publishNotify(evt eventbus.NotifyEvent) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(eventbus.TopicNotify, evt); err != nil {
		e.log.Warn().Err(err).Msg("failed to publish notify event")
	}
}

// CurrentStep returns the escalation step as of the most recent mailbox
// update, safe to call from any goroutine.
func (e *Engine) CurrentStep() Step {
	return Step(e.currentStep.Load())
}

// Close cancels all timers and goroutines and waits for them to exit.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.timerMu.Lock()
	if e.stepTimer != nil {
		e.stepTimer.Stop()
	}
	if e.errorRetryTimer != nil {
		e.errorRetryTimer.Stop()
	}
	e.timerMu.Unlock()
	e.wg.Wait()
}
