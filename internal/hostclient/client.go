package hostclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/rs/zerolog"

	"github.com/Sponsorn/streamloop/internal/config"
	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/logging"
)

// reconnect back-off parameters, per spec §4.3.
const (
	reconnectInitial    = 5 * time.Second
	reconnectMultiplier = 1.5
	reconnectCap        = 30 * time.Second
)

// restartDelays is the stream-drop restart attempt schedule, per spec §4.3/§8.
var restartDelays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second}

var maxRestartAttempts = len(restartDelays)

// minFailedReconnectsForLaunch is the number of consecutive reconnect
// failures before an optional host-process launch is attempted.
const minFailedReconnectsForLaunch = 2

// Observer receives host-client lifecycle and stream events.
type Observer interface {
	OnConnect()
	OnDisconnect()
	OnStreamDrop(attempt, max int)
	OnStreamRestart(attempts int)
	OnStreamRestartFailed()
}

// Launcher abstracts starting the host process and checking whether it is
// already running. All implementations must use argv-style execution —
// never shell string concatenation — per spec §9.
type Launcher interface {
	IsRunning(ctx context.Context, imageName string) (bool, error)
	Launch(ctx context.Context, executablePath, workDir string, args []string) error
	ClearCrashSentinel(path string) error
}

// HostClient wraps the streaming host's JSON-RPC control socket. All
// operations return success/failure and never panic or propagate errors
// across the Observer boundary, per spec §4.3 and §7.
type HostClient struct {
	cfg      config.HostConfig
	bus      *eventbus.Bus
	observer Observer
	launcher Launcher
	log      zerolog.Logger

	// playerConnected reports whether the player's own websocket is
	// currently connected. Healthy() gates restarts on this in addition to
	// host-socket/circuit-breaker state, per spec §4.3's two-condition
	// health gate (player connectivity is distinct from host connectivity).
	playerConnected func() bool

	mu               sync.Mutex
	conn             *rpcConn
	connected        bool
	failedReconnects int
	reconnectDelay   time.Duration
	reconnectTimer   *time.Timer
	hostLaunched     bool

	streamRestartAttempts int
	restartTimer          *time.Timer

	breaker *gobreaker.CircuitBreaker[any]

	healthDone chan struct{}
	healthWG   sync.WaitGroup
}

// New creates a HostClient. Connect must be called to open the socket.
// playerConnected reports live player-transport connectivity for Healthy()'s
// gate; a nil predicate is treated as always-connected (used by tests that
// don't exercise the player-connectivity gate).
func New(cfg config.HostConfig, bus *eventbus.Bus, observer Observer, launcher Launcher, playerConnected func() bool) *HostClient {
	if playerConnected == nil {
		playerConnected = func() bool { return true }
	}
	hc := &HostClient{
		cfg:             cfg,
		bus:             bus,
		observer:        observer,
		launcher:        launcher,
		playerConnected: playerConnected,
		log:             logging.WithComponent("hostclient"),
		reconnectDelay:  reconnectInitial,
	}
	hc.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "hostclient-rpc",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			hc.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("host rpc breaker state change")
		},
	})
	return hc
}

// Connect is idempotent: if already connected, it returns immediately. On
// failure it increments failedReconnects, optionally triggers a host
// launch, and schedules a reconnect.
func (hc *HostClient) Connect(ctx context.Context) {
	hc.mu.Lock()
	if hc.connected {
		hc.mu.Unlock()
		return
	}
	hc.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, hc.cfg.RequestTimeout())
	defer cancel()

	conn, err := dial(dialCtx, hc.cfg.URL, hc.log, hc.handleEvent, func() { hc.disconnect(ctx) })
	if err != nil {
		hc.log.Warn().Err(err).Msg("host connect failed")
		hc.onConnectFailure(ctx)
		return
	}

	hc.mu.Lock()
	hc.conn = conn
	hc.connected = true
	hc.failedReconnects = 0
	hc.reconnectDelay = reconnectInitial
	hc.hostLaunched = false
	hc.mu.Unlock()

	hc.log.Info().Str("url", hc.cfg.URL).Msg("connected to host")
	hc.observer.OnConnect()
}

func (hc *HostClient) onConnectFailure(ctx context.Context) {
	hc.mu.Lock()
	hc.failedReconnects++
	failed := hc.failedReconnects
	hc.mu.Unlock()

	if hc.cfg.ExecutablePath != "" && hc.cfg.AutoRestart && failed >= minFailedReconnectsForLaunch {
		hc.maybeLaunchHost(ctx)
	}

	hc.scheduleReconnect(ctx)
}

// maybeLaunchHost spawns the host process at most once per disconnect
// cycle, per spec §4.3.
func (hc *HostClient) maybeLaunchHost(ctx context.Context) {
	hc.mu.Lock()
	if hc.hostLaunched || hc.launcher == nil {
		hc.mu.Unlock()
		return
	}
	hc.mu.Unlock()

	imageName := executableImageName(hc.cfg.ExecutablePath)
	running, err := hc.launcher.IsRunning(ctx, imageName)
	if err != nil {
		hc.log.Warn().Err(err).Msg("failed to check host process state")
		return
	}
	if running {
		return
	}

	if hc.cfg.CrashSentinelPath != "" {
		if err := hc.launcher.ClearCrashSentinel(hc.cfg.CrashSentinelPath); err != nil {
			hc.log.Warn().Err(err).Msg("failed to clear host crash sentinel")
		}
	}

	workDir := executableWorkDir(hc.cfg.ExecutablePath)
	if err := hc.launcher.Launch(ctx, hc.cfg.ExecutablePath, workDir, []string{"--disable-shutdown-check"}); err != nil {
		hc.log.Warn().Err(err).Msg("failed to launch host process")
		return
	}

	hc.mu.Lock()
	hc.hostLaunched = true
	hc.mu.Unlock()
	hc.log.Info().Str("path", hc.cfg.ExecutablePath).Msg("launched host process")
}

// scheduleReconnect arms a single-shot reconnect timer. Multiple calls
// coalesce: a pending timer is stopped before a new one is armed.
func (hc *HostClient) scheduleReconnect(ctx context.Context) {
	hc.mu.Lock()
	delay := hc.reconnectDelay
	hc.reconnectDelay = nextReconnectDelay(hc.reconnectDelay)
	if hc.reconnectTimer != nil {
		hc.reconnectTimer.Stop()
	}
	hc.reconnectTimer = time.AfterFunc(delay, func() { hc.Connect(ctx) })
	hc.mu.Unlock()
}

func nextReconnectDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * reconnectMultiplier)
	if next > reconnectCap {
		next = reconnectCap
	}
	return next
}

// handleEvent dispatches an unsolicited host event.
func (hc *HostClient) handleEvent(eventType string, data json.RawMessage) {
	if eventType != EventStreamStateChanged {
		return
	}
	var payload streamStateChangedData
	if err := json.Unmarshal(data, &payload); err != nil {
		hc.log.Warn().Err(err).Msg("failed to parse StreamStateChanged event")
		return
	}

	_ = hc.bus.Publish(eventbus.TopicStreamState, eventbus.StreamStateEvent{Active: payload.OutputActive, State: payload.OutputState})

	switch payload.OutputState {
	case OutputStopped:
		hc.handleStreamStopped()
	case OutputStarted:
		hc.handleStreamStarted()
	}
}

// IsConnected reports whether the RPC socket is currently open.
func (hc *HostClient) IsConnected() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.connected
}

// Healthy reports whether a stream restart is safe to attempt: the host
// socket must be connected, the circuit breaker must not be open, AND the
// player itself must currently be connected, per spec §4.3's "player
// healthy" condition — restarting the stream while nobody is watching
// wastes the host's StartStream call and can thrash the browser source.
func (hc *HostClient) Healthy() bool {
	hc.mu.Lock()
	connected := hc.connected
	hc.mu.Unlock()
	return connected && hc.breaker.State() != gobreaker.StateOpen && hc.playerConnected()
}

// call runs fn through the circuit breaker, logging and returning a
// generic failure on trip or error — host RPC faults never propagate
// past this boundary, per spec §7.
func (hc *HostClient) call(_ context.Context, name string, fn func() (any, error)) (any, error) {
	result, err := hc.breaker.Execute(func() (any, error) { return fn() })
	if err != nil {
		hc.log.Warn().Err(err).Str("request", name).Msg("host rpc call failed")
		return nil, err
	}
	return result, nil
}

// currentConn returns the live rpcConn, or ErrNotConnected.
func (hc *HostClient) currentConn() (*rpcConn, error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.conn == nil || !hc.connected {
		return nil, ErrNotConnected
	}
	return hc.conn, nil
}

// disconnect tears down the current connection, notifies the observer, and
// arms a reconnect, exactly once per drop. Called from the rpcConn's
// onClose callback whenever the read loop exits, whether from a graceful
// Close (where hc.connected is already false, making this a no-op) or an
// unexpected remote close (where it drives the exponential-backoff
// reconnect protocol, per spec §4.3 testable property 12).
func (hc *HostClient) disconnect(ctx context.Context) {
	hc.mu.Lock()
	if !hc.connected {
		hc.mu.Unlock()
		return
	}
	conn := hc.conn
	hc.connected = false
	hc.conn = nil
	hc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	hc.observer.OnDisconnect()
	hc.scheduleReconnect(ctx)
}

// Close tears down the connection and all timers without scheduling a
// reconnect. Used on supervisor shutdown / config reload.
func (hc *HostClient) Close() {
	hc.mu.Lock()
	if hc.reconnectTimer != nil {
		hc.reconnectTimer.Stop()
	}
	if hc.restartTimer != nil {
		hc.restartTimer.Stop()
	}
	conn := hc.conn
	hc.connected = false
	hc.conn = nil
	hc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	hc.StopHealthMonitor()
}

func executableImageName(path string) string {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return path
	}
	return parts[len(parts)-1]
}

func executableWorkDir(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
