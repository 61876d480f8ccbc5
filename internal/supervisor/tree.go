// Package supervisor wires together the State Store, Player Transport,
// Host Client, Notifier, and Recovery Engine behind a hierarchical
// suture.Supervisor tree, and implements reloadConfig/triggerRestart per
// spec §4.6, generalizing the teacher's internal/supervisor/tree.go.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree failure-handling parameters, unchanged
// from the teacher's DefaultTreeConfig values.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns production-ready defaults matching suture's
// own built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// tree manages the two-layer supervisor hierarchy spec §4.6 requires:
// a data sub-supervisor (State Store flush-on-shutdown) and a messaging
// sub-supervisor (Host Client, Notifier, Recovery Engine), plus the root
// itself, which also carries the embedded HTTP server and, through its
// /ws route, the persistent Player Transport. Isolating messaging from data means a crash restarting the
// messaging layer (e.g. a panicking service) never interrupts the state
// file's flush-on-shutdown path.
//
// sutureslog.Handler requires a *slog.Logger specifically; every other
// component in this supervisor logs through zerolog
// (internal/logging), so a small dedicated slog.Logger is built here
// purely to satisfy that one library boundary — it is not a second
// logging pipeline for application events.
type tree struct {
	root      *suture.Supervisor
	data      *suture.Supervisor
	messaging *suture.Supervisor
	config    TreeConfig
}

func newTree(config TreeConfig) *tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	eventHook := (&sutureslog.Handler{Logger: slogger}).MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("supervisor-root", rootSpec)
	data := suture.New("data-layer", childSpec)
	messaging := suture.New("messaging-layer", childSpec)

	root.Add(data)
	root.Add(messaging)

	return &tree{root: root, data: data, messaging: messaging, config: config}
}

// addData adds svc (the State Store's flush-on-shutdown service) to the
// data sub-supervisor.
func (t *tree) addData(svc suture.Service) suture.ServiceToken {
	return t.data.Add(svc)
}

// addMessaging adds svc to the messaging sub-supervisor. Used for the
// Host Client, Notifier, and Recovery Engine services.
func (t *tree) addMessaging(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// addRoot adds svc directly under the root supervisor. Used for the
// embedded HTTP server, which outlives any single messaging-layer rebuild.
func (t *tree) addRoot(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// removeMessagingAndWait stops and removes a messaging-layer service,
// blocking until it has fully exited. Used by reloadConfig to tear down
// the old Host Client/Notifier/Recovery Engine instances before building
// their replacements.
func (t *tree) removeMessagingAndWait(token suture.ServiceToken) error {
	return t.messaging.RemoveAndWait(token, t.config.ShutdownTimeout)
}

// serve starts the supervisor tree and blocks until ctx is cancelled or
// the root supervisor gives up.
func (t *tree) serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
