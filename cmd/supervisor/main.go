// Command supervisor runs the 24/7 media-playback supervisor: it
// constructs the State Store, Player Transport, Host Client, Notifier,
// and Recovery Engine behind a suture supervisor tree and serves the
// embedded loopback admin API, per spec.md §4.6 and §6.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sponsorn/streamloop/internal/logging"
	"github.com/Sponsorn/streamloop/internal/supervisor"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 for a clean shutdown,
// supervisor.RestartExitCode (75) when triggerRestart was invoked, and
// 1 on an unrecoverable startup failure, per spec §6.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to the supervisor config file")
	flag.Parse()

	sup, err := supervisor.New(*configPath)
	if err != nil {
		// Cannot read the initial config or bind the listener: the only
		// fatal startup failures per spec §7.
		logging.Fatal().Err(err).Msg("supervisor failed to start")
		return 1
	}

	logging.Info().Str("apiToken", sup.APIToken()).Msg("generated admin api token for this process")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor exited with error")
		return 1
	}

	if sup.RestartRequested() {
		logging.Info().Msg("restart requested, exiting with restart exit code")
		return supervisor.RestartExitCode
	}

	logging.Info().Msg("supervisor stopped gracefully")
	return 0
}
