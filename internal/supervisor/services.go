package supervisor

import (
	"context"
	"net/http"

	"github.com/Sponsorn/streamloop/internal/hostclient"
	"github.com/Sponsorn/streamloop/internal/logging"
	"github.com/Sponsorn/streamloop/internal/notifier"
	"github.com/Sponsorn/streamloop/internal/recovery"
	"github.com/Sponsorn/streamloop/internal/statestore"
)

// Every adapter below implements suture.Service: Serve(ctx) error, run
// until ctx is cancelled, then release its resources and return nil. A
// nil return on a cancelled context tells suture the stop was intentional
// rather than a failure to restart, per the teacher's own service shape
// in internal/supervisor/server_supervisor.go.

// hostClientService adapts hostclient.HostClient's Connect/StartHealthMonitor/
// Close lifecycle to suture.Service.
type hostClientService struct {
	hc *hostclient.HostClient
}

func (s hostClientService) Serve(ctx context.Context) error {
	s.hc.Connect(ctx)
	s.hc.StartHealthMonitor(ctx)
	<-ctx.Done()
	s.hc.Close()
	return nil
}

// notifierService adapts notifier.Notifier's Start/Close lifecycle.
type notifierService struct {
	n *notifier.Notifier
}

func (s notifierService) Serve(ctx context.Context) error {
	if err := s.n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.n.Close()
	return nil
}

// recoveryService adapts recovery.Engine's Start/Close lifecycle.
type recoveryService struct {
	e *recovery.Engine
}

func (s recoveryService) Serve(ctx context.Context) error {
	s.e.Start(ctx)
	<-ctx.Done()
	s.e.Close()
	return nil
}

// stateStoreService flushes the State Store one final time on shutdown.
// The store's own debounced writes run on their own internal timer; this
// service exists only to guarantee a final flush before the process exits
// or the data layer is torn down.
type stateStoreService struct {
	store *statestore.Store
}

func (s stateStoreService) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := s.store.Flush(); err != nil {
		log := logging.WithComponent("supervisor")
		log.Warn().Err(err).Msg("final state flush failed")
	}
	return nil
}

// httpServerService adapts an *http.Server to suture.Service. A failed
// bind surfaces through errCh and is returned to suture rather than
// panicking, per spec §7's narrow "unrecoverable startup failure"
// exception to the no-panic rule.
type httpServerService struct {
	srv *http.Server
}

func (s httpServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
