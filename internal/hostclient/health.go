package hostclient

import (
	"context"
	"time"
)

// healthMonitorInterval is the stream health monitor's polling cadence,
// per spec §4.3.
const healthMonitorInterval = 30 * time.Second

// StartHealthMonitor launches the independent polling loop that restarts
// the stream if it drops silently (without a StreamStateChanged event).
// It is a no-op if autoStream is disabled.
func (hc *HostClient) StartHealthMonitor(ctx context.Context) {
	if !hc.cfg.AutoStream {
		return
	}

	hc.mu.Lock()
	if hc.healthDone != nil {
		hc.mu.Unlock()
		return
	}
	hc.healthDone = make(chan struct{})
	done := hc.healthDone
	hc.mu.Unlock()

	hc.healthWG.Add(1)
	go hc.runHealthMonitor(ctx, done)
}

func (hc *HostClient) runHealthMonitor(ctx context.Context, done chan struct{}) {
	defer hc.healthWG.Done()

	ticker := time.NewTicker(healthMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			hc.checkStreamHealth(ctx)
		}
	}
}

func (hc *HostClient) checkStreamHealth(ctx context.Context) {
	if !hc.Healthy() {
		return
	}
	if hc.restartPending() {
		return
	}
	if hc.IsStreaming(ctx) {
		return
	}
	hc.log.Warn().Msg("stream health monitor found stream stopped, restarting")
	hc.StartStreaming(ctx)
}

func (hc *HostClient) restartPending() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.restartTimer != nil
}

// StopHealthMonitor stops the health monitor loop, if running.
func (hc *HostClient) StopHealthMonitor() {
	hc.mu.Lock()
	done := hc.healthDone
	hc.healthDone = nil
	hc.mu.Unlock()

	if done != nil {
		close(done)
	}
	hc.healthWG.Wait()
}
