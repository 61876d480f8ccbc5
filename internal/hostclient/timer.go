package hostclient

import "time"

func defaultAfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}

// dismissHostDialog is a best-effort, platform-specific side channel that
// dismisses an OS-level error dialog on the host process by enumerating
// its windows and posting a close message. Per spec §9's design notes
// this is an optional extension point; the portable core here is a no-op
// and a platform build (e.g. a Windows-only file behind a build tag)
// would override it.
func (hc *HostClient) dismissHostDialog() {
	hc.log.Debug().Msg("host dialog dismissal is a no-op on this platform")
}
