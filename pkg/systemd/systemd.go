// Package systemd integrates with the service manager when the daemon
// runs as a Type=notify unit. Every call is a no-op outside systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func NotifyReady()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func NotifyStopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }

func NotifyStatus(status string) {
	_, _ = daemon.SdNotify(false, "STATUS="+status)
}

// RunWatchdog pings the unit watchdog at half its configured interval
// until ctx ends. Returns immediately when no watchdog is configured.
func RunWatchdog(ctx context.Context) {
	ivl, err := daemon.SdWatchdogEnabled(false)
	if err != nil || ivl == 0 {
		return
	}
	t := time.NewTicker(ivl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
