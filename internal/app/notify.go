package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "levelup/pkg/logx"
)

// Notifier reports lifecycle state to the service manager.
type Notifier func(state string)

// SystemdNotifier sends sd_notify states. Outside a systemd unit
// (NOTIFY_SOCKET unset) it does nothing.
func SystemdNotifier(log logx.Logger) Notifier {
	return func(state string) {
		sent, err := daemon.SdNotify(false, state)
		switch {
		case err != nil:
			log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		case sent:
			log.Debug("sd_notify sent", logx.String("state", state))
		}
	}
}

func nopNotifier(string) {}
