// Support sub-commands in raven-relay application.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/internal/config"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *config.Config) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func Usage(modules []Mod) string {
	b := strings.Builder{}
	for _, m := range modules {
		fmt.Fprintf(&b, "  %-10s %s\n", m.Name, m.Usage)
	}
	return b.String()
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// Watchdog pings systemd at half of WatchdogSec while ctx is alive.
// No-op when watchdog is not configured.
func Watchdog(ctx context.Context, a *alive.Alive) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	helpers.Go(a, func() {
		for helpers.Sleep(ctx, interval/2) {
			SdNotify(daemon.SdNotifyWatchdog)
		}
	})
}
