package pvoutput

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/raven-relay/cmd/raven-relay/subcmd"
	"github.com/temoto/raven-relay/internal/config"
	"github.com/temoto/raven-relay/internal/state"
	"github.com/temoto/raven-relay/internal/status"
	"github.com/temoto/raven-relay/internal/tele"
)

const keepConnectedInterval = 5 * time.Second

var Mod = subcmd.Mod{Name: "pvoutput", Usage: "subscribe to telemetry topic, upload pvoutput status", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	ctx, cancel := g.Context(ctx)
	defer cancel()

	reporter := g.NewReporter()
	if reporter == nil {
		g.Log.Infof("pvoutput: disabled, set pvoutput.enable api_key system_id")
		return nil
	}

	session, err := g.NewSession()
	if err != nil {
		return errors.Annotate(err, "mqtt")
	}
	defer session.Close()
	topic := cfg.PVOutput.MqttTopic
	if topic == "" {
		topic = tele.TopicTelemetry(cfg.TopicPrefix())
	}
	session.Subscribe(topic, 0, tele.MessageHandlerFunc(func(m tele.Message) {
		if err := g.Latest.UpdateJSON(m.Payload); err != nil {
			g.Log.Errorf("pvoutput: topic=%s err=%v", m.Topic, err)
		}
	}))
	g.StartStatus(ctx, status.Sources{Session: session})
	g.Go(ctx, "mqtt", func(ctx context.Context) error {
		err := session.KeepConnected(ctx, keepConnectedInterval)
		if tele.IsClosed(err) {
			return nil
		}
		return err
	})

	subcmd.SdNotify(daemon.SdNotifyReady)
	subcmd.Watchdog(ctx, g.Alive)
	g.Log.Infof("pvoutput: subscribed topic=%s", topic)
	err = reporter.Run(ctx)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
