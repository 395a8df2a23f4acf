package relay

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/raven-relay/cmd/raven-relay/subcmd"
	"github.com/temoto/raven-relay/internal/config"
	"github.com/temoto/raven-relay/internal/relay"
	"github.com/temoto/raven-relay/internal/state"
	"github.com/temoto/raven-relay/internal/status"
	"github.com/temoto/raven-relay/internal/tele"
)

var Mod = subcmd.Mod{Name: "relay", Usage: "read device, publish telemetry, upload pvoutput if enabled", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	ctx, cancel := g.Context(ctx)
	defer cancel()

	dev, err := g.OpenDevice()
	if err != nil {
		return err
	}
	// unblocks serial read on shutdown
	g.Go(ctx, "device-close", func(ctx context.Context) error {
		<-ctx.Done()
		return dev.Close()
	})

	session, err := g.NewSession()
	if err != nil {
		return errors.Annotate(err, "mqtt")
	}
	defer session.Close()
	prefix := cfg.TopicPrefix()
	loop := relay.New(dev, tele.NewGuard(session, g.Log), g.Log, relay.Options{
		Topic:           tele.TopicTelemetry(prefix),
		Qos:             cfg.MqttQos(),
		Retain:          cfg.Mqtt.Retain,
		PollInterval:    cfg.PollInterval(),
		MaxDeviceFaults: cfg.Relay.MaxDeviceFaults,
		Latest:          g.Latest,
		Stat:            g.Metrics.RelayStat(),
	})
	g.StartStatus(ctx, status.Sources{Session: session, Relay: loop})
	g.StartReporter(ctx)

	g.Log.Infof("relay: connecting %s", cfg.MqttBrokerURL())
	if err := session.ConnectWithBackoff(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Annotate(err, "mqtt connect")
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	subcmd.Watchdog(ctx, g.Alive)
	g.Log.Infof("relay: running topic=%s", tele.TopicTelemetry(prefix))

	err = loop.Run(ctx)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	if ctx.Err() != nil || tele.IsClosed(err) {
		return nil
	}
	return errors.Annotate(err, "relay")
}
