package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/internal/tele"
)

// NewSession builds broker session from config. Caller owns Close.
func (g *Global) NewSession() (*tele.Session, error) {
	c := g.Config
	tlsConfig, err := tele.TLSConfig(c.Mqtt.TLS, c.Mqtt.TlsCaFile)
	if err != nil {
		return nil, errors.Annotate(err, "mqtt tls")
	}
	conn, err := tele.NewPahoConn(tele.PahoOptions{
		BrokerURL:      c.MqttBrokerURL(),
		ClientID:       c.Mqtt.ClientID,
		Username:       c.Mqtt.Username,
		Password:       c.Mqtt.Password,
		TLS:            tlsConfig,
		Keepalive:      helpers.IntSecondDefault(c.Mqtt.KeepaliveSec, tele.DefaultKeepalive),
		NetworkTimeout: helpers.IntSecondDefault(c.Mqtt.NetworkTimeoutSec, tele.DefaultNetworkTimeout),
	}, g.Log)
	if err != nil {
		return nil, err
	}
	s := tele.NewSession(conn, g.Log, tele.SessionOptions{
		TopicPrefix: c.TopicPrefix(),
		Backoff:     helpers.NewBackoff(),
		Events:      g.Metrics,
		Stat:        g.Metrics.TeleStat(),
		SleepStep:   time.Second,
	})
	return s, nil
}
