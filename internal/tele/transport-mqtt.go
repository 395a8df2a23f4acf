package tele

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/raven-relay/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultKeepalive      = 60 * time.Second
	clientIDPrefix        = "raven-relay-"
	disconnectQuiesceMs   = 250
)

type PahoOptions struct {
	BrokerURL      string
	ClientID       string // default raven-relay-<random>
	Username       string
	Password       string
	TLS            *tls.Config
	Keepalive      time.Duration
	NetworkTimeout time.Duration
}

// SetPahoLogger routes paho internal logs to log.
// paho loggers are global, call once from main.
func SetPahoLogger(log *log2.Log, debug bool) {
	if log == nil {
		return
	}
	mqttLog := log.Clone(log2.LInfo)
	mqttLog.SetPrefix("paho ")
	mqtt.ERROR = mqttLog
	mqtt.CRITICAL = mqttLog
	mqtt.WARN = mqttLog
	if debug {
		mqtt.DEBUG = mqttLog
	}
}

// pahoConn adapts paho client to Conn.
// Auto reconnect is off, Session decides when to reconnect.
type pahoConn struct {
	log *log2.Log
	opt PahoOptions

	mu sync.Mutex
	c  mqtt.Client
}

func NewPahoConn(opt PahoOptions, log *log2.Log) (Conn, error) {
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "mqtt broker=%s", opt.BrokerURL)
	}
	if opt.ClientID == "" {
		opt.ClientID = clientIDPrefix + uuid.NewString()[:8]
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.Keepalive <= 0 {
		opt.Keepalive = DefaultKeepalive
	}
	return &pahoConn{log: log, opt: opt}, nil
}

func (self *pahoConn) Connect(ctx context.Context, will Message, events ConnEvents) error {
	self.Disconnect()

	mopt := mqtt.NewClientOptions().
		AddBroker(self.opt.BrokerURL).
		SetClientID(self.opt.ClientID).
		SetUsername(self.opt.Username).
		SetPassword(self.opt.Password).
		SetBinaryWill(will.Topic, will.Payload, will.Qos, will.Retain).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(self.opt.Keepalive).
		SetPingTimeout(self.opt.NetworkTimeout).
		SetConnectTimeout(self.opt.NetworkTimeout).
		SetWriteTimeout(self.opt.NetworkTimeout).
		SetOrderMatters(false).
		SetStore(mqtt.NewMemoryStore()).
		SetConnectionLostHandler(func(lost mqtt.Client, err error) {
			// ignore replaced clients
			if events != nil && self.current() == lost {
				events.ConnectionLost(err)
			}
		})
	if self.opt.TLS != nil {
		mopt.SetTLSConfig(self.opt.TLS)
	}
	c := mqtt.NewClient(mopt)
	self.mu.Lock()
	self.c = c
	self.mu.Unlock()

	self.log.Debugf("mqtt connect broker=%s client_id=%s", self.opt.BrokerURL, self.opt.ClientID)
	if err := self.wait(ctx, c.Connect()); err != nil {
		self.mu.Lock()
		if self.c == c {
			self.c = nil
		}
		self.mu.Unlock()
		c.Disconnect(0)
		return errors.Annotatef(err, "mqtt connect broker=%s", self.opt.BrokerURL)
	}
	return nil
}

func (self *pahoConn) Publish(ctx context.Context, m Message) error {
	c := self.current()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return self.wait(ctx, c.Publish(m.Topic, m.Qos, m.Retain, m.Payload))
}

func (self *pahoConn) Subscribe(ctx context.Context, topic string, qos byte, h MessageHandler) error {
	c := self.current()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		h.HandleMessage(Message{
			Topic:   msg.Topic(),
			Payload: msg.Payload(),
			Qos:     msg.Qos(),
			Retain:  msg.Retained(),
		})
	}
	return self.wait(ctx, c.Subscribe(topic, qos, cb))
}

func (self *pahoConn) Disconnect() {
	self.mu.Lock()
	c := self.c
	self.c = nil
	self.mu.Unlock()
	if c != nil && c.IsConnectionOpen() {
		c.Disconnect(disconnectQuiesceMs)
	}
}

func (self *pahoConn) current() mqtt.Client {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.c
}

func (self *pahoConn) wait(ctx context.Context, t mqtt.Token) error {
	timer := time.NewTimer(self.opt.NetworkTimeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Timeoutf("mqtt network_timeout=%v", self.opt.NetworkTimeout)
	}
}
