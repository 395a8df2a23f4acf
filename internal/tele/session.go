package tele

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/log2"
)

const DefaultCloseTimeout = 3 * time.Second

type SessionOptions struct {
	TopicPrefix string
	Backoff     *helpers.Backoff
	Events      SessionEvents // optional
	Stat        Stat
	// Sleep step while waiting for backoff, default 1s
	SleepStep time.Duration
}

type subscription struct {
	topic string
	qos   byte
	h     MessageHandler
}

type Session struct {
	conn       Conn
	log        *log2.Log
	opt        SessionOptions
	topicState string

	// serializes connect cycles
	connectMu sync.Mutex
	subs      []subscription

	mu          sync.Mutex
	state       SessionState
	generation  uint64
	closed      bool
	lastConnect atomic_clock.Clock
}

func NewSession(conn Conn, log *log2.Log, opt SessionOptions) *Session {
	if opt.Backoff == nil {
		opt.Backoff = helpers.NewBackoff()
	}
	if opt.SleepStep <= 0 {
		opt.SleepStep = time.Second
	}
	return &Session{
		conn:       conn,
		log:        log,
		opt:        opt,
		topicState: TopicState(opt.TopicPrefix),
	}
}

// Subscribe registers handler applied on every (re)connect.
// Call before first ConnectWithBackoff.
func (self *Session) Subscribe(topic string, qos byte, h MessageHandler) {
	self.connectMu.Lock()
	defer self.connectMu.Unlock()
	self.subs = append(self.subs, subscription{topic: topic, qos: qos, h: h})
}

func (self *Session) Will() Message {
	return Message{Topic: self.topicState, Payload: []byte(PayloadOffline), Qos: 1, Retain: true}
}

func (self *Session) birth() Message {
	return Message{Topic: self.topicState, Payload: []byte(PayloadOnline), Qos: 1, Retain: true}
}

// State snapshot for logging/metrics/tests. Do not gate publishes on it.
func (self *Session) State() SessionState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

func (self *Session) SinceConnect() (time.Duration, bool) {
	if self.lastConnect.IsZero() {
		return 0, false
	}
	return atomic_clock.Since(&self.lastConnect), true
}

func (self *Session) Generation() uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.generation
}

// ConnectWithBackoff loops until connected, ctx done or Close.
// Each success announces birth and applies subscriptions.
func (self *Session) ConnectWithBackoff(ctx context.Context) error {
	self.connectMu.Lock()
	defer self.connectMu.Unlock()
	return self.connectLoop(ctx)
}

// reconnect skips the cycle when another caller has already reconnected
// since gen was observed.
func (self *Session) reconnect(ctx context.Context, gen uint64) error {
	self.connectMu.Lock()
	defer self.connectMu.Unlock()
	self.mu.Lock()
	fresh := self.generation != gen && self.state.Kind == StateConnected
	self.mu.Unlock()
	if fresh {
		self.log.Debugf("tele: reconnect skip, already reconnected")
		return nil
	}
	return self.connectLoop(ctx)
}

func (self *Session) connectLoop(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if self.isClosed() {
			return ErrClosed
		}
		self.transition(StateConnecting, attempt, nil)
		err := self.connectOnce(ctx)
		if err == nil {
			return nil
		}
		inc(self.opt.Stat.ConnectErrors)
		self.transition(StateDisconnected, attempt+1, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := self.opt.Backoff.NextDelay(attempt)
		self.log.Errorf("tele: connect attempt=%d err=%v retry in %v", attempt+1, err, delay.Round(time.Millisecond))
		if !helpers.SleepSteps(ctx, delay, self.opt.SleepStep, func() bool { return !self.isClosed() }) {
			if self.isClosed() {
				return ErrClosed
			}
			return ctx.Err()
		}
	}
}

func (self *Session) connectOnce(ctx context.Context) error {
	if err := self.conn.Connect(ctx, self.Will(), self); err != nil {
		return errors.Annotate(err, "connect")
	}
	for _, sub := range self.subs {
		if err := self.conn.Subscribe(ctx, sub.topic, sub.qos, sub.h); err != nil {
			self.conn.Disconnect()
			return errors.Annotatef(err, "subscribe topic=%s", sub.topic)
		}
	}
	if err := self.conn.Publish(ctx, self.birth()); err != nil {
		self.conn.Disconnect()
		return errors.Annotate(err, "birth")
	}

	self.lastConnect.SetNow()
	inc(self.opt.Stat.Connects)
	self.mu.Lock()
	self.generation++
	self.state = SessionState{Kind: StateConnected}
	st := self.state
	self.mu.Unlock()
	self.log.Infof("tele: connected, birth announced topic=%s", self.topicState)
	if self.opt.Events != nil {
		self.opt.Events.OnConnect(st)
	}
	return nil
}

// KeepConnected is for subscriber-only processes which never publish,
// so nothing else would trigger reconnect after connection loss.
// Checks session every interval until ctx is done or Close.
func (self *Session) KeepConnected(ctx context.Context, every time.Duration) error {
	for {
		gen := self.Generation()
		if !self.State().Connected() {
			if err := self.reconnect(ctx, gen); err != nil {
				return err
			}
		}
		if !helpers.SleepSteps(ctx, every, self.opt.SleepStep, func() bool { return !self.isClosed() }) {
			if self.isClosed() {
				return ErrClosed
			}
			return ctx.Err()
		}
	}
}

// Publish makes single attempt. Use Guard for delivery with recovery.
func (self *Session) Publish(ctx context.Context, m Message) error {
	if self.isClosed() {
		return ErrClosed
	}
	if err := self.conn.Publish(ctx, m); err != nil {
		inc(self.opt.Stat.PublishErrors)
		return errors.Annotatef(err, "publish %s", m.String())
	}
	inc(self.opt.Stat.Published)
	return nil
}

// ConnectionLost implements ConnEvents.
// Only records state; next failed publish reconnects.
func (self *Session) ConnectionLost(err error) {
	inc(self.opt.Stat.ConnectionLost)
	self.mu.Lock()
	if self.state.Kind == StateConnected {
		self.state = SessionState{Kind: StateDisconnected, LastError: err}
	}
	self.mu.Unlock()
	self.log.Errorf("tele: connection lost err=%v", err)
	if self.opt.Events != nil {
		self.opt.Events.OnConnectionLost(err)
	}
}

// Close publishes retained offline (best-effort, only when connected) and disconnects.
// Pending and future ConnectWithBackoff return ErrClosed.
func (self *Session) Close() {
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return
	}
	self.closed = true
	connected := self.state.Kind == StateConnected
	self.mu.Unlock()

	if connected {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseTimeout)
		if err := self.conn.Publish(ctx, self.Will()); err != nil {
			self.log.Errorf("tele: close offline announce err=%v", err)
		}
		cancel()
	}
	self.conn.Disconnect()
	self.transition(StateDisconnected, 0, nil)
	self.log.Infof("tele: session closed")
}

func (self *Session) isClosed() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.closed
}

func (self *Session) transition(kind StateKind, attempt int, err error) {
	self.mu.Lock()
	self.state = SessionState{Kind: kind, Attempt: attempt, LastError: err}
	self.mu.Unlock()
}
