package tele

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/log2"
)

// fakeConn records operations as strings:
// "connect", "subscribe:T", "publish:T:payload", "disconnect"
type fakeConn struct {
	mu     sync.Mutex
	ops    []string
	events ConnEvents
	will   Message
	subs   map[string]MessageHandler

	// pop one per call, nil/missing = success
	connectErrs []error
	publishErrs []error
	connected   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: make(map[string]MessageHandler)}
}

func (f *fakeConn) Connect(ctx context.Context, will Message, events ConnEvents) error {
	f.mu.Lock()
	f.ops = append(f.ops, "connect")
	f.will = will
	f.events = events
	var err error
	if len(f.connectErrs) != 0 {
		err, f.connectErrs = f.connectErrs[0], f.connectErrs[1:]
	}
	f.connected = err == nil
	f.mu.Unlock()
	return err
}

func (f *fakeConn) Publish(ctx context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("publish:%s:%s", m.Topic, m.Payload))
	if len(f.publishErrs) != 0 {
		var err error
		err, f.publishErrs = f.publishErrs[0], f.publishErrs[1:]
		if err != nil {
			f.connected = false
			return err
		}
	}
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	return nil
}

func (f *fakeConn) Subscribe(ctx context.Context, topic string, qos byte, h MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "subscribe:"+topic)
	f.subs[topic] = h
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "disconnect")
	f.connected = false
}

func (f *fakeConn) Ops() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.ops, " ")
}

func (f *fakeConn) deliver(topic string, payload string) {
	f.mu.Lock()
	h := f.subs[topic]
	f.mu.Unlock()
	h.HandleMessage(Message{Topic: topic, Payload: []byte(payload)})
}

func fastBackoff() *helpers.Backoff {
	return &helpers.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond}
}

type testCounter struct {
	mu sync.Mutex
	n  float64
}

func (c *testCounter) Add(x float64) { c.mu.Lock(); c.n += x; c.mu.Unlock() }
func (c *testCounter) Get() float64  { c.mu.Lock(); defer c.mu.Unlock(); return c.n }

type recordEvents struct {
	mu       sync.Mutex
	connects int
	lost     []error
}

func (r *recordEvents) OnConnect(SessionState) { r.mu.Lock(); r.connects++; r.mu.Unlock() }
func (r *recordEvents) OnConnectionLost(err error) {
	r.mu.Lock()
	r.lost = append(r.lost, err)
	r.mu.Unlock()
}

func TestConnectWithBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		connectErrs []error
		expectOps   string
		expectFail  float64
	}{
		{"first", nil, "connect subscribe:cmd publish:p/state:online", 0},
		{"retry", []error{fmt.Errorf("refused"), fmt.Errorf("refused")},
			"connect connect connect subscribe:cmd publish:p/state:online", 2},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			conn := newFakeConn()
			conn.connectErrs = c.connectErrs
			fails := &testCounter{}
			events := &recordEvents{}
			s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{
				TopicPrefix: "p",
				Backoff:     fastBackoff(),
				Events:      events,
				Stat:        Stat{ConnectErrors: fails},
			})
			s.Subscribe("cmd", 0, MessageHandlerFunc(func(Message) {}))
			require.NoError(t, s.ConnectWithBackoff(context.Background()))
			assert.Equal(t, c.expectOps, conn.Ops())
			assert.Equal(t, c.expectFail, fails.Get())
			assert.Equal(t, Message{Topic: "p/state", Payload: []byte("offline"), Qos: 1, Retain: true}, conn.will)
			assert.Equal(t, SessionState{Kind: StateConnected}, s.State())
			assert.Equal(t, uint64(1), s.Generation())
			assert.Equal(t, 1, events.connects)
			_, ok := s.SinceConnect()
			assert.True(t, ok)
		})
	}
}

func TestConnectStopDuringBackoff(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	for i := 0; i < 100; i++ {
		conn.connectErrs = append(conn.connectErrs, fmt.Errorf("refused"))
	}
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{
		TopicPrefix: "p",
		// large window, stop must not wait for it
		Backoff:   &helpers.Backoff{Base: time.Hour, Max: time.Hour},
		SleepStep: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	started := time.Now()
	err := s.ConnectWithBackoff(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Less(t, time.Since(started), 5*time.Second)
	st := s.State()
	assert.Equal(t, StateDisconnected, st.Kind)
	assert.Equal(t, 1, st.Attempt)
	assert.Error(t, st.LastError)
}

func TestConnectCloseDuringBackoff(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.connectErrs = []error{fmt.Errorf("refused")}
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{
		TopicPrefix: "p",
		Backoff:     &helpers.Backoff{Base: time.Hour, Max: time.Hour},
		SleepStep:   5 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- s.ConnectWithBackoff(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	s.Close()
	select {
	case err := <-done:
		assert.True(t, IsClosed(err))
	case <-time.After(5 * time.Second):
		t.Fatal("connect loop did not stop after Close")
	}
	// not connected, no offline announce
	assert.Equal(t, "connect disconnect", conn.Ops())
}

func TestPublishOrRecover(t *testing.T) {
	t.Parallel()

	msg := Message{Topic: "p/sensor/telemetry", Payload: []byte("{}"), Qos: 1}
	cases := []struct {
		name        string
		publishErrs []error
		connectErrs []error
		expectOps   string
	}{
		{"ok", nil, nil,
			"connect publish:p/state:online publish:p/sensor/telemetry:{}"},
		// exactly one reconnect cycle, birth precedes the single retry
		{"fail-once", []error{nil, fmt.Errorf("broken pipe")}, nil,
			"connect publish:p/state:online publish:p/sensor/telemetry:{} connect publish:p/state:online publish:p/sensor/telemetry:{}"},
		{"fail-reconnect-fails", []error{nil, fmt.Errorf("broken pipe")}, []error{nil, fmt.Errorf("refused")},
			"connect publish:p/state:online publish:p/sensor/telemetry:{} connect connect publish:p/state:online publish:p/sensor/telemetry:{}"},
		{"retry-fails-again", []error{nil, fmt.Errorf("broken pipe"), nil, fmt.Errorf("broken pipe")}, nil,
			"connect publish:p/state:online publish:p/sensor/telemetry:{} connect publish:p/state:online publish:p/sensor/telemetry:{} connect publish:p/state:online publish:p/sensor/telemetry:{}"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			conn := newFakeConn()
			conn.publishErrs = c.publishErrs
			conn.connectErrs = c.connectErrs
			published := &testCounter{}
			s := NewSession(conn, log, SessionOptions{TopicPrefix: "p", Backoff: fastBackoff(), Stat: Stat{Published: published}})
			require.NoError(t, s.ConnectWithBackoff(context.Background()))
			g := NewGuard(s, log)
			require.NoError(t, g.PublishOrRecover(context.Background(), msg))
			assert.Equal(t, c.expectOps, conn.Ops())
			assert.Equal(t, StateConnected, s.State().Kind)
		})
	}
}

func TestPublishOrRecoverNeverConnected(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{TopicPrefix: "p", Backoff: fastBackoff()})
	g := NewGuard(s, log2.NewTest(t, log2.LDebug))
	require.NoError(t, g.PublishOrRecover(context.Background(), Message{Topic: "t", Payload: []byte("1")}))
	assert.Equal(t, "publish:t:1 connect publish:p/state:online publish:t:1", conn.Ops())
}

func TestPublishOrRecoverStop(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	for i := 0; i < 1000; i++ {
		conn.connectErrs = append(conn.connectErrs, fmt.Errorf("refused"))
	}
	abandoned := &testCounter{}
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{
		TopicPrefix: "p",
		Backoff:     &helpers.Backoff{Base: time.Minute, Max: time.Minute},
		SleepStep:   5 * time.Millisecond,
		Stat:        Stat{Abandoned: abandoned},
	})
	g := NewGuard(s, log2.NewTest(t, log2.LDebug))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := g.PublishOrRecover(ctx, Message{Topic: "t", Payload: []byte("1")})
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1.0, abandoned.Get())
}

func TestConcurrentRecoverSingleCycle(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{TopicPrefix: "p", Backoff: fastBackoff()})
	require.NoError(t, s.ConnectWithBackoff(context.Background()))
	gen := s.Generation()
	conn.Disconnect()
	// first caller reconnects, second observed the same generation and must skip
	require.NoError(t, s.reconnect(context.Background(), gen))
	require.NoError(t, s.reconnect(context.Background(), gen))
	assert.Equal(t, 2, strings.Count(conn.Ops(), "connect")-strings.Count(conn.Ops(), "disconnect"))
	assert.Equal(t, gen+1, s.Generation())
}

func TestConnectionLostDoesNotReconnect(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	events := &recordEvents{}
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{TopicPrefix: "p", Backoff: fastBackoff(), Events: events})
	require.NoError(t, s.ConnectWithBackoff(context.Background()))
	before := conn.Ops()
	conn.events.ConnectionLost(fmt.Errorf("EOF"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, conn.Ops())
	st := s.State()
	assert.Equal(t, StateDisconnected, st.Kind)
	assert.EqualError(t, st.LastError, "EOF")
	assert.Len(t, events.lost, 1)
}

func TestKeepConnected(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.connectErrs = []error{fmt.Errorf("refused")}
	events := &recordEvents{}
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{TopicPrefix: "p", Backoff: fastBackoff(), Events: events, SleepStep: time.Millisecond})
	s.Subscribe("p/sensor/telemetry", 0, MessageHandlerFunc(func(Message) {}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.KeepConnected(ctx, 5*time.Millisecond) }()

	connects := func() int {
		events.mu.Lock()
		defer events.mu.Unlock()
		return events.connects
	}
	require.Eventually(t, func() bool { return connects() == 1 }, 5*time.Second, time.Millisecond)
	conn.events.ConnectionLost(fmt.Errorf("EOF"))
	require.Eventually(t, func() bool { return connects() == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, "connect connect subscribe:p/sensor/telemetry publish:p/state:online connect subscribe:p/sensor/telemetry publish:p/state:online", conn.Ops())

	s.Close()
	select {
	case err := <-done:
		assert.True(t, IsClosed(err))
	case <-time.After(5 * time.Second):
		t.Fatal("KeepConnected did not stop")
	}
}

func TestSubscriptionDelivery(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{TopicPrefix: "p", Backoff: fastBackoff()})
	got := make(chan Message, 1)
	s.Subscribe("p/sensor/telemetry", 0, MessageHandlerFunc(func(m Message) { got <- m }))
	require.NoError(t, s.ConnectWithBackoff(context.Background()))
	conn.deliver("p/sensor/telemetry", `{"demand":1}`)
	m := <-got
	assert.Equal(t, `{"demand":1}`, string(m.Payload))
}

func TestClose(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSession(conn, log2.NewTest(t, log2.LDebug), SessionOptions{TopicPrefix: "p", Backoff: fastBackoff()})
	require.NoError(t, s.ConnectWithBackoff(context.Background()))
	s.Close()
	s.Close()
	assert.Equal(t, "connect publish:p/state:online publish:p/state:offline disconnect", conn.Ops())
	assert.True(t, IsClosed(s.Publish(context.Background(), Message{Topic: "t"})))
	assert.True(t, IsClosed(s.ConnectWithBackoff(context.Background())))
}

func TestTopics(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "raven/state", TopicState("raven"))
	assert.Equal(t, "raven/sensor/telemetry", TopicTelemetry("raven/"))
	assert.Equal(t, "home/raven/status", TopicStatus("home/raven"))
}
