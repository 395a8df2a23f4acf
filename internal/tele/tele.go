// Package tele owns the broker session: connect with backoff,
// birth/last-will announcements, lazy reconnect from failed publishes.
//
// Contract:
// - Session.ConnectWithBackoff blocks until connected or ctx done
// - disconnect does not reconnect by itself, next failed publish does (Guard)
// - Session.Close publishes retained "offline" best-effort, then disconnects
// - readiness is observable only through publish outcome, State() is for logs/metrics
package tele

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/raven-relay/helpers"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

var ErrClosed = fmt.Errorf("tele session closed")

type Message struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
}

func (m *Message) String() string {
	return fmt.Sprintf("topic=%s qos=%d retain=%t len=%d", m.Topic, m.Qos, m.Retain, len(m.Payload))
}

type StateKind int32

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
)

func (s StateKind) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("StateKind(%d)", int32(s))
}

// SessionState snapshot. Only Session mutates the original.
type SessionState struct {
	Kind      StateKind
	Attempt   int
	LastError error
}

func (s SessionState) Connected() bool { return s.Kind == StateConnected }

// Stat counters are optional, prometheus.Counter fits.
type Stat struct {
	Connects       helpers.Counter
	ConnectErrors  helpers.Counter
	ConnectionLost helpers.Counter
	Published      helpers.Counter
	PublishErrors  helpers.Counter
	Abandoned      helpers.Counter
}

func inc(c helpers.Counter) {
	if c != nil {
		c.Add(1)
	}
}

func IsClosed(e error) bool { return errors.Cause(e) == ErrClosed }
