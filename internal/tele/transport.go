package tele

import (
	"context"
)

// Conn transport contract:
// - Connect dials and completes protocol handshake with will armed, replaces previous connection
// - Publish returns nil only after broker ack for qos>0
// - Publish while not connected fails immediately
// - Connect/Publish/Subscribe respect ctx and own network timeout
// - ConnEvents.ConnectionLost is called from transport goroutine on unexpected drop
type Conn interface {
	Connect(ctx context.Context, will Message, events ConnEvents) error
	Publish(ctx context.Context, m Message) error
	Subscribe(ctx context.Context, topic string, qos byte, h MessageHandler) error
	Disconnect()
}

type ConnEvents interface {
	ConnectionLost(err error)
}

// MessageHandler receives inbound messages of a subscription.
// Called from transport goroutine, must not block for long.
type MessageHandler interface {
	HandleMessage(m Message)
}

type MessageHandlerFunc func(Message)

func (f MessageHandlerFunc) HandleMessage(m Message) { f(m) }

// SessionEvents is optional observer of session transitions.
type SessionEvents interface {
	OnConnect(s SessionState)
	OnConnectionLost(err error)
}
