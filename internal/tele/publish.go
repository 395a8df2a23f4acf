package tele

import (
	"context"

	"github.com/temoto/raven-relay/log2"
)

// Guard delivers one message at least once, recovering the session on failure.
type Guard struct {
	session *Session
	log     *log2.Log
}

func NewGuard(s *Session, log *log2.Log) *Guard {
	return &Guard{session: s, log: log}
}

// PublishOrRecover returns nil after delivery.
// On publish failure: reconnect with backoff (birth is announced by connect), retry the same message once; repeat.
// Returns ctx error or ErrClosed when stopped, message is abandoned.
func (self *Guard) PublishOrRecover(ctx context.Context, m Message) error {
	gen := self.session.Generation()
	err := self.session.Publish(ctx, m)
	for err != nil {
		if IsClosed(err) {
			return self.abandon(m, err)
		}
		if ctx.Err() != nil {
			return self.abandon(m, ctx.Err())
		}
		self.log.Errorf("tele: publish failed, recovering %s err=%v", m.String(), err)
		if rerr := self.session.reconnect(ctx, gen); rerr != nil {
			return self.abandon(m, rerr)
		}
		gen = self.session.Generation()
		err = self.session.Publish(ctx, m)
	}
	return nil
}

func (self *Guard) abandon(m Message, err error) error {
	inc(self.session.opt.Stat.Abandoned)
	self.log.Infof("tele: abandon %s reason=%v", m.String(), err)
	return err
}
