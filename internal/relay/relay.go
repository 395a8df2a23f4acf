// Package relay moves device samples to the broker, one publish in flight, in read order.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/raven-relay/hardware/raven"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/internal/reading"
	"github.com/temoto/raven-relay/internal/tele"
	"github.com/temoto/raven-relay/log2"
)

const DefaultErrorDelay = time.Second

type Source interface {
	ReadSample(ctx context.Context) (raven.Sample, error)
}

// Reopener is optional Source capability, used after MaxDeviceFaults consecutive read errors.
type Reopener interface {
	Reopen() error
}

type Publisher interface {
	PublishOrRecover(ctx context.Context, m tele.Message) error
}

type Options struct {
	Topic        string
	Qos          byte
	Retain       bool
	PollInterval time.Duration // 0 = no pacing
	// consecutive read errors before Reopen, 0 = never
	MaxDeviceFaults int
	Latest          *reading.Latest // optional
	Now             func() time.Time
	Stat            Stat
}

// Stat counters are optional, prometheus.Counter fits.
type Stat struct {
	Samples      helpers.Counter
	DeviceErrors helpers.Counter
	Reopens      helpers.Counter
}

type Loop struct {
	src  Source
	pub  Publisher
	log  *log2.Log
	opt  Options
	last atomic_clock.Clock
}

func New(src Source, pub Publisher, log *log2.Log, opt Options) *Loop {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Loop{src: src, pub: pub, log: log, opt: opt}
}

// Run returns only when ctx is done (or publisher is closed).
// Device faults are logged and retried after poll interval.
func (self *Loop) Run(ctx context.Context) error {
	faults := 0
	for {
		begin := self.opt.Now()
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := self.src.ReadSample(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()

		case err != nil:
			faults++
			self.count(self.opt.Stat.DeviceErrors)
			self.log.Errorf("relay: device read fault=%d err=%v", faults, err)
			if self.opt.MaxDeviceFaults > 0 && faults >= self.opt.MaxDeviceFaults {
				self.reopen()
				faults = 0
			}
			if !helpers.Sleep(ctx, self.errorDelay()) {
				return ctx.Err()
			}
			continue

		case s == nil: // fragment discarded
			faults = 0

		default:
			faults = 0
			if err := self.relay(ctx, s); err != nil {
				return err
			}
		}
		if !self.pace(ctx, begin) {
			return ctx.Err()
		}
	}
}

func (self *Loop) relay(ctx context.Context, s raven.Sample) error {
	now := self.opt.Now()
	self.last.SetNow()
	self.count(self.opt.Stat.Samples)
	if self.opt.Latest != nil {
		self.opt.Latest.UpdateAt(now, s)
	}
	env := tele.NewEnvelope(now, s)
	payload, err := json.Marshal(env)
	if err != nil {
		// sample values come from Decode, only basic types
		self.log.Errorf("relay: marshal sample=%v err=%v", s, err)
		return nil
	}
	m := tele.Message{Topic: self.opt.Topic, Payload: payload, Qos: self.opt.Qos, Retain: self.opt.Retain}
	if err := self.pub.PublishOrRecover(ctx, m); err != nil {
		return errors.Annotate(err, "relay publish")
	}
	self.log.Debugf("relay: published %s", payload)
	return nil
}

func (self *Loop) reopen() {
	r, ok := self.src.(Reopener)
	if !ok {
		return
	}
	self.count(self.opt.Stat.Reopens)
	if err := r.Reopen(); err != nil {
		self.log.Errorf("relay: device reopen err=%v", err)
		return
	}
	self.log.Infof("relay: device reopened")
}

// pace sleeps so cycles start at most once per poll interval.
func (self *Loop) pace(ctx context.Context, begin time.Time) bool {
	if self.opt.PollInterval <= 0 {
		return ctx.Err() == nil
	}
	return helpers.Sleep(ctx, self.opt.PollInterval-self.opt.Now().Sub(begin))
}

func (self *Loop) errorDelay() time.Duration {
	if self.opt.PollInterval > 0 {
		return self.opt.PollInterval
	}
	return DefaultErrorDelay
}

// SinceSample reports time since last relayed sample, false if none yet.
func (self *Loop) SinceSample() (time.Duration, bool) {
	if self.last.IsZero() {
		return 0, false
	}
	return atomic_clock.Since(&self.last), true
}

func (self *Loop) count(c helpers.Counter) {
	if c != nil {
		c.Add(1)
	}
}
