package pvoutput

import (
	"context"
	"time"

	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/internal/schedule"
	"github.com/temoto/raven-relay/log2"
)

const DefaultInterval = 300 * time.Second

// Demander is last known meter demand in watts, reading.Latest fits.
type Demander interface {
	Demand() (float64, bool)
}

// VoltageProber is optional secondary fetch. Any failure is reported as absent.
type VoltageProber interface {
	Voltage(ctx context.Context) (float64, bool)
}

type Uploader interface {
	Upload(ctx context.Context, s Sample) error
}

type Options struct {
	Interval time.Duration
	Net      bool
	Location *time.Location // nil = time.Local
	Clock    schedule.Clock // nil = real
	Stat     Stat
}

// Stat counters are optional, prometheus.Counter fits.
type Stat struct {
	Uploads      helpers.Counter
	UploadErrors helpers.Counter
}

type Reporter struct {
	demand Demander
	probe  VoltageProber
	up     Uploader
	log    *log2.Log
	opt    Options
	sched  *schedule.Aligned
}

func NewReporter(demand Demander, probe VoltageProber, up Uploader, log *log2.Log, opt Options) *Reporter {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	return &Reporter{
		demand: demand,
		probe:  probe,
		up:     up,
		log:    log,
		opt:    opt,
		sched:  schedule.NewAligned(opt.Clock),
	}
}

// Run uploads on every aligned interval boundary until ctx is done.
// Upload failures never stop the loop.
func (self *Reporter) Run(ctx context.Context) error {
	self.log.Infof("pvoutput: started interval=%v net=%t", self.opt.Interval, self.opt.Net)
	for {
		tick, err := self.sched.WaitNextTick(ctx, self.opt.Interval)
		if err != nil {
			return err
		}
		_, _ = self.Tick(ctx, tick)
	}
}

// Tick builds and uploads one sample for time now.
// Error is logged here, returned for tests.
func (self *Reporter) Tick(ctx context.Context, now time.Time) (Sample, error) {
	var demand, voltage *float64
	if d, ok := self.demand.Demand(); ok {
		demand = &d
	}
	if self.probe != nil {
		if v, ok := self.probe.Voltage(ctx); ok {
			voltage = &v
		}
	}
	s := BuildSample(now.In(self.opt.Location), demand, voltage, self.opt.Net)
	if err := self.up.Upload(ctx, s); err != nil {
		count(self.opt.Stat.UploadErrors)
		if ctx.Err() == nil {
			self.log.Errorf("pvoutput: tick=%s skipped err=%v", s.Time.Format("15:04"), err)
		}
		return s, err
	}
	count(self.opt.Stat.Uploads)
	self.log.Infof("pvoutput: uploaded tick=%s import=%d export=%d", s.Time.Format("15:04"), s.Import, s.Export)
	return s, nil
}

func count(c helpers.Counter) {
	if c != nil {
		c.Add(1)
	}
}
