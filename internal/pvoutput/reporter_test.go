package pvoutput

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/raven-relay/internal/reading"
	"github.com/temoto/raven-relay/internal/schedule"
	"github.com/temoto/raven-relay/log2"
)

type probeFunc func(ctx context.Context) (float64, bool)

func (f probeFunc) Voltage(ctx context.Context) (float64, bool) { return f(ctx) }

type recordUploader struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
	ch      chan Sample
}

func (u *recordUploader) Upload(ctx context.Context, s Sample) error {
	u.mu.Lock()
	var err error
	if len(u.errs) != 0 {
		err, u.errs = u.errs[0], u.errs[1:]
	}
	if err == nil {
		u.samples = append(u.samples, s)
	}
	u.mu.Unlock()
	if u.ch != nil {
		u.ch <- s
	}
	return err
}

type testCounter struct{ n float64 }

func (c *testCounter) Add(x float64) { c.n += x }

func TestTick(t *testing.T) {
	t.Parallel()

	melbourne := time.FixedZone("AEDT", 11*60*60)
	// 2024-01-01 23:00 UTC = 2024-01-02 10:00 AEDT
	now := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		fields map[string]interface{}
		probe  VoltageProber
		net    bool
		expect string
	}{
		{"unknown", nil, nil, false, "d=20240102&n=0&t=10%3A00&v4=0"},
		{"raw-demand", map[string]interface{}{"raw_demand": 1500.0}, nil, false, "d=20240102&n=0&t=10%3A00&v4=1500"},
		{"demand-kw", map[string]interface{}{"demand": -0.75}, nil, true, "d=20240102&n=1&t=10%3A00&v2=750&v4=0"},
		{"voltage", map[string]interface{}{"raw_demand": 10}, probeFunc(func(context.Context) (float64, bool) { return 243.5, true }), false, "d=20240102&n=0&t=10%3A00&v4=10&v6=244"},
		{"voltage-absent", map[string]interface{}{"raw_demand": 10}, probeFunc(func(context.Context) (float64, bool) { return 0, false }), false, "d=20240102&n=0&t=10%3A00&v4=10"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			latest := &reading.Latest{}
			if c.fields != nil {
				latest.Update(c.fields)
			}
			up := &recordUploader{}
			r := NewReporter(latest, c.probe, up, log2.NewTest(t, log2.LDebug), Options{Net: c.net, Location: melbourne})
			s, err := r.Tick(context.Background(), now)
			require.NoError(t, err)
			assert.Equal(t, c.expect, s.Form().Encode())
			require.Len(t, up.samples, 1)
		})
	}
}

func TestTickUploadErrorSkipped(t *testing.T) {
	t.Parallel()

	latest := &reading.Latest{}
	latest.Update(map[string]interface{}{"raw_demand": 100})
	up := &recordUploader{errs: []error{&UploadError{Status: 400, Body: "Bad request"}, errors.New("reset")}}
	uploads, failures := &testCounter{}, &testCounter{}
	r := NewReporter(latest, nil, up, log2.NewTest(t, log2.LDebug), Options{
		Location: time.UTC,
		Stat:     Stat{Uploads: uploads, UploadErrors: failures},
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := r.Tick(context.Background(), now)
	assert.True(t, IsUploadError(err))
	_, err = r.Tick(context.Background(), now.Add(5*time.Minute))
	assert.Error(t, err)
	_, err = r.Tick(context.Background(), now.Add(10*time.Minute))
	assert.NoError(t, err)

	require.Len(t, up.samples, 1)
	assert.Equal(t, "00:10", up.samples[0].Time.Format("15:04"))
	assert.Equal(t, 1.0, uploads.n)
	assert.Equal(t, 2.0, failures.n)
}

func TestRunAligned(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 10, 12, 3, 17, 0, time.UTC)
	clock := schedule.NewFake(start)
	latest := &reading.Latest{}
	latest.Update(map[string]interface{}{"raw_demand": 42})
	up := &recordUploader{ch: make(chan Sample, 1), errs: []error{errors.New("first tick fails")}}
	r := NewReporter(latest, nil, up, log2.NewTest(t, log2.LDebug), Options{
		Interval: 5 * time.Minute,
		Location: time.UTC,
		Clock:    clock,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for _, expect := range []string{"12:05", "12:10"} {
		require.True(t, clock.WaitAfter(5*time.Second))
		clock.Set(schedule.NextTick(clock.Now(), 5*time.Minute))
		select {
		case s := <-up.ch:
			assert.Equal(t, expect, s.Time.Format("15:04"))
			assert.Equal(t, int64(42), s.Import)
		case <-time.After(5 * time.Second):
			t.Fatal("no upload")
		}
	}

	require.True(t, clock.WaitAfter(5*time.Second))
	cancel()
	assert.Equal(t, context.Canceled, <-done)
	assert.Len(t, up.samples, 1)
}
