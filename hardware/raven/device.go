// Package raven talks to Rainforest Automation RAVEn USB stick.
// Device streams XML fragments over serial line, one per meter message.
package raven

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/log2"
)

// OpenError means device could not be opened at startup.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string { return fmt.Sprintf("raven device open path=%s: %v", e.Path, e.Err) }
func (e *OpenError) Unwrap() error { return e.Err }

func IsOpenError(e error) bool {
	_, ok := errors.Cause(e).(*OpenError)
	return ok
}

const commandInitialize = "<Command>\n<Name>initialize</Name>\n</Command>\n"

type Config struct {
	Path        string
	Baud        int
	Driver      string // file|tarm
	ReadTimeout time.Duration
	Initialize  bool
}

// Stat counters are optional, prometheus.Counter fits.
type Stat struct {
	BytesRead helpers.Counter
	Discarded helpers.Counter
}

type Device struct {
	config Config
	log    *log2.Log
	stat   Stat
	uart   Uarter
	reader *FragmentReader
}

// Open is only called at startup. Any error is *OpenError and fatal for caller,
// wrong path is configuration error, not transient fault.
func Open(config Config, log *log2.Log, stat Stat) (*Device, error) {
	u, err := NewUarter(config.Driver)
	if err != nil {
		return nil, &OpenError{Path: config.Path, Err: err}
	}
	return OpenUart(u, config, log, stat)
}

func OpenUart(u Uarter, config Config, log *log2.Log, stat Stat) (*Device, error) {
	if config.Path == "" {
		return nil, &OpenError{Err: errors.NotValidf("device path empty")}
	}
	if config.Baud == 0 {
		config.Baud = DefaultBaud
	}
	if err := u.Open(config.Path, config.Baud, config.ReadTimeout); err != nil {
		return nil, &OpenError{Path: config.Path, Err: errors.Annotatef(err, "driver=%s", config.Driver)}
	}
	d := &Device{
		config: config,
		log:    log,
		stat:   stat,
		uart:   u,
	}
	if err := d.start(); err != nil {
		_ = u.Close()
		return nil, &OpenError{Path: config.Path, Err: err}
	}
	log.Infof("raven: opened path=%s baud=%d driver=%s", config.Path, config.Baud, config.Driver)
	return d, nil
}

func (d *Device) start() error {
	if d.config.Initialize {
		if err := helpers.WriteAll(d.uart, []byte(commandInitialize)); err != nil {
			return errors.Annotate(err, "initialize")
		}
	}
	d.reader = NewFragmentReader(helpers.NewStatReader(d.uart, d.stat.BytesRead, 0), d.log)
	d.reader.Discarded = d.stat.Discarded
	return nil
}

// Reopen closes and opens serial line again, partial fragment is lost.
// Used by relay after repeated read faults, e.g. USB stick replugged.
func (d *Device) Reopen() error {
	_ = d.uart.Close()
	if err := d.uart.Open(d.config.Path, d.config.Baud, d.config.ReadTimeout); err != nil {
		return errors.Annotatef(err, "raven reopen path=%s", d.config.Path)
	}
	return errors.Annotatef(d.start(), "raven reopen path=%s", d.config.Path)
}

// ReadSample blocks until next sample. Returns nil,nil when fragment was discarded or read timed out.
// Blocked serial read is not interrupted by ctx, Close() does that.
func (d *Device) ReadSample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := d.reader.Next()
	if IsTimeout(err) {
		// quiet line, partial fragment is kept for next read
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "raven read path=%s", d.config.Path)
	}
	return s, nil
}

func (d *Device) Close() error {
	return errors.Trace(d.uart.Close())
}
