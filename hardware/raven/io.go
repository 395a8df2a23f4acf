package raven

import (
	"io"
	"time"

	"github.com/juju/errors"
)

const DefaultBaud = 115200

// Uarter is serial line to RAVEn stick.
// Read may return ErrTimeout when read timeout is configured and no data arrived.
type Uarter interface {
	Open(path string, baud int, readTimeout time.Duration) error
	io.ReadWriteCloser
}

type ErrTimeoutT string

func (e ErrTimeoutT) Error() string { return string(e) }
func (ErrTimeoutT) Timeout() bool   { return true }

const ErrTimeout = ErrTimeoutT("raven: serial read timeout")

func IsTimeout(err error) bool {
	t, ok := errors.Cause(err).(interface{ Timeout() bool })
	return ok && t.Timeout()
}

// NewUarter returns implementation by config name: file (default) | tarm
func NewUarter(driver string) (Uarter, error) {
	switch driver {
	case "", "file":
		return NewFileUart(), nil
	case "tarm":
		return NewTarmUart(), nil
	}
	return nil, errors.NotValidf("device.uart_driver=%s (expected file|tarm)", driver)
}
