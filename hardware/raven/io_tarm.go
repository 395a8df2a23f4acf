package raven

import (
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/tarm/serial"
)

// tarmUart is portable fallback based on github.com/tarm/serial.
type tarmUart struct {
	mu   sync.Mutex
	port *serial.Port
}

func NewTarmUart() *tarmUart { return &tarmUart{} }

func (self *tarmUart) Open(path string, baud int, readTimeout time.Duration) error {
	_ = self.Close()
	port, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return errors.Trace(err)
	}
	self.mu.Lock()
	self.port = port
	self.mu.Unlock()
	return nil
}

func (self *tarmUart) current() *serial.Port {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.port
}

func (self *tarmUart) Read(p []byte) (int, error) {
	port := self.current()
	if port == nil {
		return 0, os.ErrClosed
	}
	n, err := port.Read(p)
	// tarm reports read timeout as empty read
	if n == 0 && err == nil && len(p) != 0 {
		return 0, ErrTimeout
	}
	return n, err
}

func (self *tarmUart) Write(p []byte) (int, error) {
	port := self.current()
	if port == nil {
		return 0, os.ErrClosed
	}
	return port.Write(p)
}

func (self *tarmUart) Close() error {
	self.mu.Lock()
	port := self.port
	self.port = nil
	self.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}
