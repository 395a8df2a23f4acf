//go:build linux
// +build linux

package raven

import (
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// fileUart is tty opened as pollable os.File, raw 8N1 via termios ioctl.
// Close() unblocks pending Read.
type fileUart struct {
	mu      sync.Mutex
	f       *os.File
	timeout time.Duration
}

func NewFileUart() *fileUart { return &fileUart{} }

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

func (self *fileUart) Open(path string, baud int, readTimeout time.Duration) error {
	_ = self.Close()
	speed, ok := baudRates[baud]
	if !ok {
		return errors.NotSupportedf("baud=%d", baud)
	}
	f, err := os.OpenFile(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return errors.Trace(err)
	}
	var ioctlErr error
	err = rc.Control(func(fd uintptr) { ioctlErr = setRaw(int(fd), speed) })
	if err == nil {
		err = ioctlErr
	}
	if err != nil {
		f.Close()
		return errors.Annotatef(err, "termios path=%s", path)
	}
	self.mu.Lock()
	self.f = f
	self.timeout = readTimeout
	self.mu.Unlock()
	return nil
}

func (self *fileUart) file() (*os.File, time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.f, self.timeout
}

func setRaw(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	// cfmakeraw
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err = unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (self *fileUart) Read(p []byte) (int, error) {
	f, timeout := self.file()
	if f == nil {
		return 0, os.ErrClosed
	}
	if timeout > 0 {
		if err := f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, errors.Trace(err)
		}
	}
	n, err := f.Read(p)
	if err != nil && os.IsTimeout(err) {
		return n, ErrTimeout
	}
	return n, err
}

func (self *fileUart) Write(p []byte) (int, error) {
	f, _ := self.file()
	if f == nil {
		return 0, os.ErrClosed
	}
	return f.Write(p)
}

func (self *fileUart) Close() error {
	self.mu.Lock()
	f := self.f
	self.f = nil
	self.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
