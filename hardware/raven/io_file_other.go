//go:build !linux
// +build !linux

package raven

import (
	"time"

	"github.com/juju/errors"
)

type fileUart struct{}

func NewFileUart() *fileUart { return &fileUart{} }

func (*fileUart) Open(path string, baud int, readTimeout time.Duration) error {
	return errors.NotSupportedf("uart_driver=file on this OS, use tarm")
}
func (*fileUart) Read(p []byte) (int, error)  { return 0, errors.NotSupportedf("file uart") }
func (*fileUart) Write(p []byte) (int, error) { return 0, errors.NotSupportedf("file uart") }
func (*fileUart) Close() error                { return nil }
