package helpers

import (
	"io"
)

// Counter is satisfied by prometheus.Counter.
type Counter interface {
	Add(float64)
}

type StatReader struct {
	R io.Reader
	V Counter
	F int64
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, v Counter, fix int64) io.Reader {
	return &StatReader{R: r, F: fix, V: v}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	if sr.V != nil && (n != 0 || sr.F != 0) {
		sr.V.Add(float64(int64(n) + sr.F))
	}
	return
}
