package raven

import (
	"bytes"
	"fmt"
	"io"
	"regexp"

	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/log2"
)

const DefaultMaxFragment = 64 << 10

var (
	reOpenTag    = regexp.MustCompile(`^<([A-Za-z_][A-Za-z0-9_.-]*)>$`)
	reSingleLine = regexp.MustCompile(`^<([A-Za-z_][A-Za-z0-9_.-]*)>\s*<.*</([A-Za-z_][A-Za-z0-9_.-]*)>$`)
)

type DecodeFunc func([]byte) (Sample, error)

// FragmentReader wraps raw device stream and yields one Sample per complete XML fragment.
// Malformed fragments are logged and dropped, stream keeps going.
// Only errors of underlying reader are returned.
type FragmentReader struct {
	Decode      DecodeFunc
	MaxFragment int
	Discarded   helpers.Counter // optional

	log *log2.Log
	r   io.Reader

	buf  []byte // read but not yet split into lines
	rbuf []byte

	inFragment bool
	tag        string
	partial    bytes.Buffer
}

func NewFragmentReader(r io.Reader, log *log2.Log) *FragmentReader {
	return &FragmentReader{
		Decode:      Decode,
		MaxFragment: DefaultMaxFragment,
		log:         log,
		r:           r,
		rbuf:        make([]byte, 512),
	}
}

// Next returns:
// - sample, nil: one fragment decoded
// - nil, nil: fragment discarded, no sample this cycle
// - nil, err: underlying read failed; state is kept so stream may resume after timeout
func (self *FragmentReader) Next() (Sample, error) {
	for {
		for {
			i := bytes.IndexByte(self.buf, '\n')
			if i < 0 {
				break
			}
			line := self.buf[:i+1]
			s, complete := self.feedLine(line)
			self.buf = self.buf[i+1:]
			if complete {
				self.compact()
				return s, nil
			}
		}
		if len(self.buf) > self.maxFragment() {
			self.discard(fmt.Sprintf("line too long len=%d", len(self.buf)))
			self.buf = self.buf[:0]
			return nil, nil
		}

		n, err := self.r.Read(self.rbuf)
		if n > 0 {
			self.compact()
			self.buf = append(self.buf, self.rbuf[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (self *FragmentReader) compact() {
	if len(self.buf) == 0 && cap(self.buf) > 4*len(self.rbuf) {
		self.buf = nil
	}
}

func (self *FragmentReader) maxFragment() int {
	if self.MaxFragment <= 0 {
		return DefaultMaxFragment
	}
	return self.MaxFragment
}

// Returns complete=true when fragment ended, sample may be nil if discarded.
func (self *FragmentReader) feedLine(line []byte) (s Sample, complete bool) {
	defer func() {
		if r := recover(); r != nil {
			self.discard(fmt.Sprintf("panic=%v", r))
			s, complete = nil, true
		}
	}()

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if m := reOpenTag.FindSubmatch(trimmed); m != nil {
		if self.inFragment {
			self.discard(fmt.Sprintf("unterminated <%s> before <%s>", self.tag, m[1]))
		}
		self.inFragment = true
		self.tag = string(m[1])
		self.partial.Reset()
		self.partial.Write(line)
		return nil, false
	}
	if !self.inFragment {
		// single line fragment <Tag>...</Tag>
		if m := reSingleLine.FindSubmatch(trimmed); m != nil && bytes.Equal(m[1], m[2]) {
			return self.finish(append([]byte(nil), trimmed...)), true
		}
		self.log.Debugf("raven: skip stray line=%q", trimmed)
		return nil, false
	}

	self.partial.Write(line)
	if self.partial.Len() > self.maxFragment() {
		self.discard(fmt.Sprintf("fragment <%s> too long len=%d", self.tag, self.partial.Len()))
		return nil, true
	}
	if string(trimmed) == "</"+self.tag+">" {
		fragment := append([]byte(nil), self.partial.Bytes()...)
		self.reset()
		return self.finish(fragment), true
	}
	return nil, false
}

func (self *FragmentReader) finish(fragment []byte) Sample {
	s, err := self.Decode(fragment)
	if err != nil {
		self.log.Warningf("raven: discard malformed fragment err=%v fragment=%q", err, fragment)
		self.count()
		return nil
	}
	return s
}

func (self *FragmentReader) discard(reason string) {
	self.log.Warningf("raven: discard partial fragment <%s> reason=%s len=%d", self.tag, reason, self.partial.Len())
	self.count()
	self.reset()
}

func (self *FragmentReader) count() {
	if self.Discarded != nil {
		self.Discarded.Add(1)
	}
}

func (self *FragmentReader) reset() {
	self.inFragment = false
	self.tag = ""
	self.partial.Reset()
}
