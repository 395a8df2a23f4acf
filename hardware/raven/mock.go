package raven

// Public API to easy create RAVEn stubs to test your code.
import (
	"io"
	"sync"
	"time"
)

// MockUart replays chunks one per Read, then returns error (io.EOF by default).
// Use Push to append data while reader is running.
type MockUart struct {
	mu      sync.Mutex
	cond    *sync.Cond
	chunks  []mockChunk
	closed  bool
	opened  string
	opens   int
	written []byte
	err     error
	// Block=true makes Read wait for Push/Close instead of returning err when drained
	Block   bool
	OpenErr error
}

// err != nil marks one failed Read in queue
type mockChunk struct {
	b   []byte
	err error
}

func NewMockUart(chunks ...string) *MockUart {
	m := &MockUart{err: io.EOF}
	m.cond = sync.NewCond(&m.mu)
	for _, c := range chunks {
		m.chunks = append(m.chunks, mockChunk{b: []byte(c)})
	}
	return m
}

func (m *MockUart) Open(path string, baud int, readTimeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return m.OpenErr
	}
	m.opened = path
	m.opens++
	m.closed = false
	return nil
}

func (m *MockUart) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *MockUart) Push(chunk string) {
	m.mu.Lock()
	m.chunks = append(m.chunks, mockChunk{b: []byte(chunk)})
	m.mu.Unlock()
	m.cond.Broadcast()
}

// PushError makes next Read (after queued chunks) fail once with err.
func (m *MockUart) PushError(err error) {
	m.mu.Lock()
	m.chunks = append(m.chunks, mockChunk{err: err})
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *MockUart) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.chunks) == 0 {
		if m.closed {
			return 0, io.ErrClosedPipe
		}
		if !m.Block {
			return 0, m.err
		}
		m.cond.Wait()
	}
	c := m.chunks[0]
	if c.err != nil {
		m.chunks = m.chunks[1:]
		return 0, c.err
	}
	n := copy(p, c.b)
	if n < len(c.b) {
		m.chunks[0].b = c.b[n:]
	} else {
		m.chunks = m.chunks[1:]
	}
	return n, nil
}

func (m *MockUart) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, p...)
	return len(p), nil
}

func (m *MockUart) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *MockUart) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.written)
}

func (m *MockUart) OpenedPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}
