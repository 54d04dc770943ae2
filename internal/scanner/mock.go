package scanner

import (
	"bytes"
	"errors"
	"sync"
)

// TestablePort is an in-memory Port. Reads block until data is added or the
// port is closed.
type TestablePort struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	readErr  error
	readCond *sync.Cond
}

// NewTestablePort returns an open, empty port.
func NewTestablePort() *TestablePort {
	p := &TestablePort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readErr == nil && p.buf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.buf.Len() > 0 {
		return p.buf.Read(b)
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	return 0, errors.New("serial port closed")
}

// AddReadData makes data available to Read.
func (p *TestablePort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.WriteString(data)
	p.readCond.Broadcast()
}

// FailReads makes Read return err once buffered data is drained.
func (p *TestablePort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.readCond.Broadcast()
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// Closed reports whether Close was called.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
