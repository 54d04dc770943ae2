package scanner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptionsNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "even parity word", in: PortOptions{BaudRate: 115200, Parity: "even"}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	_, err = PortOptions{Parity: "x"}.SerialMode()
	assert.Error(t, err)
}

type portQueue struct {
	mu    sync.Mutex
	ports []*TestablePort
	errs  []error
	calls int
}

func (q *portQueue) open(string, PortOptions) (Port, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	q.calls++
	if i < len(q.errs) && q.errs[i] != nil {
		return nil, q.errs[i]
	}
	if i < len(q.ports) {
		return q.ports[i], nil
	}
	return nil, errors.New("no more ports")
}

func (q *portQueue) Calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no payload")
		return ""
	}
}

func TestScannerForwardsTrimmedLines(t *testing.T) {
	port := NewTestablePort()
	q := &portQueue{ports: []*TestablePort{port}}
	s := New("/dev/ttyACM0", PortOptions{}, q.open, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string, 4)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	port.AddReadData("  alice \r\n\n")
	port.AddReadData("bob\n")
	assert.Equal(t, "alice", receive(t, out))
	assert.Equal(t, "bob", receive(t, out))

	cancel()
	require.NoError(t, <-done)
	assert.True(t, port.Closed())

	lines, _, _ := s.Stats()
	assert.Equal(t, 2, lines)
}

func TestScannerReopensAfterFailure(t *testing.T) {
	first, second := NewTestablePort(), NewTestablePort()
	q := &portQueue{
		ports: []*TestablePort{nil, first, second},
		errs:  []error{errors.New("no such device"), nil, nil},
	}
	s := New("/dev/ttyACM0", PortOptions{}, q.open, nil, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan string, 4)
	go s.Run(ctx, out)

	first.AddReadData("carol\n")
	assert.Equal(t, "carol", receive(t, out))
	first.FailReads(errors.New("unplugged"))

	second.AddReadData("dave\n")
	assert.Equal(t, "dave", receive(t, out))
	assert.Equal(t, 3, q.Calls())

	_, _, lastErr := s.Stats()
	assert.Contains(t, lastErr, "unplugged")
}

func TestScannerTailRoute(t *testing.T) {
	s := New("/dev/ttyACM0", PortOptions{}, nil, nil, 0)
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/scanner", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/dev/ttyACM0")

	id, ch := s.Subscribe()
	s.broadcast("raw")
	assert.Equal(t, "raw", <-ch)
	s.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
}
