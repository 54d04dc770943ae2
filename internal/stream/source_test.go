package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tablepick/internal/httputil"
	"github.com/banshee-data/tablepick/internal/monitoring"
)

// fakeCapturer delivers frames every interval until it has sent limit frames,
// then blocks until closed. limit < 0 means never stall.
type fakeCapturer struct {
	conn     int
	interval time.Duration
	limit    int
	sent     int
	closed   chan struct{}
	once     sync.Once
}

func newFakeCapturer(conn int, interval time.Duration, limit int) *fakeCapturer {
	return &fakeCapturer{conn: conn, interval: interval, limit: limit, closed: make(chan struct{})}
}

func (f *fakeCapturer) Read() ([]byte, error) {
	if f.limit >= 0 && f.sent >= f.limit {
		<-f.closed
		return nil, ErrClosed
	}
	select {
	case <-f.closed:
		return nil, ErrClosed
	case <-time.After(f.interval):
	}
	f.sent++
	return []byte{byte(f.conn)}, nil
}

func (f *fakeCapturer) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

const unit = 20 * time.Millisecond

func TestStallTriggersOneReconnectAndResumes(t *testing.T) {
	var opens atomic.Int32
	opener := func(ctx context.Context, p Profile) (Capturer, error) {
		n := int(opens.Add(1))
		if n == 1 {
			// One frame, then silence for longer than the stall timeout.
			return newFakeCapturer(n, time.Millisecond, 1), nil
		}
		return newFakeCapturer(n, 2*time.Millisecond, -1), nil
	}
	metrics := monitoring.NewMetrics(nil)
	src := NewSource(Profile{
		Name:           "cam_a",
		URL:            "rtsp://cam",
		StallTimeout:   2 * unit,
		ReconnectDelay: unit / 4,
	}, opener, nil, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool {
		f, ok := src.Latest()
		return ok && f.JPEG[0] == 2
	}, 2*time.Second, time.Millisecond, "frames from the second connection")

	// Delivery keeps going on the new connection without further reconnects.
	time.Sleep(3 * unit)
	assert.Equal(t, int64(1), src.Reconnects())
	assert.Equal(t, int32(2), opens.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamReconnects.WithLabelValues("cam_a", "stalled")))
	assert.True(t, src.Connected())
	assert.True(t, src.Healthy())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, src.Connected())
}

func TestOpenFailureRetries(t *testing.T) {
	var opens atomic.Int32
	opener := func(ctx context.Context, p Profile) (Capturer, error) {
		if opens.Add(1) < 3 {
			return nil, ErrUnopenable
		}
		return newFakeCapturer(3, time.Millisecond, -1), nil
	}
	src := NewSource(Profile{Name: "cam_b", OpenRetryDelay: time.Millisecond}, opener, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := src.Latest()
		return ok
	}, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, opens.Load(), int32(3))
	assert.Zero(t, src.Reconnects(), "open retries are not reconnects")
}

func TestRunReturnsWhileWaitingToRetry(t *testing.T) {
	opener := func(ctx context.Context, p Profile) (Capturer, error) {
		return nil, errors.New("no route")
	}
	src := NewSource(Profile{Name: "cam", OpenRetryDelay: time.Hour}, opener, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run blocked past cancellation")
	}
}

func TestSubscribe(t *testing.T) {
	opener := func(ctx context.Context, p Profile) (Capturer, error) {
		return newFakeCapturer(1, time.Millisecond, -1), nil
	}
	src := NewSource(Profile{Name: "qr"}, opener, nil, nil)
	ch, unsubscribe := src.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	select {
	case f := <-ch:
		assert.Equal(t, "qr", f.Camera)
		assert.NotZero(t, f.Seq)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered to subscriber")
	}
	unsubscribe()
	unsubscribe()
}

func TestSetLatestFrame(t *testing.T) {
	src := NewSource(Profile{Name: "a"}, nil, nil, nil)
	set := Set{"a": src}
	_, ok := set.LatestFrame("a")
	assert.False(t, ok)
	_, ok = set.LatestFrame("missing")
	assert.False(t, ok)

	src.publish([]byte("jpeg"), time.Now())
	f, ok := set.LatestFrame("a")
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg"), f.JPEG)
}

func TestSetStatus(t *testing.T) {
	b := NewSource(Profile{Name: "b"}, nil, nil, nil)
	a := NewSource(Profile{Name: "a"}, nil, nil, nil)
	at := time.Now()
	b.publish([]byte("jpeg"), at)

	st := Set{"b": b, "a": a}.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].Name)
	assert.True(t, st[0].LastFrame.IsZero())
	assert.Equal(t, "b", st[1].Name)
	assert.False(t, st[1].Connected)
	assert.False(t, st[1].Healthy, "a source that is not open is never healthy")
	assert.True(t, st[1].LastFrame.Equal(at))
}

func TestProfile(t *testing.T) {
	p := Profile{Name: "cam", URL: "rtsp://10.0.0.2/stream", ForceTCP: true}
	p.Normalize()
	require.NoError(t, p.Validate())
	assert.Equal(t, DefaultStallTimeout, p.StallTimeout)
	assert.Equal(t, "rtsp_transport;tcp|stimeout;5000000", p.FFmpegOptions())
	assert.False(t, p.IsSnapshot())

	dev := Profile{Name: "usb", Device: 1}
	assert.Equal(t, "1", dev.Address())
	assert.NoError(t, dev.Validate())

	assert.Error(t, Profile{}.Validate())
	assert.Error(t, Profile{Name: "x", Device: -1}.Validate())
	assert.Error(t, Profile{Name: "x", URL: "nohost"}.Validate())
	assert.True(t, Profile{URL: "http://cam/snap.jpg"}.IsSnapshot())
}

func TestSnapshotCapturer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte{0xff, 0xd8, byte(hits.Load())})
	}))
	defer srv.Close()

	c, err := OpenSnapshot(context.Background(), Profile{Name: "s", URL: srv.URL, PollInterval: time.Millisecond},
		httputil.NewStandardClient(time.Second))
	require.NoError(t, err)

	first, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, byte(1), first[2])
	second, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, byte(2), second[2])

	require.NoError(t, c.Close())
	_, err = c.Read()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSnapshotUnreachableIsUnopenable(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusServiceUnavailable, "")
	_, err := OpenSnapshot(context.Background(), Profile{Name: "s", URL: "http://cam/snap.jpg"}, mock)
	assert.ErrorIs(t, err, ErrUnopenable)
}
