package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/tablepick/internal/httputil"
)

// Open picks a capturer for p: http(s) URLs are polled as JPEG snapshots,
// everything else goes through the video backend.
func Open(ctx context.Context, p Profile) (Capturer, error) {
	if p.IsSnapshot() {
		return OpenSnapshot(ctx, p, httputil.NewStandardClient(p.SocketTimeout))
	}
	return openVideo(ctx, p)
}

// OpenSnapshot returns a capturer that GETs p.URL every PollInterval. The
// first fetch happens during open so an unreachable camera fails here.
func OpenSnapshot(ctx context.Context, p Profile, client httputil.HTTPClient) (Capturer, error) {
	p.Normalize()
	c := &snapshotCapturer{
		url:      p.URL,
		interval: p.PollInterval,
		client:   client,
		closed:   make(chan struct{}),
	}
	first, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnopenable, p.URL, err)
	}
	c.pending = first
	return c, nil
}

type snapshotCapturer struct {
	url      string
	interval time.Duration
	client   httputil.HTTPClient
	pending  []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *snapshotCapturer) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !httputil.IsSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("snapshot returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func (c *snapshotCapturer) Read() ([]byte, error) {
	if c.pending != nil {
		data := c.pending
		c.pending = nil
		return data, nil
	}
	select {
	case <-c.closed:
		return nil, ErrClosed
	case <-time.After(c.interval):
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return c.fetch(ctx)
}

func (c *snapshotCapturer) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
