package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tablepick/internal/monitoring"
	"github.com/banshee-data/tablepick/internal/timeutil"
)

// Frame is one JPEG-encoded image from a camera.
type Frame struct {
	Camera string
	Seq    uint64
	At     time.Time
	JPEG   []byte
}

// Capturer reads frames from an open camera. Read blocks until a frame is
// available; Close must unblock a pending Read.
type Capturer interface {
	Read() ([]byte, error)
	Close() error
}

// Opener opens a camera described by a profile.
type Opener func(ctx context.Context, p Profile) (Capturer, error)

// Source keeps one camera open for as long as its context lives. It never
// writes engine state; consumers read the latest frame or subscribe.
type Source struct {
	profile Profile
	open    Opener
	clock   timeutil.Clock
	metrics *monitoring.Metrics

	latest     atomic.Pointer[Frame]
	seq        atomic.Uint64
	connected  atomic.Bool
	reconnects atomic.Int64

	mu          sync.Mutex
	subscribers map[int]chan Frame
	nextID      int
}

// NewSource returns a Source for p. clock and metrics may be nil.
func NewSource(p Profile, open Opener, clock timeutil.Clock, metrics *monitoring.Metrics) *Source {
	p.Normalize()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	return &Source{
		profile:     p,
		open:        open,
		clock:       clock,
		metrics:     metrics,
		subscribers: make(map[int]chan Frame),
	}
}

// Name returns the camera name.
func (s *Source) Name() string { return s.profile.Name }

// Profile returns the normalized profile.
func (s *Source) Profile() Profile { return s.profile }

// Run opens, reads, and reconnects until ctx is done. It always returns nil
// on cancellation; open and read failures are retried, never returned.
func (s *Source) Run(ctx context.Context) error {
	defer s.connected.Store(false)
	for ctx.Err() == nil {
		c, err := s.open(ctx, s.profile)
		if err != nil {
			opsf("%s: open %s failed: %v; retrying in %v", s.profile.Name, s.profile.Address(), err, s.profile.OpenRetryDelay)
			s.metrics.StreamReconnects.WithLabelValues(s.profile.Name, "open_failed").Inc()
			if !s.wait(ctx, s.profile.OpenRetryDelay) {
				return nil
			}
			continue
		}
		diagf("%s: opened %s", s.profile.Name, s.profile.Address())
		s.connected.Store(true)

		err = s.pump(ctx, c)
		s.connected.Store(false)
		if cerr := c.Close(); cerr != nil {
			tracef("%s: close: %v", s.profile.Name, cerr)
		}
		if ctx.Err() != nil {
			return nil
		}

		reason := "read_error"
		if errors.Is(err, ErrStalled) {
			reason = "stalled"
		}
		s.reconnects.Add(1)
		s.metrics.StreamReconnects.WithLabelValues(s.profile.Name, reason).Inc()
		opsf("%s: %v; reconnecting in %v", s.profile.Name, err, s.profile.ReconnectDelay)
		if !s.wait(ctx, s.profile.ReconnectDelay) {
			return nil
		}
	}
	return nil
}

func (s *Source) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

// pump forwards frames from c until ctx ends, c fails, or no frame arrives
// within the stall timeout.
func (s *Source) pump(ctx context.Context, c Capturer) error {
	type result struct {
		data []byte
		err  error
	}
	results := make(chan result, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			data, err := c.Read()
			select {
			case results <- result{data, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	check := s.profile.StallTimeout / 4
	if check <= 0 {
		check = time.Millisecond
	}
	ticker := s.clock.NewTicker(check)
	defer ticker.Stop()
	last := s.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			if r.err != nil {
				return fmt.Errorf("read: %w", r.err)
			}
			last = s.clock.Now()
			s.publish(r.data, last)
		case <-ticker.C():
			if idle := s.clock.Since(last); idle > s.profile.StallTimeout {
				return fmt.Errorf("%w: no frame for %v", ErrStalled, idle)
			}
		}
	}
}

func (s *Source) publish(data []byte, at time.Time) {
	f := &Frame{Camera: s.profile.Name, Seq: s.seq.Add(1), At: at, JPEG: data}
	s.latest.Store(f)
	tracef("%s: frame %d (%d bytes)", f.Camera, f.Seq, len(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- *f:
		default:
		}
	}
}

// Latest returns the most recent frame, if any.
func (s *Source) Latest() (Frame, bool) {
	f := s.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Connected reports whether a capturer is currently open.
func (s *Source) Connected() bool { return s.connected.Load() }

// Healthy reports whether the stream is open and its latest frame is newer
// than the stall timeout.
func (s *Source) Healthy() bool {
	f := s.latest.Load()
	return s.connected.Load() && f != nil && s.clock.Since(f.At) <= s.profile.StallTimeout
}

// Reconnects returns how many times an open stream was torn down.
func (s *Source) Reconnects() int64 { return s.reconnects.Load() }

// Subscribe returns a channel receiving new frames. Slow subscribers miss
// frames rather than block the reader. Call the returned func to unsubscribe.
func (s *Source) Subscribe() (<-chan Frame, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Frame, 1)
	s.subscribers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

// Set is a name-indexed group of sources.
type Set map[string]*Source

// LatestFrame returns the latest frame of the named camera.
func (s Set) LatestFrame(camera string) (Frame, bool) {
	src, ok := s[camera]
	if !ok {
		return Frame{}, false
	}
	return src.Latest()
}

// SourceStatus summarises one source for the status API.
type SourceStatus struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	Healthy    bool      `json:"healthy"`
	Reconnects int64     `json:"reconnects"`
	LastFrame  time.Time `json:"last_frame"`
}

// Status returns the state of every source, ordered by name.
func (s Set) Status() []SourceStatus {
	out := make([]SourceStatus, 0, len(s))
	for name, src := range s {
		st := SourceStatus{Name: name, Connected: src.Connected(), Healthy: src.Healthy(), Reconnects: src.Reconnects()}
		if f, ok := src.Latest(); ok {
			st.LastFrame = f.At
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
