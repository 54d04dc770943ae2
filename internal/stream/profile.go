// Package stream owns camera connections: it opens them, reads frames,
// watches for stalls and reconnects.
package stream

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrStalled is returned when no frame arrives within the stall timeout.
	ErrStalled = errors.New("stream stalled")
	// ErrUnopenable is returned when a stream cannot be opened.
	ErrUnopenable = errors.New("stream unopenable")
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("capturer closed")
)

const (
	DefaultStallTimeout   = 2 * time.Second
	DefaultReconnectDelay = 250 * time.Millisecond
	DefaultOpenRetryDelay = 300 * time.Millisecond
	DefaultSocketTimeout  = 5 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

// Profile describes how to reach one camera and how hard to try.
type Profile struct {
	Name string
	// URL is a network address (rtsp://, http://...). When empty, Device is
	// used as a local device index.
	URL    string
	Device int

	ForceTCP       bool
	StallTimeout   time.Duration
	ReconnectDelay time.Duration
	OpenRetryDelay time.Duration
	// SocketTimeout bounds a single network read inside the decoder.
	SocketTimeout time.Duration
	// PollInterval is the snapshot period for http(s) cameras.
	PollInterval time.Duration
}

// Normalize fills zero durations with defaults.
func (p *Profile) Normalize() {
	if p.StallTimeout <= 0 {
		p.StallTimeout = DefaultStallTimeout
	}
	if p.ReconnectDelay <= 0 {
		p.ReconnectDelay = DefaultReconnectDelay
	}
	if p.OpenRetryDelay <= 0 {
		p.OpenRetryDelay = DefaultOpenRetryDelay
	}
	if p.SocketTimeout <= 0 {
		p.SocketTimeout = DefaultSocketTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
}

// Validate checks the profile after Normalize.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("stream name is required")
	}
	if p.URL == "" {
		if p.Device < 0 {
			return fmt.Errorf("stream %s: device index must be >= 0", p.Name)
		}
		return nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("stream %s: %w", p.Name, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("stream %s: url %q has no scheme", p.Name, p.URL)
	}
	return nil
}

// Address returns the URL, or the device index as a string.
func (p Profile) Address() string {
	if p.URL != "" {
		return p.URL
	}
	return strconv.Itoa(p.Device)
}

// IsSnapshot reports whether the camera is polled over http(s).
func (p Profile) IsSnapshot() bool {
	return strings.HasPrefix(p.URL, "http://") || strings.HasPrefix(p.URL, "https://")
}

// FFmpegOptions returns the capture options string understood by OpenCV's
// FFmpeg backend: TCP transport for RTSP plus a socket timeout in
// microseconds.
func (p Profile) FFmpegOptions() string {
	var opts []string
	if p.ForceTCP && strings.HasPrefix(p.URL, "rtsp") {
		opts = append(opts, "rtsp_transport;tcp")
	}
	if p.SocketTimeout > 0 {
		opts = append(opts, "stimeout;"+strconv.FormatInt(p.SocketTimeout.Microseconds(), 10))
	}
	return strings.Join(opts, "|")
}
