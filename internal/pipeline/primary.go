package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tablepick/internal/perception"
	"github.com/banshee-data/tablepick/internal/timeutil"
)

// ErrPrimaryUnavailable means the tracking source could not be opened
// before the startup deadline. It is the one fatal startup condition.
var ErrPrimaryUnavailable = errors.New("primary tracking source unavailable")

// PrimaryConfig selects the tracking source. A non-empty PCAP.Path replays
// a capture; otherwise results are received live over UDP.
type PrimaryConfig struct {
	UDP            perception.UDPConfig
	PCAP           perception.PCAPConfig
	StartupTimeout time.Duration
	RetryDelay     time.Duration
	Clock          timeutil.Clock
}

// OpenPrimary opens the tracking source, retrying until StartupTimeout.
func OpenPrimary(ctx context.Context, cfg PrimaryConfig) (perception.TrackingSource, error) {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 300 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	deadline := cfg.Clock.Now().Add(cfg.StartupTimeout)

	attempts := 0
	for {
		attempts++
		src, err := openOnce(ctx, cfg)
		if err == nil {
			if attempts > 1 {
				diagf("tracking source opened after %d attempts", attempts)
			}
			return src, nil
		}
		if cfg.Clock.Now().Add(cfg.RetryDelay).After(deadline) {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrPrimaryUnavailable, attempts, err)
		}
		opsf("open tracking source (attempt %d): %v", attempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cfg.Clock.After(cfg.RetryDelay):
		}
	}
}

func openOnce(ctx context.Context, cfg PrimaryConfig) (perception.TrackingSource, error) {
	if cfg.PCAP.Path != "" {
		if cfg.PCAP.Clock == nil {
			cfg.PCAP.Clock = cfg.Clock
		}
		return perception.OpenPCAP(cfg.PCAP)
	}
	return perception.ListenUDP(ctx, cfg.UDP)
}
