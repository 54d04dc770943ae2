package perception

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UDPConfig configures a UDPSource.
type UDPConfig struct {
	Address string
	RcvBuf  int
	// Wait bounds how long Next blocks before reporting ErrNoResult.
	Wait time.Duration
	// Queue is the number of parsed results buffered between the socket
	// reader and Next.
	Queue int
}

// UDPSource receives one JSON tracking result per datagram.
type UDPSource struct {
	cfg     UDPConfig
	conn    *net.UDPConn
	results chan FrameResult

	received  atomic.Int64
	malformed atomic.Int64
	dropped   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenUDP binds the socket and starts the reader. It fails fast when the
// address cannot be bound.
func ListenUDP(ctx context.Context, cfg UDPConfig) (*UDPSource, error) {
	if cfg.Wait <= 0 {
		cfg.Wait = 100 * time.Millisecond
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 64
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			opsf("failed to set UDP receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &UDPSource{cfg: cfg, conn: conn, results: make(chan FrameResult, cfg.Queue), cancel: cancel}
	s.wg.Add(1)
	go s.readLoop(ctx)
	diagf("tracking listener started on %s", conn.LocalAddr())
	return s, nil
}

// LocalAddr returns the bound address.
func (s *UDPSource) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *UDPSource) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			opsf("UDP read error: %v", err)
			continue
		}
		s.received.Add(1)
		res, err := ParseResult(buf[:n])
		if err != nil {
			s.malformed.Add(1)
			opsf("dropping datagram from %v: %v", from, err)
			continue
		}
		select {
		case s.results <- res:
		default:
			s.dropped.Add(1)
			opsf("tracking queue full, dropped frame %d", res.Frame)
		}
	}
}

// Next waits up to the configured wait for the next result.
func (s *UDPSource) Next(ctx context.Context) (FrameResult, error) {
	timer := time.NewTimer(s.cfg.Wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return FrameResult{}, ctx.Err()
	case res := <-s.results:
		return res, nil
	case <-timer.C:
		return FrameResult{}, ErrNoResult
	}
}

// Stats returns received, malformed and dropped datagram counts.
func (s *UDPSource) Stats() (received, malformed, dropped int64) {
	return s.received.Load(), s.malformed.Load(), s.dropped.Load()
}

// Close stops the reader and closes the socket.
func (s *UDPSource) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
