package perception

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/tablepick/internal/timeutil"
)

// packetReader is satisfied by pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PCAPSource replays tracking results captured off the wire. Only UDP
// packets to Port are used. With Realtime set, packets are released with
// their original spacing.
type PCAPSource struct {
	file     *os.File
	reader   packetReader
	port     uint16
	realtime bool
	clock    timeutil.Clock

	lastTS  time.Time
	packets int
	results int
}

// PCAPConfig configures a PCAPSource.
type PCAPConfig struct {
	Path     string
	Port     uint16
	Realtime bool
	Clock    timeutil.Clock
}

// OpenPCAP opens a pcap or pcapng file.
func OpenPCAP(cfg PCAPConfig) (*PCAPSource, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	r, err := newPacketReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP file %s: %w", cfg.Path, err)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	diagf("replaying %s (udp port %d, realtime=%v)", cfg.Path, cfg.Port, cfg.Realtime)
	return &PCAPSource{file: f, reader: r, port: cfg.Port, realtime: cfg.Realtime, clock: cfg.Clock}, nil
}

func newPacketReader(f *os.File) (packetReader, error) {
	if r, err := pcapgo.NewReader(f); err == nil {
		return r, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
}

// Next returns the next tracking result in the capture.
func (s *PCAPSource) Next(ctx context.Context) (FrameResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return FrameResult{}, err
		}
		data, ci, err := s.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			diagf("PCAP replay complete: %d packets, %d results", s.packets, s.results)
			return FrameResult{}, ErrEndOfStream
		}
		if err != nil {
			return FrameResult{}, fmt.Errorf("read packet: %w", err)
		}
		s.packets++

		packet := gopacket.NewPacket(data, s.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || uint16(udp.DstPort) != s.port || len(udp.Payload) == 0 {
			continue
		}
		res, err := ParseResult(udp.Payload)
		if err != nil {
			opsf("PCAP packet %d: %v", s.packets, err)
			continue
		}
		if err := s.pace(ctx, ci.Timestamp); err != nil {
			return FrameResult{}, err
		}
		s.results++
		return res, nil
	}
}

func (s *PCAPSource) pace(ctx context.Context, ts time.Time) error {
	defer func() { s.lastTS = ts }()
	if !s.realtime || s.lastTS.IsZero() {
		return nil
	}
	gap := ts.Sub(s.lastTS)
	if gap <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(gap):
		return nil
	}
}

// Close closes the capture file.
func (s *PCAPSource) Close() error {
	return s.file.Close()
}
