package perception

import (
	"context"
	"errors"
	"image"
	"strings"

	"github.com/banshee-data/tablepick/internal/stream"
)

// ErrNoQRDecoder is returned when the binary was built without gocv.
var ErrNoQRDecoder = errors.New("QR decoding requires the gocv build tag")

// Decoded is one code found in a frame.
type Decoded struct {
	Text    string
	Polygon []image.Point
}

// Decoder finds codes in a JPEG frame.
type Decoder interface {
	Decode(jpeg []byte) ([]Decoded, error)
}

// DecodeWorker runs a Decoder on every frame from a camera and forwards
// every non-empty payload. A code held in front of the camera is sent once
// per frame; the linker decides which repeats bind.
type DecodeWorker struct {
	decoder Decoder
	out     chan<- string
}

// NewDecodeWorker returns a worker sending payloads to out.
func NewDecodeWorker(d Decoder, out chan<- string) *DecodeWorker {
	return &DecodeWorker{decoder: d, out: out}
}

// Run decodes frames until ctx is done or frames closes.
func (w *DecodeWorker) Run(ctx context.Context, frames <-chan stream.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			w.handle(ctx, f)
		}
	}
}

func (w *DecodeWorker) handle(ctx context.Context, f stream.Frame) {
	codes, err := w.decoder.Decode(f.JPEG)
	if err != nil {
		tracef("decode %s frame %d: %v", f.Camera, f.Seq, err)
		return
	}
	for _, c := range codes {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		select {
		case w.out <- text:
			tracef("decoded payload from %s frame %d", f.Camera, f.Seq)
		case <-ctx.Done():
			return
		}
	}
}
