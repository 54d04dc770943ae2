//go:build !gocv

package perception

// QRDecoder is unavailable in this build.
type QRDecoder struct{}

// NewQRDecoder always fails in builds without gocv. Use a serial scanner
// instead.
func NewQRDecoder() (*QRDecoder, error) {
	return nil, ErrNoQRDecoder
}

func (q *QRDecoder) Decode([]byte) ([]Decoded, error) { return nil, ErrNoQRDecoder }

func (q *QRDecoder) Close() error { return nil }
