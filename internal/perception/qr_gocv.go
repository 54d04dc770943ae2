//go:build gocv

package perception

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// QRDecoder decodes QR codes with OpenCV.
type QRDecoder struct {
	detector gocv.QRCodeDetector
}

// NewQRDecoder returns an OpenCV-backed decoder.
func NewQRDecoder() (*QRDecoder, error) {
	return &QRDecoder{detector: gocv.NewQRCodeDetector()}, nil
}

func (q *QRDecoder) Decode(jpeg []byte) ([]Decoded, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	points := gocv.NewMat()
	defer points.Close()
	straight := gocv.NewMat()
	defer straight.Close()

	text := q.detector.DetectAndDecode(img, &points, &straight)
	if text == "" {
		return nil, nil
	}
	var poly []image.Point
	for i := 0; i < points.Cols(); i++ {
		v := points.GetVecfAt(0, i)
		if len(v) >= 2 {
			poly = append(poly, image.Pt(int(v[0]), int(v[1])))
		}
	}
	return []Decoded{{Text: text, Polygon: poly}}, nil
}

// Close releases the detector.
func (q *QRDecoder) Close() error {
	return q.detector.Close()
}
