//go:build gocv

package stream

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// openVideo opens a local device or network stream through OpenCV.
func openVideo(_ context.Context, p Profile) (Capturer, error) {
	if opts := p.FFmpegOptions(); opts != "" {
		// Read by OpenCV's FFmpeg backend at open time.
		if err := os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", opts); err != nil {
			return nil, err
		}
	}
	var target interface{} = p.URL
	if p.URL == "" {
		target = p.Device
	}
	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnopenable, p.Address(), err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnopenable, p.Address())
	}
	// Keep only the newest decoded frame so a slow reader sees live video.
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	return &videoCapturer{vc: vc, mat: gocv.NewMat()}, nil
}

type videoCapturer struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

func (c *videoCapturer) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// Close releases the capture. OpenCV reads cannot be interrupted, so a Read
// in progress finishes first; the stall watchdog has already given up on it.
func (c *videoCapturer) Close() error {
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.closed = true
		c.mat.Close()
		c.vc.Close()
	}()
	return nil
}
