package perception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/banshee-data/tablepick/internal/httputil"
	"github.com/banshee-data/tablepick/internal/stream"
	"github.com/banshee-data/tablepick/internal/timeutil"
)

// ErrNoFrame is returned when a camera has no frame recent enough to use.
var ErrNoFrame = errors.New("no recent frame")

// ItemDetector posts a JPEG to the item-detection service and returns one
// label per detected instance.
type ItemDetector struct {
	client httputil.HTTPClient
	url    string
}

// ItemDetectorConfig configures an ItemDetector.
type ItemDetectorConfig struct {
	URL        string
	Confidence float64
	IoU        float64
}

// NewItemDetector returns a detector posting to cfg.URL with conf and iou
// passed as query parameters.
func NewItemDetector(client httputil.HTTPClient, cfg ItemDetectorConfig) (*ItemDetector, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("item detector url: %w", err)
	}
	q := u.Query()
	if cfg.Confidence > 0 {
		q.Set("conf", strconv.FormatFloat(cfg.Confidence, 'f', -1, 64))
	}
	if cfg.IoU > 0 {
		q.Set("iou", strconv.FormatFloat(cfg.IoU, 'f', -1, 64))
	}
	u.RawQuery = q.Encode()
	return &ItemDetector{client: client, url: u.String()}, nil
}

// Detect returns the item labels found in jpeg.
func (d *ItemDetector) Detect(ctx context.Context, jpeg []byte) ([]string, error) {
	status, body, err := httputil.Post(ctx, d.client, d.url, "image/jpeg", jpeg, nil)
	if err != nil {
		return nil, fmt.Errorf("item detector: %w", err)
	}
	if !httputil.IsSuccess(status) {
		return nil, fmt.Errorf("item detector returned %d", status)
	}
	var resp struct {
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("item detector response: %w", err)
	}
	return resp.Labels, nil
}

// FrameLookup returns the latest frame of a camera.
type FrameLookup interface {
	LatestFrame(camera string) (stream.Frame, bool)
}

// CameraItems answers item snapshots from the latest frame of each zone
// camera.
type CameraItems struct {
	frames   FrameLookup
	detector *ItemDetector
	clock    timeutil.Clock
	maxAge   time.Duration
}

// NewCameraItems returns a snapshotter refusing frames older than maxAge.
func NewCameraItems(frames FrameLookup, detector *ItemDetector, clock timeutil.Clock, maxAge time.Duration) *CameraItems {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &CameraItems{frames: frames, detector: detector, clock: clock, maxAge: maxAge}
}

// Snapshot returns the labels visible to camera right now.
func (c *CameraItems) Snapshot(ctx context.Context, camera string) ([]string, error) {
	f, ok := c.frames.LatestFrame(camera)
	if !ok {
		return nil, fmt.Errorf("%w: camera %s", ErrNoFrame, camera)
	}
	if c.maxAge > 0 {
		if age := c.clock.Since(f.At); age > c.maxAge {
			return nil, fmt.Errorf("%w: camera %s frame is %v old", ErrNoFrame, camera, age)
		}
	}
	labels, err := c.detector.Detect(ctx, f.JPEG)
	if err != nil {
		return nil, err
	}
	tracef("camera %s frame %d: %v", camera, f.Seq, labels)
	return labels, nil
}
