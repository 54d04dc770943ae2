// Package perception adapts the external detection, tracking, item-detection
// and code-decoding collaborators to the engine's types.
package perception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoResult means no tracking result arrived for this iteration.
	ErrNoResult = errors.New("no tracking result")
	// ErrEndOfStream means a finite source (a replay) is exhausted.
	ErrEndOfStream = errors.New("end of tracking stream")
)

// Detection is one tracked object in a frame.
type Detection struct {
	ID    int    `json:"id"`
	Box   [4]int `json:"box"`
	Class int    `json:"class"`
}

// FrameResult is the tracker's output for one frame. An empty Detections
// slice is a real frame in which nothing was seen.
type FrameResult struct {
	Frame      uint64      `json:"frame"`
	Detections []Detection `json:"detections"`
}

// TrackingSource yields tracking results in frame order.
type TrackingSource interface {
	// Next returns the next result, ErrNoResult when none arrived in time,
	// or ErrEndOfStream when the source is finished.
	Next(ctx context.Context) (FrameResult, error)
	Close() error
}

// ParseResult decodes one JSON-encoded result. The detections field must be
// present; a datagram without it is malformed rather than an empty frame.
func ParseResult(data []byte) (FrameResult, error) {
	var raw struct {
		Frame      uint64       `json:"frame"`
		Detections *[]Detection `json:"detections"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return FrameResult{}, fmt.Errorf("decode tracking result: %w", err)
	}
	if raw.Detections == nil {
		return FrameResult{}, fmt.Errorf("decode tracking result: missing detections")
	}
	res := FrameResult{Frame: raw.Frame, Detections: *raw.Detections}
	for _, d := range res.Detections {
		if d.Box[2] < d.Box[0] || d.Box[3] < d.Box[1] {
			return FrameResult{}, fmt.Errorf("decode tracking result: entity %d has inverted box %v", d.ID, d.Box)
		}
	}
	return res, nil
}

// FilterClass returns the detections of the given class. When several
// detections share an id the last one wins.
func FilterClass(dets []Detection, class int) []Detection {
	out := make([]Detection, 0, len(dets))
	index := make(map[int]int, len(dets))
	for _, d := range dets {
		if d.Class != class {
			continue
		}
		if i, ok := index[d.ID]; ok {
			out[i] = d
			continue
		}
		index[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}
