// Package zone assigns tracked points to named rectangular zones and turns
// changes in that assignment into Enter/Exit events.
package zone

import "fmt"

// Point is a pixel coordinate in the tracking camera's frame.
type Point struct {
	X, Y int
}

// Rect is an axis-aligned rectangle with inclusive bounds.
type Rect struct {
	X1, Y1, X2, Y2 int
}

// Contains reports whether p lies inside r expanded by margin on every side.
func (r Rect) Contains(p Point, margin int) bool {
	return p.X >= r.X1-margin && p.X <= r.X2+margin &&
		p.Y >= r.Y1-margin && p.Y <= r.Y2+margin
}

// Center returns the undilated center of r.
func (r Rect) Center() (float64, float64) {
	return float64(r.X1+r.X2) / 2, float64(r.Y1+r.Y2) / 2
}

// Zone is a named region watched by one camera.
type Zone struct {
	Name   string
	Rect   Rect
	Margin int
	Camera string
}

// Resolver maps points to zones. Zones keep their declaration order, which
// decides ties.
type Resolver struct {
	zones []Zone
}

// NewResolver validates and stores zones in declaration order.
func NewResolver(zones []Zone) (*Resolver, error) {
	seen := make(map[string]bool, len(zones))
	for _, z := range zones {
		if z.Name == "" {
			return nil, fmt.Errorf("zone with empty name")
		}
		if seen[z.Name] {
			return nil, fmt.Errorf("duplicate zone %q", z.Name)
		}
		if z.Rect.X2 < z.Rect.X1 || z.Rect.Y2 < z.Rect.Y1 {
			return nil, fmt.Errorf("zone %q: inverted rectangle %+v", z.Name, z.Rect)
		}
		if z.Margin < 0 {
			return nil, fmt.Errorf("zone %q: negative margin %d", z.Name, z.Margin)
		}
		seen[z.Name] = true
	}
	return &Resolver{zones: append([]Zone(nil), zones...)}, nil
}

// Zones returns the declared zones.
func (r *Resolver) Zones() []Zone {
	return append([]Zone(nil), r.zones...)
}

// Lookup returns the zone with the given name.
func (r *Resolver) Lookup(name string) (Zone, bool) {
	for _, z := range r.zones {
		if z.Name == name {
			return z, true
		}
	}
	return Zone{}, false
}

// Resolve returns the zone for p, or nil when p is outside every dilated
// rectangle. When several dilated rectangles contain p the one with the
// nearest undilated center wins; equal distances keep the earlier zone.
func (r *Resolver) Resolve(p Point) *Zone {
	var best *Zone
	var bestDist float64
	for i := range r.zones {
		z := &r.zones[i]
		if !z.Rect.Contains(p, z.Margin) {
			continue
		}
		cx, cy := z.Rect.Center()
		dx, dy := float64(p.X)-cx, float64(p.Y)-cy
		d := dx*dx + dy*dy
		if best == nil || d < bestDist {
			best, bestDist = z, d
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
