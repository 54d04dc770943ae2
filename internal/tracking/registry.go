// Package tracking holds the per-entity state of the tracking-to-checkout
// engine. A Registry is owned by exactly one goroutine; nothing in it is
// safe for concurrent use.
package tracking

import (
	"sort"
	"time"

	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/zone"
)

// Binding links an entity to a real user.
type Binding struct {
	UserID      string
	DisplayName string
}

// Entity is one tracked person.
type Entity struct {
	ID  int
	Box [4]int

	// Zone is the last resolved zone name, empty when Unassigned.
	Zone     string
	Identity *Binding
	Cart     cart.Ledger

	// Baselines holds the item labels captured on Enter, keyed by zone name.
	Baselines map[string][]string

	FirstSeen time.Time
	LastSeen  time.Time
}

// Center returns the integer center of the entity's bounding box.
func (e *Entity) Center() zone.Point {
	return BoxCenter(e.Box)
}

// BoxCenter returns ((x1+x2)/2, (y1+y2)/2) using integer division.
func BoxCenter(b [4]int) zone.Point {
	return zone.Point{X: (b[0] + b[2]) / 2, Y: (b[1] + b[3]) / 2}
}

// Registry is the single owner of all per-entity state.
type Registry struct {
	entities map[int]*Entity
	active   []int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[int]*Entity)}
}

// Observe records a sighting of id, creating the entity on first sight.
func (r *Registry) Observe(id int, box [4]int, now time.Time) (*Entity, bool) {
	e, ok := r.entities[id]
	if !ok {
		e = &Entity{ID: id, FirstSeen: now, Baselines: make(map[string][]string)}
		r.entities[id] = e
	}
	e.Box = box
	e.LastSeen = now
	return e, !ok
}

// Get returns the entity for id.
func (r *Registry) Get(id int) (*Entity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Advance replaces the active id set with current and returns the ids that
// were active in the previous frame but are absent now, in ascending order.
func (r *Registry) Advance(current []int) []int {
	departed := Departed(r.active, current)
	r.active = dedupSorted(current)
	return departed
}

// Active returns the ids of the most recent frame, ascending.
func (r *Registry) Active() []int {
	return append([]int(nil), r.active...)
}

// Purge removes id and everything recorded for it and returns the removed
// entity, or nil when id is unknown.
func (r *Registry) Purge(id int) *Entity {
	e, ok := r.entities[id]
	if !ok {
		return nil
	}
	delete(r.entities, id)
	return e
}

// Len returns the number of entities held.
func (r *Registry) Len() int { return len(r.entities) }

// Entities returns the held entities ordered by id. The pointers are live;
// callers on other goroutines must copy what they need first.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Departed returns ids present in prev and absent from current, ascending.
func Departed(prev, current []int) []int {
	now := make(map[int]bool, len(current))
	for _, id := range current {
		now[id] = true
	}
	var out []int
	for _, id := range dedupSorted(prev) {
		if !now[id] {
			out = append(out, id)
		}
	}
	return out
}

func dedupSorted(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	out := append([]int(nil), ids...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
