// Package identity binds decoded QR payloads to operator-selected entities.
package identity

import (
	"errors"
	"strings"

	"github.com/banshee-data/tablepick/internal/tracking"
	"github.com/banshee-data/tablepick/internal/zone"
)

var (
	// ErrAmbiguousPayload is returned for empty or whitespace-only payloads.
	ErrAmbiguousPayload = errors.New("ambiguous payload")
	// ErrAlreadyAccepted is returned for a payload bound earlier this session.
	ErrAlreadyAccepted = errors.New("payload already accepted")
	// ErrNoSelection is returned when no entity is selected.
	ErrNoSelection = errors.New("no entity selected")
)

// Linker holds the operator selection and the set of payloads accepted this
// session. Each payload binds at most once per session.
type Linker struct {
	selected    int
	hasSelected bool
	accepted    map[string]bool
}

// NewLinker returns a Linker with nothing selected.
func NewLinker() *Linker {
	return &Linker{accepted: make(map[string]bool)}
}

// Select makes id the binding target, replacing any earlier selection.
func (l *Linker) Select(id int) {
	l.selected = id
	l.hasSelected = true
	diagf("selected entity %d", id)
}

// SelectNearest selects the entity whose box center is closest to p and
// reports which one. Nothing changes when entities is empty.
func (l *Linker) SelectNearest(p zone.Point, entities []*tracking.Entity) (int, bool) {
	bestID, found := 0, false
	var bestDist int
	for _, e := range entities {
		c := e.Center()
		dx, dy := c.X-p.X, c.Y-p.Y
		d := dx*dx + dy*dy
		if !found || d < bestDist {
			bestID, bestDist, found = e.ID, d, true
		}
	}
	if found {
		l.Select(bestID)
	}
	return bestID, found
}

// Selected returns the current selection.
func (l *Linker) Selected() (int, bool) {
	return l.selected, l.hasSelected
}

// Forget clears the selection when it points at id.
func (l *Linker) Forget(id int) {
	if l.hasSelected && l.selected == id {
		l.hasSelected = false
		l.selected = 0
	}
}

// Accepted reports whether payload has been bound this session.
func (l *Linker) Accepted(payload string) bool {
	return l.accepted[strings.TrimSpace(payload)]
}

// OnDecoded binds payload to the selected entity in reg, using it as both
// user id and display name, and returns the bound entity id. A payload that
// arrives with nothing selected is not recorded as accepted, so a later
// scan with a selection can still bind it.
func (l *Linker) OnDecoded(reg *tracking.Registry, payload string) (int, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return 0, ErrAmbiguousPayload
	}
	if l.accepted[payload] {
		return 0, ErrAlreadyAccepted
	}
	if !l.hasSelected {
		return 0, ErrNoSelection
	}
	e, ok := reg.Get(l.selected)
	if !ok {
		return 0, ErrNoSelection
	}
	e.Identity = &tracking.Binding{UserID: payload, DisplayName: payload}
	l.accepted[payload] = true
	diagf("bound %q to entity %d", payload, e.ID)
	return e.ID, nil
}
