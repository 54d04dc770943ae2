package pipeline

import (
	"slices"
	"time"

	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/tracking"
	"github.com/banshee-data/tablepick/internal/zone"
)

// Status is an immutable snapshot published after every loop iteration.
// Readers must not modify it.
type Status struct {
	Frame       uint64         `json:"frame"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastFrameAt time.Time      `json:"last_frame_at"`
	Selected    *int           `json:"selected,omitempty"`
	Entities    []EntityStatus `json:"entities"`
	Zones       []ZoneStatus   `json:"zones"`
	Counters    Counters       `json:"counters"`
}

// EntityStatus is one tracked person as seen in the latest frame.
type EntityStatus struct {
	ID        int             `json:"id"`
	Box       [4]int          `json:"box"`
	Zone      string          `json:"zone,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Items     []cart.LineItem `json:"items"`
	Baselines []string        `json:"baselines,omitempty"`
	FirstSeen time.Time       `json:"first_seen"`
}

// ZoneStatus describes a zone and who most recently left it. LatestOccupant
// is the leaver's user id, or its track id when it was never linked.
type ZoneStatus struct {
	Name           string    `json:"name"`
	Camera         string    `json:"camera"`
	Rect           zone.Rect `json:"rect"`
	Margin         int       `json:"margin"`
	LatestOccupant string    `json:"latest_occupant,omitempty"`
}

// Counters are running totals since start.
type Counters struct {
	Frames          uint64 `json:"frames"`
	NoResult        uint64 `json:"no_result"`
	MissingItems    uint64 `json:"missing_items"`
	InvoicesQueued  uint64 `json:"invoices_queued"`
	Unlinked        uint64 `json:"unlinked"`
	OutboxHeld      int    `json:"outbox_held"`
	PayloadsBound   uint64 `json:"payloads_bound"`
	PayloadsSkipped uint64 `json:"payloads_skipped"`
}

func (o *Orchestrator) snapshot(now time.Time) *Status {
	st := &Status{
		Frame:       o.frame,
		UpdatedAt:   now,
		LastFrameAt: o.lastFrameAt,
		Counters:    o.counters,
	}
	st.Counters.OutboxHeld = o.flusher.Pending()
	if id, ok := o.linker.Selected(); ok {
		st.Selected = &id
	}

	entities := o.registry.Entities()
	st.Entities = make([]EntityStatus, 0, len(entities))
	for _, e := range entities {
		st.Entities = append(st.Entities, entityStatus(e))
	}

	for _, z := range o.resolver.Zones() {
		st.Zones = append(st.Zones, ZoneStatus{
			Name:           z.Name,
			Camera:         z.Camera,
			Rect:           z.Rect,
			Margin:         z.Margin,
			LatestOccupant: o.occupants[z.Name],
		})
	}
	return st
}

func entityStatus(e *tracking.Entity) EntityStatus {
	es := EntityStatus{
		ID:        e.ID,
		Box:       e.Box,
		Zone:      e.Zone,
		Items:     e.Cart.Items(),
		FirstSeen: e.FirstSeen,
	}
	if es.Items == nil {
		es.Items = []cart.LineItem{}
	}
	if e.Identity != nil {
		es.UserID = e.Identity.UserID
	}
	for name := range e.Baselines {
		es.Baselines = append(es.Baselines, name)
	}
	slices.Sort(es.Baselines)
	return es
}

func cartViews(entities []*tracking.Entity, now time.Time) []cart.View {
	views := make([]cart.View, 0, len(entities))
	for _, e := range entities {
		v := cart.View{EntityID: e.ID, Zone: e.Zone, Items: e.Cart.Items(), UpdatedAt: now}
		if e.Identity != nil {
			v.UserID = e.Identity.UserID
		}
		views = append(views, v)
	}
	return views
}
