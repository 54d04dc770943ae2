// Package inventory infers taken items by diffing per-zone label snapshots
// captured when a tracked entity enters and exits a zone.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/tablepick/internal/tracking"
	"github.com/banshee-data/tablepick/internal/zone"
)

// Reconcile returns the baseline occurrences that have no counterpart in
// current. Each baseline label consumes at most one matching occurrence from
// current; the result keeps baseline order and duplicate counts. Labels only
// present in current are ignored.
func Reconcile(baseline, current []string) []string {
	remaining := make(map[string]int, len(current))
	for _, label := range current {
		remaining[label]++
	}
	var missing []string
	for _, label := range baseline {
		if remaining[label] > 0 {
			remaining[label]--
			continue
		}
		missing = append(missing, label)
	}
	return missing
}

// Snapshotter returns the item labels currently visible to a camera.
type Snapshotter interface {
	Snapshot(ctx context.Context, camera string) ([]string, error)
}

// ErrSnapshot wraps a failed item query.
var ErrSnapshot = errors.New("item snapshot failed")

// Reconciler stores baselines on Enter and bills missing items on Exit.
// Baselines live on the entity so purging the entity discards them.
type Reconciler struct {
	items Snapshotter
}

// NewReconciler returns a Reconciler querying items.
func NewReconciler(items Snapshotter) *Reconciler {
	return &Reconciler{items: items}
}

// OnEnter captures the baseline for (e, z). A failed query leaves no
// baseline, so the matching Exit bills nothing.
func (r *Reconciler) OnEnter(ctx context.Context, e *tracking.Entity, z zone.Zone) error {
	labels, err := r.items.Snapshot(ctx, z.Camera)
	if err != nil {
		delete(e.Baselines, z.Name)
		return fmt.Errorf("%w: enter %s camera %s: %v", ErrSnapshot, z.Name, z.Camera, err)
	}
	e.Baselines[z.Name] = append([]string(nil), labels...)
	tracef("entity %d baseline %s: %v", e.ID, z.Name, labels)
	return nil
}

// OnExit consumes the baseline for (e, z), appends one line item per missing
// occurrence to the entity's cart and returns the missing labels. The
// baseline is removed whatever the outcome. A failed query bills nothing.
func (r *Reconciler) OnExit(ctx context.Context, e *tracking.Entity, z zone.Zone) ([]string, error) {
	baseline, ok := e.Baselines[z.Name]
	delete(e.Baselines, z.Name)
	if !ok {
		diagf("entity %d exit %s without baseline", e.ID, z.Name)
		return nil, nil
	}
	current, err := r.items.Snapshot(ctx, z.Camera)
	if err != nil {
		return nil, fmt.Errorf("%w: exit %s camera %s: %v", ErrSnapshot, z.Name, z.Camera, err)
	}
	missing := Reconcile(baseline, current)
	if len(missing) > 0 {
		e.Cart.AddMissing(missing)
		diagf("entity %d took %v from %s", e.ID, missing, z.Name)
	}
	return missing, nil
}
