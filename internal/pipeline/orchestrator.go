// Package pipeline runs the per-frame loop that turns tracking results into
// zone events, inferred carts and checkout submissions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/checkout"
	"github.com/banshee-data/tablepick/internal/identity"
	"github.com/banshee-data/tablepick/internal/inventory"
	"github.com/banshee-data/tablepick/internal/monitoring"
	"github.com/banshee-data/tablepick/internal/perception"
	"github.com/banshee-data/tablepick/internal/timeutil"
	"github.com/banshee-data/tablepick/internal/tracking"
	"github.com/banshee-data/tablepick/internal/zone"
)

var (
	// ErrUnknownEntity is returned when selecting an id that is not tracked.
	ErrUnknownEntity = errors.New("entity not tracked")
	// ErrNoEntities is returned when selecting by point with nobody in view.
	ErrNoEntities = errors.New("no entities in view")
)

// Config holds the orchestrator's collaborators.
type Config struct {
	Source   perception.TrackingSource
	Resolver *zone.Resolver
	Items    inventory.Snapshotter
	// Outbox receives invoice jobs and checkout events for the Dispatcher.
	Outbox chan<- checkout.Outbound
	// Overflow receives outbox messages still held when Run returns. When
	// nil they are logged as lost.
	Overflow Shelver
	// Views, when set, receives a copy of every live cart after each frame.
	// Sends never block; a full channel drops the update.
	Views       chan<- []cart.View
	Metrics     *monitoring.Metrics
	Clock       timeutil.Clock
	PersonClass int
}

// Shelver stores checkout messages that could not be handed to the
// Dispatcher before the loop stopped. *checkout.Dispatcher implements it.
type Shelver interface {
	Shelve(ctx context.Context, held []checkout.Outbound)
}

type command struct {
	id    int
	point *zone.Point
	reply chan selectReply
}

type selectReply struct {
	id  int
	err error
}

// Orchestrator owns the Registry and is its only writer. Everything else
// talks to it through Select, SelectAt, Payloads and Status.
type Orchestrator struct {
	source      perception.TrackingSource
	resolver    *zone.Resolver
	registry    *tracking.Registry
	reconciler  *inventory.Reconciler
	linker      *identity.Linker
	flusher     *checkout.Flusher
	overflow    Shelver
	views       chan<- []cart.View
	metrics     *monitoring.Metrics
	clock       timeutil.Clock
	personClass int

	commands chan command
	payloads chan string
	status   atomic.Pointer[Status]

	occupants   map[string]string
	frame       uint64
	lastFrameAt time.Time
	counters    Counters
}

// New validates cfg and returns an Orchestrator ready to Run.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pipeline: tracking source is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("pipeline: zone resolver is required")
	}
	if cfg.Items == nil {
		return nil, fmt.Errorf("pipeline: item snapshotter is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("pipeline: checkout outbox is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	o := &Orchestrator{
		source:      cfg.Source,
		resolver:    cfg.Resolver,
		registry:    tracking.NewRegistry(),
		reconciler:  inventory.NewReconciler(cfg.Items),
		linker:      identity.NewLinker(),
		flusher:     checkout.NewFlusher(cfg.Outbox),
		overflow:    cfg.Overflow,
		views:       cfg.Views,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		personClass: cfg.PersonClass,
		commands:    make(chan command, 8),
		payloads:    make(chan string, 32),
		occupants:   make(map[string]string),
	}
	o.status.Store(o.snapshot(o.clock.Now()))
	return o, nil
}

// Payloads returns the channel decoders and scanners deliver payloads on.
func (o *Orchestrator) Payloads() chan<- string { return o.payloads }

// Status returns the most recently published snapshot.
func (o *Orchestrator) Status() *Status { return o.status.Load() }

// Healthy reports whether a tracking frame was processed within maxAge.
func (o *Orchestrator) Healthy(maxAge time.Duration) bool {
	st := o.status.Load()
	if st == nil || st.LastFrameAt.IsZero() {
		return false
	}
	return o.clock.Since(st.LastFrameAt) <= maxAge
}

// Select makes id the binding target for the next decoded payload. It
// blocks until the loop has applied the selection.
func (o *Orchestrator) Select(ctx context.Context, id int) (int, error) {
	return o.send(ctx, command{id: id})
}

// SelectAt selects the entity whose box center is nearest to p.
func (o *Orchestrator) SelectAt(ctx context.Context, p zone.Point) (int, error) {
	return o.send(ctx, command{point: &p})
}

func (o *Orchestrator) send(ctx context.Context, cmd command) (int, error) {
	cmd.reply = make(chan selectReply, 1)
	select {
	case o.commands <- cmd:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.id, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run steps until ctx is cancelled or the source ends, then closes the
// source. A finished replay flushes everyone still in view. Outbox messages
// still held on return are passed to the Overflow shelver.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		if err := o.source.Close(); err != nil {
			diagf("close tracking source: %v", err)
		}
		o.shelveHeld(ctx)
	}()
	diagf("orchestrator started with %d zones", len(o.resolver.Zones()))
	for {
		err := o.Step(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, perception.ErrEndOfStream):
			o.departAll()
			o.flusher.Drain()
			diagf("tracking source finished after %d frames", o.counters.Frames)
			return nil
		case ctx.Err() != nil:
			diagf("orchestrator stopping with %d entities in view", o.registry.Len())
			return nil
		default:
			return err
		}
	}
}

// Step runs one loop iteration. It returns an error only when the loop
// should stop; everything else is reported and absorbed.
func (o *Orchestrator) Step(ctx context.Context) error {
	res, err := o.source.Next(ctx)
	switch {
	case err == nil:
	case errors.Is(err, perception.ErrNoResult):
		o.metrics.DetectionUnavailable.Inc()
		o.counters.NoResult++
		o.handleCommands()
		o.flusher.Drain()
		o.publish(o.clock.Now())
		return nil
	case errors.Is(err, perception.ErrEndOfStream):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		o.reportError("tracking", err)
		o.flusher.Drain()
		return nil
	}

	now := o.clock.Now()
	o.frame = res.Frame
	o.lastFrameAt = now

	people := perception.FilterClass(res.Detections, o.personClass)
	current := make([]int, 0, len(people))
	for _, d := range people {
		e, created := o.registry.Observe(d.ID, d.Box, now)
		if created {
			tracef("entity %d appeared at %v", e.ID, d.Box)
		}
		current = append(current, d.ID)
		o.updateZone(ctx, e)
	}

	o.handleCommands()
	o.handlePayloads()

	departed := o.registry.Advance(current)
	o.flush(departed, now)

	o.counters.Frames++
	o.metrics.FramesProcessed.Inc()
	o.metrics.ActiveEntities.Set(float64(len(current)))
	o.publish(now)
	return nil
}

func (o *Orchestrator) updateZone(ctx context.Context, e *tracking.Entity) {
	next := ""
	if z := o.resolver.Resolve(e.Center()); z != nil {
		next = z.Name
	}
	events := zone.Transition(e.Zone, next)
	e.Zone = next
	for _, ev := range events {
		o.metrics.ZoneEvents.WithLabelValues(ev.Zone, ev.Kind.String()).Inc()
		z, ok := o.resolver.Lookup(ev.Zone)
		if !ok {
			continue
		}
		switch ev.Kind {
		case zone.Exit:
			o.occupants[ev.Zone] = occupantName(e)
			missing, err := o.reconciler.OnExit(ctx, e, z)
			if err != nil {
				o.reportError("inventory", err)
				continue
			}
			o.metrics.MissingItems.Add(float64(len(missing)))
			o.counters.MissingItems += uint64(len(missing))
			diagf("entity %d exit %s", e.ID, ev.Zone)
		case zone.Enter:
			diagf("entity %d enter %s", e.ID, ev.Zone)
			if err := o.reconciler.OnEnter(ctx, e, z); err != nil {
				o.reportError("inventory", err)
			}
		}
	}
}

func occupantName(e *tracking.Entity) string {
	if e.Identity != nil {
		return e.Identity.UserID
	}
	return strconv.Itoa(e.ID)
}

func (o *Orchestrator) handleCommands() {
	for {
		select {
		case cmd := <-o.commands:
			cmd.reply <- o.apply(cmd)
		default:
			return
		}
	}
}

func (o *Orchestrator) apply(cmd command) selectReply {
	if cmd.point != nil {
		id, ok := o.linker.SelectNearest(*cmd.point, o.registry.Entities())
		if !ok {
			return selectReply{err: ErrNoEntities}
		}
		return selectReply{id: id}
	}
	if _, ok := o.registry.Get(cmd.id); !ok {
		return selectReply{id: cmd.id, err: fmt.Errorf("%w: %d", ErrUnknownEntity, cmd.id)}
	}
	o.linker.Select(cmd.id)
	return selectReply{id: cmd.id}
}

func (o *Orchestrator) handlePayloads() {
	for {
		select {
		case payload := <-o.payloads:
			id, err := o.linker.OnDecoded(o.registry, payload)
			switch {
			case err == nil:
				o.counters.PayloadsBound++
				diagf("payload bound to entity %d", id)
			case errors.Is(err, identity.ErrAlreadyAccepted):
				o.counters.PayloadsSkipped++
				tracef("payload %q already accepted", payload)
			default:
				o.counters.PayloadsSkipped++
				o.reportError("identity", err)
			}
		default:
			return
		}
	}
}

// flush settles departures. It runs every frame so held outbox messages
// are retried even when nobody leaves.
func (o *Orchestrator) flush(departed []int, now time.Time) {
	if len(departed) == 0 {
		o.flusher.Drain()
		return
	}
	for _, out := range o.flusher.Flush(o.registry, o.linker, departed, now) {
		switch out.Kind {
		case checkout.OutcomeQueued:
			o.counters.InvoicesQueued++
			o.metrics.Invoices.WithLabelValues("queued").Inc()
			diagf("entity %d checked out as %q: invoice %s with %d items",
				out.EntityID, out.Invoice.UserID, out.Key, out.Invoice.TotalQuantity())
		case checkout.OutcomeUnlinked:
			o.counters.Unlinked++
			o.reportError("unlinked", out.Err)
		case checkout.OutcomeInvalid:
			o.reportError("invoice", out.Err)
		case checkout.OutcomeEmpty:
			tracef("entity %d left with an empty cart", out.EntityID)
		}
	}
}

func (o *Orchestrator) departAll() {
	departed := o.registry.Advance(nil)
	if len(departed) == 0 {
		return
	}
	now := o.clock.Now()
	o.flush(departed, now)
	o.metrics.ActiveEntities.Set(0)
	o.publish(now)
}

// shelveHeld hands messages the outbox never accepted to the shelver. It
// runs after the loop stopped, so the Dispatcher may no longer be reading.
func (o *Orchestrator) shelveHeld(ctx context.Context) {
	held := o.flusher.TakeHeld()
	if len(held) == 0 {
		return
	}
	if o.overflow == nil {
		for _, m := range held {
			opsf("checkout message lost at shutdown: %s", describeOutbound(m))
		}
		return
	}
	opsf("shelving %d held checkout messages", len(held))
	o.overflow.Shelve(ctx, held)
	o.publish(o.clock.Now())
}

func describeOutbound(m checkout.Outbound) string {
	switch {
	case m.Job != nil:
		return fmt.Sprintf("invoice %s for %q", m.Job.Key, m.Job.Invoice.UserID)
	case m.Event != nil:
		return fmt.Sprintf("%s event for entity %d", m.Event.Kind, m.Event.EntityID)
	}
	return "empty message"
}

func (o *Orchestrator) publish(now time.Time) {
	o.status.Store(o.snapshot(now))
	if o.views == nil {
		return
	}
	select {
	case o.views <- cartViews(o.registry.Entities(), now):
	default:
		tracef("cart projection busy, dropping update for frame %d", o.frame)
	}
}

// reportError is the single place loop errors are logged and counted.
func (o *Orchestrator) reportError(kind string, err error) {
	if err == nil {
		return
	}
	o.metrics.Errors.WithLabelValues(kind).Inc()
	switch {
	case errors.Is(err, identity.ErrNoSelection), errors.Is(err, identity.ErrAmbiguousPayload):
		diagf("%s: %v", kind, err)
	default:
		opsf("%s: %v", kind, err)
	}
}
