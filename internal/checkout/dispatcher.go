package checkout

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/tablepick/internal/monitoring"
	"github.com/banshee-data/tablepick/internal/timeutil"
)

// persistTimeout bounds store and sink writes that run after ctx ended.
const persistTimeout = 2 * time.Second

// RetryStore persists submissions that did not succeed.
type RetryStore interface {
	// SaveFailed stores job with the failure reason. Retryable jobs are
	// picked up by DuePending; the rest are kept for inspection only.
	SaveFailed(ctx context.Context, job Job, reason string, retryable bool) error
	// DuePending returns up to limit retryable jobs, oldest first.
	DuePending(ctx context.Context, limit int) ([]Job, error)
	// MarkSettled records that key was accepted by the service.
	MarkSettled(ctx context.Context, key string) error
	// MarkAttempt records another failed attempt for key.
	MarkAttempt(ctx context.Context, key string, reason string, retryable bool) error
	// CountPending returns the number of retryable jobs.
	CountPending(ctx context.Context) (int, error)
}

// Submitter posts one invoice.
type Submitter interface {
	Submit(ctx context.Context, key string, req InvoiceRequest) error
}

// Dispatcher performs the network side of checkout off the frame path. Each
// job is submitted exactly once; a failure goes to the RetryStore.
type Dispatcher struct {
	submitter Submitter
	store     RetryStore
	sink      EventSink
	metrics   *monitoring.Metrics
	clock     timeutil.Clock
}

// NewDispatcher wires a Dispatcher. store and sink may be nil.
func NewDispatcher(s Submitter, store RetryStore, sink EventSink, m *monitoring.Metrics, clock timeutil.Clock) *Dispatcher {
	if sink == nil {
		sink = LogSink{}
	}
	if m == nil {
		m = monitoring.NewMetrics(nil)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Dispatcher{submitter: s, store: store, sink: sink, metrics: m, clock: clock}
}

// Run handles messages until ctx is done or in closes. Messages still
// buffered when ctx ends are persisted as failed so they can be retried on
// the next start.
func (d *Dispatcher) Run(ctx context.Context, in <-chan Outbound) error {
	for {
		select {
		case <-ctx.Done():
			d.drain(in)
			return nil
		case o, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, o)
		}
	}
}

func (d *Dispatcher) drain(in <-chan Outbound) {
	var held []Outbound
	for {
		select {
		case o, ok := <-in:
			if !ok {
				d.Shelve(context.Background(), held)
				return
			}
			held = append(held, o)
		default:
			d.Shelve(context.Background(), held)
			return
		}
	}
}

// Shelve stores messages that will not be submitted in this run: jobs are
// persisted as retryable and events are recorded. It ignores cancellation
// of ctx so it can run during shutdown.
func (d *Dispatcher) Shelve(ctx context.Context, held []Outbound) {
	if len(held) == 0 {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	for _, o := range held {
		if o.Event != nil {
			if o.Event.Kind == EventUnlinked {
				d.metrics.UnlinkedCheckouts.Inc()
			}
			d.record(ctx, *o.Event)
		}
		if o.Job != nil {
			d.persist(ctx, *o.Job, "shutdown before submission", true)
		}
	}
	diagf("shelved %d checkout messages", len(held))
}

// detach returns a context that outlives cancellation of ctx but is still
// bounded, for bookkeeping that must finish once a submission was decided.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// Handle processes a single outbound message. Only the submission itself
// is abandoned when ctx is cancelled; recording and persisting still run.
func (d *Dispatcher) Handle(ctx context.Context, o Outbound) {
	if o.Event != nil {
		if o.Event.Kind == EventUnlinked {
			d.metrics.UnlinkedCheckouts.Inc()
		}
		rctx, cancel := detach(ctx)
		d.record(rctx, *o.Event)
		cancel()
	}
	if o.Job != nil {
		d.submit(ctx, *o.Job)
	}
}

func (d *Dispatcher) submit(ctx context.Context, job Job) {
	job.Attempts++
	err := d.submitter.Submit(ctx, job.Key, job.Invoice)
	interrupted := err != nil && ctx.Err() != nil
	ctx, cancel := detach(ctx)
	defer cancel()

	ev := Event{Key: job.Key, EntityID: job.EntityID, UserID: job.Invoice.UserID, Items: job.Invoice.Items, At: d.clock.Now()}
	if err == nil {
		d.metrics.Invoices.WithLabelValues("settled").Inc()
		ev.Kind = EventSettled
		d.record(ctx, ev)
		return
	}

	retryable := Retryable(err) || interrupted
	ev.Detail = err.Error()
	if interrupted {
		ev.Detail = "shutdown during submission: " + ev.Detail
	}
	if retryable {
		ev.Kind = EventFailed
		d.metrics.Invoices.WithLabelValues("failed").Inc()
	} else {
		ev.Kind = EventRejected
		d.metrics.Invoices.WithLabelValues("rejected").Inc()
	}
	d.record(ctx, ev)
	d.persist(ctx, job, ev.Detail, retryable)
}

func (d *Dispatcher) persist(ctx context.Context, job Job, reason string, retryable bool) {
	if d.store == nil {
		opsf("invoice %s for %q lost: %s", job.Key, job.Invoice.UserID, reason)
		return
	}
	if err := d.store.SaveFailed(ctx, job, reason, retryable); err != nil {
		opsf("invoice %s for %q not persisted: %v", job.Key, job.Invoice.UserID, err)
		return
	}
	d.refreshPending(ctx)
}

func (d *Dispatcher) record(ctx context.Context, ev Event) {
	if err := d.sink.Record(ctx, ev); err != nil {
		opsf("record %s event for entity %d: %v", ev.Kind, ev.EntityID, err)
	}
}

func (d *Dispatcher) refreshPending(ctx context.Context) {
	if d.store == nil {
		return
	}
	if n, err := d.store.CountPending(ctx); err == nil {
		d.metrics.PendingInvoices.Set(float64(n))
	}
}

// RetryWorker periodically resubmits retryable jobs from the store, paced by
// a token bucket so a recovering backend is not flooded.
type RetryWorker struct {
	d        *Dispatcher
	interval time.Duration
	batch    int
	limiter  *rate.Limiter
}

// NewRetryWorker returns a worker polling every interval and submitting at
// most perSecond jobs per second.
func NewRetryWorker(d *Dispatcher, interval time.Duration, perSecond float64, batch int) *RetryWorker {
	if batch <= 0 {
		batch = 20
	}
	return &RetryWorker{
		d:        d,
		interval: interval,
		batch:    batch,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Run polls until ctx is done.
func (w *RetryWorker) Run(ctx context.Context) error {
	if w.d.store == nil {
		return nil
	}
	w.d.refreshPending(ctx)
	ticker := w.d.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := w.RetryOnce(ctx); err != nil && ctx.Err() == nil {
				opsf("invoice retry pass: %v", err)
			}
		}
	}
}

// RetryOnce resubmits one batch of due jobs and returns how many settled.
func (w *RetryWorker) RetryOnce(ctx context.Context) (int, error) {
	jobs, err := w.d.store.DuePending(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, job := range jobs {
		if err := w.limiter.Wait(ctx); err != nil {
			return settled, err
		}
		err := w.d.submitter.Submit(ctx, job.Key, job.Invoice)
		ev := Event{Key: job.Key, EntityID: job.EntityID, UserID: job.Invoice.UserID, Items: job.Invoice.Items, At: w.d.clock.Now()}
		if err == nil {
			settled++
			w.d.metrics.Invoices.WithLabelValues("settled_retry").Inc()
			if err := w.d.store.MarkSettled(ctx, job.Key); err != nil {
				opsf("mark %s settled: %v", job.Key, err)
			}
			ev.Kind = EventSettled
			w.d.record(ctx, ev)
			continue
		}
		retryable := Retryable(err)
		if err := w.d.store.MarkAttempt(ctx, job.Key, err.Error(), retryable); err != nil {
			opsf("mark %s attempt: %v", job.Key, err)
		}
		if !retryable {
			ev.Kind, ev.Detail = EventRejected, err.Error()
			w.d.record(ctx, ev)
		}
		diagf("retry of %s failed (attempt %d): %v", job.Key, job.Attempts+1, err)
	}
	w.d.refreshPending(ctx)
	return settled, nil
}
