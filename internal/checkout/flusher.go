package checkout

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/identity"
	"github.com/banshee-data/tablepick/internal/tracking"
)

// Job is one invoice submission. Key stays the same across retries.
type Job struct {
	Key       string
	EntityID  int
	Invoice   InvoiceRequest
	CreatedAt time.Time
	Attempts  int
}

// Outbound is handed from the orchestrator loop to the Dispatcher: either a
// Job to submit or an Event to record.
type Outbound struct {
	Job   *Job
	Event *Event
}

// OutcomeKind classifies what the flusher did with a departed entity.
type OutcomeKind int

const (
	OutcomeQueued OutcomeKind = iota
	OutcomeEmpty
	OutcomeUnlinked
	OutcomeInvalid
	OutcomeUnknown
)

// Outcome describes the flush of one departed entity.
type Outcome struct {
	EntityID int
	Kind     OutcomeKind
	Key      string
	Invoice  InvoiceRequest
	Err      error
}

// Flusher runs inside the orchestrator loop. It never performs I/O itself:
// submissions and events are passed to the Dispatcher over a buffered
// channel, and anything that does not fit is held until Drain or the next
// Flush. Held messages still pending at shutdown are taken with TakeHeld.
type Flusher struct {
	outbox   chan<- Outbound
	overflow []Outbound
	newKey   func() string
}

// NewFlusher returns a Flusher sending to outbox.
func NewFlusher(outbox chan<- Outbound) *Flusher {
	return &Flusher{outbox: outbox, newKey: uuid.NewString}
}

// Flush settles every departed id and purges its bookkeeping from reg and
// linker whatever the outcome.
func (f *Flusher) Flush(reg *tracking.Registry, linker *identity.Linker, departed []int, now time.Time) []Outcome {
	f.drainOverflow()
	outcomes := make([]Outcome, 0, len(departed))
	for _, id := range departed {
		outcomes = append(outcomes, f.flushOne(reg, id, now))
		reg.Purge(id)
		linker.Forget(id)
	}
	return outcomes
}

func (f *Flusher) flushOne(reg *tracking.Registry, id int, now time.Time) Outcome {
	e, ok := reg.Get(id)
	if !ok {
		return Outcome{EntityID: id, Kind: OutcomeUnknown}
	}
	items := e.Cart.Items()

	if e.Identity == nil {
		if len(items) == 0 {
			return Outcome{EntityID: id, Kind: OutcomeEmpty}
		}
		f.send(Outbound{Event: &Event{Kind: EventUnlinked, EntityID: id, Items: cart.Aggregate(items), At: now}})
		return Outcome{EntityID: id, Kind: OutcomeUnlinked, Err: fmt.Errorf("%w: entity %d left with %d items", ErrUnlinked, id, len(items))}
	}
	if len(items) == 0 {
		return Outcome{EntityID: id, Kind: OutcomeEmpty}
	}

	inv, err := BuildInvoice(e.Identity.UserID, items)
	if err != nil {
		return Outcome{EntityID: id, Kind: OutcomeInvalid, Err: err}
	}
	job := &Job{Key: f.newKey(), EntityID: id, Invoice: inv, CreatedAt: now}
	f.send(Outbound{Job: job})
	return Outcome{EntityID: id, Kind: OutcomeQueued, Key: job.Key, Invoice: inv}
}

func (f *Flusher) send(o Outbound) {
	if len(f.overflow) > 0 {
		f.overflow = append(f.overflow, o)
		return
	}
	select {
	case f.outbox <- o:
	default:
		opsf("checkout outbox full, holding %s", describe(o))
		f.overflow = append(f.overflow, o)
	}
}

func (f *Flusher) drainOverflow() {
	for len(f.overflow) > 0 {
		select {
		case f.outbox <- f.overflow[0]:
			f.overflow = f.overflow[1:]
		default:
			return
		}
	}
	f.overflow = nil
}

// Drain moves held messages to the outbox while it has room and returns
// how many are still held.
func (f *Flusher) Drain() int {
	f.drainOverflow()
	return len(f.overflow)
}

// TakeHeld returns the held messages in order and forgets them.
func (f *Flusher) TakeHeld() []Outbound {
	held := f.overflow
	f.overflow = nil
	return held
}

// Pending returns how many outbound messages are held back.
func (f *Flusher) Pending() int { return len(f.overflow) }

func describe(o Outbound) string {
	if o.Job != nil {
		return fmt.Sprintf("invoice %s for entity %d", o.Job.Key, o.Job.EntityID)
	}
	if o.Event != nil {
		return fmt.Sprintf("%s event for entity %d", o.Event.Kind, o.Event.EntityID)
	}
	return "empty message"
}
