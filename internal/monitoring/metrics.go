package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	FramesProcessed      prometheus.Counter
	DetectionUnavailable prometheus.Counter
	ZoneEvents           *prometheus.CounterVec
	MissingItems         prometheus.Counter
	Invoices             *prometheus.CounterVec
	UnlinkedCheckouts    prometheus.Counter
	StreamReconnects     *prometheus.CounterVec
	ActiveEntities       prometheus.Gauge
	PendingInvoices      prometheus.Gauge
	Errors               *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry so tests can build as many instances as they like.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "tablepick_frames_processed_total",
			Help: "Tracking frames fully processed by the orchestrator",
		}),
		DetectionUnavailable: f.NewCounter(prometheus.CounterOpts{
			Name: "tablepick_detection_unavailable_total",
			Help: "Loop iterations where no tracking result was available",
		}),
		ZoneEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablepick_zone_events_total",
			Help: "Zone enter/exit events by zone and kind",
		}, []string{"zone", "kind"}),
		MissingItems: f.NewCounter(prometheus.CounterOpts{
			Name: "tablepick_missing_items_total",
			Help: "Item occurrences inferred as taken",
		}),
		Invoices: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablepick_invoices_total",
			Help: "Invoice submissions by outcome",
		}, []string{"outcome"}),
		UnlinkedCheckouts: f.NewCounter(prometheus.CounterOpts{
			Name: "tablepick_unlinked_checkouts_total",
			Help: "Departures with a non-empty cart and no identity",
		}),
		StreamReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablepick_stream_reconnects_total",
			Help: "Stream reconnects by stream and reason",
		}, []string{"stream", "reason"}),
		ActiveEntities: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablepick_active_entities",
			Help: "Tracked entities in the most recent frame",
		}),
		PendingInvoices: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablepick_pending_invoices",
			Help: "Invoices waiting in the retry queue",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablepick_errors_total",
			Help: "Errors reported at the orchestrator boundary by kind",
		}, []string{"kind"}),
	}
}
