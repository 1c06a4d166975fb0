// Package observability carries the prometheus instrumentation shared by
// the event pipeline and the synchronizer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the fabric's counters and gauges. A nil *Metrics is
// valid and records nothing, so components never need nil checks at every
// increment site.
type Metrics struct {
	EventsLogged       prometheus.Counter
	EventsProcessed    prometheus.Counter
	EventsDiscarded    prometheus.Counter
	EventsBackpressure prometheus.Counter
	EventsCorrelated   prometheus.Counter
	EventQueueDepth    prometheus.Gauge

	SyncRuns     *prometheus.CounterVec
	SyncApplied  prometheus.Counter
	SyncVetoed   prometheus.Counter
	SyncDeferred prometheus.Counter
}

// New registers the fabric metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_events_logged_total",
			Help: "Events accepted into the pipeline.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_events_processed_total",
			Help: "Events fully dispatched to handlers.",
		}),
		EventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_events_discarded_total",
			Help: "Events dropped by a filter.",
		}),
		EventsBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_events_backpressure_total",
			Help: "Log calls rejected because the queue stayed full.",
		}),
		EventsCorrelated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_events_correlated_total",
			Help: "Higher-order events emitted by correlation rules.",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_event_queue_depth",
			Help: "Events currently queued for processing.",
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_sync_runs_total",
			Help: "Synchronization runs by result.",
		}, []string{"rule", "result"}),
		SyncApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_sync_items_applied_total",
			Help: "Items created or updated by synchronization.",
		}),
		SyncVetoed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_sync_items_vetoed_total",
			Help: "Items blocked by a sharing policy.",
		}),
		SyncDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_sync_items_deferred_total",
			Help: "Relationships deferred because an endpoint was missing.",
		}),
	}
	reg.MustRegister(
		m.EventsLogged, m.EventsProcessed, m.EventsDiscarded,
		m.EventsBackpressure, m.EventsCorrelated, m.EventQueueDepth,
		m.SyncRuns, m.SyncApplied, m.SyncVetoed, m.SyncDeferred,
	)
	return m
}

func (m *Metrics) IncLogged() {
	if m != nil {
		m.EventsLogged.Inc()
		m.EventQueueDepth.Inc()
	}
}

func (m *Metrics) IncProcessed() {
	if m != nil {
		m.EventsProcessed.Inc()
		m.EventQueueDepth.Dec()
	}
}

func (m *Metrics) IncDiscarded() {
	if m != nil {
		m.EventsDiscarded.Inc()
	}
}

func (m *Metrics) IncBackpressure() {
	if m != nil {
		m.EventsBackpressure.Inc()
	}
}

func (m *Metrics) IncCorrelated() {
	if m != nil {
		m.EventsCorrelated.Inc()
	}
}

func (m *Metrics) ObserveSyncRun(rule, result string) {
	if m != nil {
		m.SyncRuns.WithLabelValues(rule, result).Inc()
	}
}

func (m *Metrics) AddSyncCounts(applied, vetoed, deferred int) {
	if m == nil {
		return
	}
	m.SyncApplied.Add(float64(applied))
	m.SyncVetoed.Add(float64(vetoed))
	m.SyncDeferred.Add(float64(deferred))
}
