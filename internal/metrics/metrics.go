package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsQueued      prometheus.Counter
	EventsDelivered   prometheus.Counter
	EventsDropped     prometheus.Counter
	EventsEvicted     prometheus.Counter
	SendFailures      prometheus.Counter
	QueueSize         prometheus.Gauge
	ConsentChanges    *prometheus.CounterVec
	CrossTabSyncs     prometheus.Counter
	ConflictsResolved *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "consent_agent_events_queued_total",
			Help: "Total number of analytics events accepted into the queue",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "consent_agent_events_delivered_total",
			Help: "Total number of analytics events delivered by the uploader",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "consent_agent_events_dropped_total",
			Help: "Total number of events dropped after exhausting retries",
		}),
		EventsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "consent_agent_events_evicted_total",
			Help: "Total number of events discarded because consent was revoked",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "consent_agent_send_failures_total",
			Help: "Total number of failed delivery attempts",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consent_agent_queue_size",
			Help: "Number of events currently queued",
		}),
		ConsentChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_agent_consent_changes_total",
			Help: "Total number of consent changes by source",
		}, []string{"source"}),
		CrossTabSyncs: factory.NewCounter(prometheus.CounterOpts{
			Name: "consent_agent_cross_tab_syncs_total",
			Help: "Total number of broadcasts to other tabs",
		}),
		ConflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_agent_conflicts_resolved_total",
			Help: "Total number of consent conflicts resolved by strategy",
		}, []string{"strategy"}),
	}
}

func (m *Metrics) IncQueued() {
	if m == nil {
		return
	}
	m.EventsQueued.Inc()
}

func (m *Metrics) AddDelivered(n int) {
	if m == nil {
		return
	}
	m.EventsDelivered.Add(float64(n))
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) AddEvicted(n int) {
	if m == nil {
		return
	}
	m.EventsEvicted.Add(float64(n))
}

func (m *Metrics) IncSendFailures() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) SetQueueSize(n int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(n))
}

func (m *Metrics) IncConsentChange(source string) {
	if m == nil {
		return
	}
	m.ConsentChanges.WithLabelValues(source).Inc()
}

func (m *Metrics) IncCrossTabSync() {
	if m == nil {
		return
	}
	m.CrossTabSyncs.Inc()
}

func (m *Metrics) IncConflictResolved(strategy string) {
	if m == nil {
		return
	}
	m.ConflictsResolved.WithLabelValues(strategy).Inc()
}
