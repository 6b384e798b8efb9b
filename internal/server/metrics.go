package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/examsentry/server/internal/events"
	"github.com/examsentry/server/internal/report"
)

// Metrics exposes the engine's operational counters.
type Metrics struct {
	EventsIngested *prometheus.CounterVec
	Violations     *prometheus.CounterVec
	TrustScore     prometheus.Gauge
}

// NewMetrics registers the metric set with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "examsentry_events_ingested_total",
			Help: "Behavioral events ingested, by event type.",
		}, []string{"type"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "examsentry_violations_total",
			Help: "Violations forwarded through the reporting channel, by type.",
		}, []string{"type"}),
		TrustScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "examsentry_trust_score",
			Help: "Current trust score of the active session.",
		}),
	}
}

// eventLabel buckets client-supplied type strings outside the event
// vocabulary into a single label, keeping metric cardinality bounded.
func eventLabel(t string) string {
	if events.Known(events.Type(t)) {
		return t
	}
	return "unknown"
}

// MetricsNotifier counts forwarded violations before handing them to the
// wrapped notifier.
type MetricsNotifier struct {
	Metrics *Metrics
	Next    report.Notifier
}

func (n MetricsNotifier) Notify(v report.Violation) error {
	n.Metrics.Violations.WithLabelValues(v.Type).Inc()
	if n.Next != nil {
		return n.Next.Notify(v)
	}
	return nil
}
