// Package metrics exposes Prometheus instruments for the capture queue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tether"

// Metrics holds every instrument. It satisfies queue.Recorder and
// reconcile.Recorder.
type Metrics struct {
	QueueDepth  *prometheus.GaugeVec
	Enqueued    prometheus.Counter
	Transitions *prometheus.CounterVec
	Removed     *prometheus.CounterVec
	Drains      *prometheus.CounterVec
	Commits     *prometheus.CounterVec
	Online      prometheus.Gauge
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: status (pending, processing, failed)
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "notes",
			Help:      "Number of queued notes by status",
		}, []string{"status"}),
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of notes enqueued",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Total number of note status transitions by target status",
		}, []string{"to"}),
		// Labels: reason (committed, discarded)
		Removed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "removed_total",
			Help:      "Total number of notes removed from the queue",
		}, []string{"reason"}),
		Drains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "drains_total",
			Help:      "Total number of drain attempts by outcome",
		}, []string{"outcome"}),
		// Labels: result (success, error)
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "commits_total",
			Help:      "Total number of commit attempts by result",
		}, []string{"result"}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "Current connectivity state (1=online, 0=offline)",
		}),
	}
}

func (m *Metrics) RecordEnqueue() { m.Enqueued.Inc() }

func (m *Metrics) RecordTransition(to string) { m.Transitions.WithLabelValues(to).Inc() }

func (m *Metrics) RecordRemove(reason string) { m.Removed.WithLabelValues(reason).Inc() }

// RecordDepth replaces the depth gauges. Statuses missing from counts are
// reported as zero.
func (m *Metrics) RecordDepth(counts map[string]int) {
	for _, status := range []string{"pending", "processing", "failed"} {
		m.QueueDepth.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func (m *Metrics) RecordDrain(outcome string) { m.Drains.WithLabelValues(outcome).Inc() }

func (m *Metrics) RecordCommit(err error) {
	if err != nil {
		m.Commits.WithLabelValues("error").Inc()
		return
	}
	m.Commits.WithLabelValues("success").Inc()
}

func (m *Metrics) RecordOnline(online bool) {
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
