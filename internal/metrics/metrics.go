// Package metrics holds the Prometheus collectors shared by entity stores,
// group stores and the reference authority.
//
// A nil *Metrics is valid and records nothing, so library code can call the
// methods unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultOK        = "ok"
	ResultRejected  = "rejected"
	ResultError     = "error"
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultStale     = "stale"
	ResultBuffered  = "buffered"
)

// Metrics is a set of registered collectors.
type Metrics struct {
	updates       *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	bootstraps    *prometheus.CounterVec
	commands      *prometheus.CounterVec
	commits       *prometheus.CounterVec
	subscribers   *prometheus.GaugeVec
	pushLatency   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to read values directly.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entsync",
			Name:      "store_updates_total",
			Help:      "Local optimistic updates that produced a non-empty diff",
		}, []string{"kind"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entsync",
			Name:      "store_pushes_total",
			Help:      "Pushes sent over sync channels, by outcome",
		}, []string{"kind", "result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entsync",
			Name:      "store_broadcasts_total",
			Help:      "Inbound broadcast packets, by outcome",
		}, []string{"kind", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entsync",
			Name:      "store_invalidations_total",
			Help:      "Full refetches of an entity",
		}, []string{"kind"}),
		bootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entsync",
			Name:      "group_bootstraps_total",
			Help:      "Collection bootstraps, by outcome",
		}, []string{"kind", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entsync",
			Name:      "mutator_commands_total",
			Help:      "Remote commands issued by mutators, by outcome",
		}, []string{"document", "result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entsync",
			Name:      "authority_commits_total",
			Help:      "Packets committed by the authority",
		}, []string{"topic"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "entsync",
			Name:      "authority_subscribers",
			Help:      "Joined channels per topic",
		}, []string{"topic"}),
		pushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "entsync",
			Name:      "store_push_duration_seconds",
			Help:      "Time from push to acknowledgement",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.updates, m.pushes, m.broadcasts, m.invalidations,
			m.bootstraps, m.commands, m.commits, m.subscribers, m.pushLatency,
		)
	}
	return m
}

func (m *Metrics) Update(kind string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(kind).Inc()
}

// Push records one push outcome and, for acknowledged pushes, its latency.
func (m *Metrics) Push(kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(kind, result).Inc()
	if result == ResultOK {
		m.pushLatency.WithLabelValues(kind).Observe(seconds)
	}
}

func (m *Metrics) Broadcast(kind, result string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Invalidate(kind string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(kind).Inc()
}

func (m *Metrics) Bootstrap(kind, result string) {
	if m == nil {
		return
	}
	m.bootstraps.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Command(document, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(document, result).Inc()
}

func (m *Metrics) Commit(topic string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(topic).Inc()
}

// Subscribers adjusts the joined-channel gauge of topic by delta.
func (m *Metrics) Subscribers(topic string, delta float64) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(topic).Add(delta)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
