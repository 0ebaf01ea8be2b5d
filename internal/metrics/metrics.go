// Package metrics exposes prometheus instrumentation for wallets and verifiers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "privutxo"

// Result labels
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds every collector on its own registry
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	proofDuration   *prometheus.HistogramVec
	verifierResults *prometheus.CounterVec
	poolBalance     *prometheus.GaugeVec
	gossipMessages  *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Ledger operations by kind and result",
	}, []string{"kind", "result"})

	m.proofDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "proof_generation_seconds",
		Help:      "Time spent generating proofs",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"proof"})

	m.verifierResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifier_submissions_total",
		Help:      "Bundles checked by the verifier by kind and outcome",
	}, []string{"kind", "result", "reason"})

	m.poolBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_balance",
		Help:      "Deposited minus withdrawn value per token",
	}, []string{"token"})

	m.gossipMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gossip_messages_total",
		Help:      "Gossip messages by direction",
	}, []string{"direction"})

	m.syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Sync invocations by result",
	}, []string{"result"})

	m.registry.MustRegister(
		m.operations,
		m.proofDuration,
		m.verifierResults,
		m.poolBalance,
		m.gossipMessages,
		m.syncRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The recording methods accept a nil receiver so components can run uninstrumented.

// ObserveOperation counts a ledger operation
func (m *Metrics) ObserveOperation(kind, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, result).Inc()
}

// ObserveProof records how long a proof took
func (m *Metrics) ObserveProof(proof string, started time.Time) {
	if m == nil {
		return
	}
	m.proofDuration.WithLabelValues(proof).Observe(time.Since(started).Seconds())
}

// ObserveSubmission counts a verifier decision. reason is the error kind or empty.
func (m *Metrics) ObserveSubmission(kind, result, reason string) {
	if m == nil {
		return
	}
	m.verifierResults.WithLabelValues(kind, result, reason).Inc()
}

// SetPoolBalance publishes the pool balance of a token
func (m *Metrics) SetPoolBalance(token string, value float64) {
	if m == nil {
		return
	}
	m.poolBalance.WithLabelValues(token).Set(value)
}

// ObserveGossip counts a gossip message in or out
func (m *Metrics) ObserveGossip(direction string) {
	if m == nil {
		return
	}
	m.gossipMessages.WithLabelValues(direction).Inc()
}

// ObserveSync counts a sync run
func (m *Metrics) ObserveSync(result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
}
