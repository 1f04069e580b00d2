// Package metrics exposes Prometheus collectors for the donation flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	SubsystemDonations     = "donation"
	SubsystemProviders     = "provider"
	SubsystemNotifications = "notification"
	SubsystemOutbox        = "outbox"
	SubsystemReconciler    = "reconciler"
)

// Metrics owns a private registry so several instances can coexist in tests
type Metrics struct {
	registry *prometheus.Registry

	donationsCreated    *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
	providerCalls       *prometheus.CounterVec
	providerLatency     *prometheus.HistogramVec
	notifications       *prometheus.CounterVec
	ingestDuration      *prometheus.HistogramVec
	outboxMessages      *prometheus.CounterVec
	parkedOutcomes      *prometheus.CounterVec
	reconciledDonations *prometheus.CounterVec
}

// New registers every collector under namespace
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		donationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: SubsystemDonations,
			Name:      "created_total",
			Help:      "Donations created, by payment method.",
		}, []string{"method"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: SubsystemDonations,
			Name:      "status_transitions_total",
			Help:      "Donation status transitions applied by the ledger.",
		}, []string{"method", "status"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: SubsystemProviders,
			Name:      "calls_total",
			Help:      "Outbound provider API calls, by operation and result.",
		}, []string{"provider", "operation", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: SubsystemProviders,
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound provider API calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "operation"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: SubsystemNotifications,
			Name:      "received_total",
			Help:      "Provider callbacks and webhooks, by ingest result.",
		}, []string{"provider", "result"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: SubsystemNotifications,
			Name:      "ingest_duration_seconds",
			Help:      "Time from receiving a notification to answering the provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		outboxMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: SubsystemOutbox,
			Name:      "messages_total",
			Help:      "Outbox messages handled by the poller, by result.",
		}, []string{"result"}),
		parkedOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: SubsystemNotifications,
			Name:      "parked_total",
			Help:      "Parked payment outcomes handled by the processor, by result.",
		}, []string{"result"}),
		reconciledDonations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: SubsystemReconciler,
			Name:      "donations_total",
			Help:      "Pending donations examined by the reconciler, by result.",
		}, []string{"method", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.donationsCreated,
		m.statusTransitions,
		m.providerCalls,
		m.providerLatency,
		m.notifications,
		m.ingestDuration,
		m.outboxMessages,
		m.parkedOutcomes,
		m.reconciledDonations,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) DonationCreated(method string) {
	m.donationsCreated.WithLabelValues(method).Inc()
}

func (m *Metrics) StatusTransition(method, status string) {
	m.statusTransitions.WithLabelValues(method, status).Inc()
}

// ProviderCall records the result and latency of an outbound provider call started at start
func (m *Metrics) ProviderCall(provider, operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerCalls.WithLabelValues(provider, operation, result).Inc()
	m.providerLatency.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// Notification records how an inbound notification was handled
func (m *Metrics) Notification(provider, result string, start time.Time) {
	m.notifications.WithLabelValues(provider, result).Inc()
	m.ingestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

func (m *Metrics) OutboxMessage(result string) {
	m.outboxMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) ParkedOutcome(result string) {
	m.parkedOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconciled(method, result string) {
	m.reconciledDonations.WithLabelValues(method, result).Inc()
}
