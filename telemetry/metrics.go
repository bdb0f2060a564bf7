// Package telemetry monta o logger zap e as métricas Prometheus do gateway.
package telemetry

import (
	"time"

	admissiondomain "stream-gateway/middleware/admission/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implementa domain.DecisionObserver (admissão) e
// application.Observer (streaming).
type Metrics struct {
	decisions     *prometheus.CounterVec
	retryAfter    prometheus.Histogram
	activeStreams *prometheus.GaugeVec
	streamsClosed *prometheus.CounterVec
	handshakes    *prometheus.CounterVec
	published     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	backlog       *prometheus.CounterVec

	// topics limita o label topic; fora dele a série é OtherTopic.
	topics map[string]struct{}
}

// OtherTopic agrega os tópicos fora da allow-list, para o label não crescer
// com tópicos arbitrários vindos de clientes.
const OtherTopic = "_other"

type MetricsOption func(*Metrics)

// WithTopics define os tópicos que ganham série própria.
func WithTopics(topics ...string) MetricsOption {
	return func(m *Metrics) {
		for _, t := range topics {
			m.topics[t] = struct{}{}
		}
	}
}

// NewMetrics registra os coletores em reg (nil usa um registry novo).
func NewMetrics(reg prometheus.Registerer, opts ...MetricsOption) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		topics: make(map[string]struct{}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_decisions_total",
			Help: "Admission decisions by limit kind and result.",
		}, []string{"kind", "result"}),
		retryAfter: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_admission_retry_after_seconds",
			Help:    "Retry-After announced on rejected admissions.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_stream_active",
			Help: "Open stream sessions by topic.",
		}, []string{"topic"}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_closed_total",
			Help: "Closed stream sessions by reason.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_handshakes_total",
			Help: "Stream handshakes by result.",
		}, []string{"result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_published_total",
			Help: "Envelopes published by topic.",
		}, []string{"topic"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_dropped_subscribers_total",
			Help: "Subscribers disconnected as slow consumers.",
		}, []string{"topic"}),
		backlog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_backlog_replayed_total",
			Help: "Envelopes replayed from the ring on resume.",
		}, []string{"topic"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	reg.MustRegister(m.decisions, m.retryAfter, m.activeStreams, m.streamsClosed,
		m.handshakes, m.published, m.dropped, m.backlog)
	return m
}

func (m *Metrics) ObserveDecision(_ admissiondomain.Tenant, dec admissiondomain.Decision) {
	result := "allowed"
	if !dec.Allowed {
		result = "rejected"
		m.retryAfter.Observe(dec.RetryAfter.Round(time.Second).Seconds())
	}
	m.decisions.WithLabelValues(string(dec.Kind), result).Inc()
}

func (m *Metrics) topic(topic string) string {
	if _, ok := m.topics[topic]; ok {
		return topic
	}
	return OtherTopic
}

func (m *Metrics) Published(topic string) { m.published.WithLabelValues(m.topic(topic)).Inc() }

func (m *Metrics) SubscriberDropped(topic string) { m.dropped.WithLabelValues(m.topic(topic)).Inc() }

func (m *Metrics) BacklogReplayed(topic string, n int) {
	m.backlog.WithLabelValues(m.topic(topic)).Add(float64(n))
}

func (m *Metrics) StreamOpened(topic string) { m.activeStreams.WithLabelValues(m.topic(topic)).Inc() }

func (m *Metrics) StreamClosed(topic, reason string) {
	m.activeStreams.WithLabelValues(m.topic(topic)).Dec()
	m.streamsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handshake(result string) { m.handshakes.WithLabelValues(result).Inc() }
