package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	activeSessions    prometheus.Gauge
	sessionTotal      prometheus.Counter
	eventErrors       *prometheus.CounterVec
	eventLatency      *prometheus.HistogramVec
	messagesDelivered prometheus.Counter
	messagesOffline   prometheus.Counter
	typingExpired     prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &hubMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_sessions_active",
			Help: "Current number of registered user sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_sessions_total",
			Help: "Total number of registrations handled since start.",
		}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_hub_errors_total",
			Help: "Event validation or routing errors by code.",
		}, []string{"code"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_hub_latency_seconds",
			Help:    "Latency for handling inbound chat events.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_messages_delivered_total",
			Help: "Messages handed to a live recipient session.",
		}),
		messagesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_messages_offline_total",
			Help: "Messages persisted while the recipient was offline.",
		}),
		typingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_typing_expired_total",
			Help: "Typing indicators cleared by the server-side expiry timer.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.eventErrors,
		m.eventLatency,
		m.messagesDelivered,
		m.messagesOffline,
		m.typingExpired,
	)
	return m
}

func (m *hubMetrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *hubMetrics) recordRegistration() {
	if m == nil {
		return
	}
	m.sessionTotal.Inc()
}

func (m *hubMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.eventErrors.WithLabelValues(code).Inc()
}

func (m *hubMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.eventLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *hubMetrics) recordDelivered() {
	if m == nil {
		return
	}
	m.messagesDelivered.Inc()
}

func (m *hubMetrics) recordOffline() {
	if m == nil {
		return
	}
	m.messagesOffline.Inc()
}

func (m *hubMetrics) recordTypingExpiry() {
	if m == nil {
		return
	}
	m.typingExpired.Inc()
}
