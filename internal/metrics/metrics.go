// Package metrics exposes Prometheus collectors for the reward daemon.
// All methods are safe on a nil *Metrics so callers can run without metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nostreward"

// Message results.
const (
	ResultIgnored  = "ignored"
	ResultNoMatch  = "no_match"
	ResultRedeemed = "redeemed"
	ResultError    = "error"
)

type Metrics struct {
	messages        *prometheus.CounterVec
	redemptions     prometheus.Counter
	actions         *prometheus.CounterVec
	paymentLatency  *prometheus.HistogramVec
	pendingRetries  prometheus.Gauge
	unknownOutcomes prometheus.Gauge
	relays          prometheus.Gauge
}

var (
	defaultOnce sync.Once
	defaultReg  *Metrics
)

// Default returns collectors registered once with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Notes received from the stream segmented by handling result.",
		}, []string{"result"}),
		redemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Codes consumed.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_actions_total",
			Help:      "Reward action attempts segmented by action and outcome.",
		}, []string{"action", "outcome"}),
		paymentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_latency_seconds",
			Help:      "Time from invoice resolution start to wallet answer.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"outcome"}),
		pendingRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_retries",
			Help:      "Consumed codes whose payment failed and awaits retry.",
		}),
		unknownOutcomes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unknown_payment_outcomes",
			Help:      "Consumed codes whose payment started but never reported an outcome.",
		}),
		relays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_subscribed",
			Help:      "Relays with a live stream subscription.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.redemptions, m.actions, m.paymentLatency, m.pendingRetries, m.unknownOutcomes, m.relays)
	}
	return m
}

func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) Redeemed() {
	if m == nil {
		return
	}
	m.redemptions.Inc()
}

func (m *Metrics) Action(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObservePayment(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.paymentLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// Ledger publishes the retry backlog gauges.
func (m *Metrics) Ledger(pendingRetry, unknown int) {
	if m == nil {
		return
	}
	m.pendingRetries.Set(float64(pendingRetry))
	m.unknownOutcomes.Set(float64(unknown))
}

func (m *Metrics) RelaysSubscribed(n int) {
	if m == nil {
		return
	}
	m.relays.Set(float64(n))
}
