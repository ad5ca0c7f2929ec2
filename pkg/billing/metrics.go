package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 计费子系统的 Prometheus 指标
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	deferredEvents  *prometheus.CounterVec
	quotaConsume    *prometheus.CounterVec
	quotaResets     *prometheus.CounterVec
	checkoutResults *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
}

// NewMetrics registers the billing collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Webhook events processed, by normalized type and outcome.",
		}, []string{"type", "outcome"}),
		deferredEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_deferred_events_total",
			Help: "Webhook events that arrived before their subscription record.",
		}, []string{"action"}), // deferred | replayed | dropped
		quotaConsume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_quota_consume_total",
			Help: "Quota consume attempts, by resource and result.",
		}, []string{"resource", "result"}), // allowed | refused
		quotaResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_quota_resets_total",
			Help: "Quota ledger resets, by reason.",
		}, []string{"reason"}), // rollover | invoice_paid | checkout
		checkoutResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_checkout_sessions_total",
			Help: "Checkout session initiations, by result.",
		}, []string{"result"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_cancellations_total",
			Help: "Cancellation requests, by mode and result.",
		}, []string{"mode", "result"}),
	}

	registerer.MustRegister(
		m.webhookEvents,
		m.deferredEvents,
		m.quotaConsume,
		m.quotaResets,
		m.checkoutResults,
		m.cancellations,
	)
	return m
}

func (m *Metrics) webhookEvent(eventType EventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(string(eventType), outcome).Inc()
}

func (m *Metrics) deferred(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deferredEvents.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) consume(resource string, allowed bool) {
	if m == nil {
		return
	}
	result := "refused"
	if allowed {
		result = "allowed"
	}
	m.quotaConsume.WithLabelValues(resource, result).Inc()
}

func (m *Metrics) reset(reason string) {
	if m == nil {
		return
	}
	m.quotaResets.WithLabelValues(reason).Inc()
}

func (m *Metrics) checkout(result string) {
	if m == nil {
		return
	}
	m.checkoutResults.WithLabelValues(result).Inc()
}

func (m *Metrics) cancellation(atPeriodEnd bool, result string) {
	if m == nil {
		return
	}
	mode := "immediate"
	if atPeriodEnd {
		mode = "period_end"
	}
	m.cancellations.WithLabelValues(mode, result).Inc()
}
