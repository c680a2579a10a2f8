package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "campaign"

// CampaignMetrics exposes counters/histograms for the contact campaign flows.
// A nil *CampaignMetrics is valid and records nothing.
type CampaignMetrics struct {
	eventsTotal      *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	analysisTotal    *prometheus.CounterVec
	handoffTotal     *prometheus.CounterVec
	webhookTotal     *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
}

func NewCampaignMetrics(reg prometheus.Registerer) *CampaignMetrics {
	m := &CampaignMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Normalized events handled, by type and result",
		}, []string{"event_type", "result"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Contact state transitions",
		}, []string{"from", "to"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Outbound provider commands, by command and result",
		}, []string{"command", "result"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "command_latency_seconds",
			Help:      "Latency of outbound provider commands including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		analysisTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "verdicts_total",
			Help:      "Analysis verdicts by interest level and whether the fallback was applied",
		}, []string{"interest_level", "fallback"}),
		handoffTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "entries_total",
			Help:      "Hand-off queue mutations by priority",
		}, []string{"priority", "op"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "inbound_total",
			Help:      "Inbound provider webhooks",
		}, []string{"provider", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "latency_seconds",
			Help:      "Latency of provider webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.eventsTotal,
		m.transitionsTotal,
		m.dispatchTotal,
		m.dispatchLatency,
		m.analysisTotal,
		m.handoffTotal,
		m.webhookTotal,
		m.webhookLatency,
	)
	return m
}

func (m *CampaignMetrics) ObserveEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *CampaignMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *CampaignMetrics) ObserveDispatch(command, result string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(command, result).Inc()
	m.dispatchLatency.WithLabelValues(command).Observe(seconds)
}

func (m *CampaignMetrics) ObserveVerdict(interestLevel string, fallback bool) {
	if m == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	m.analysisTotal.WithLabelValues(interestLevel, label).Inc()
}

func (m *CampaignMetrics) ObserveHandoff(priority, op string) {
	if m == nil {
		return
	}
	m.handoffTotal.WithLabelValues(priority, op).Inc()
}

func (m *CampaignMetrics) ObserveWebhook(provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(provider, status).Inc()
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}
