package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, pair := range metric.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok {
			if want != pair.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func TestCampaignMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCampaignMetrics(reg)

	m.ObserveEvent("message_received", "applied")
	m.ObserveEvent("message_received", "applied")
	m.ObserveTransition("initial", "waiting_confirmation")
	m.ObserveDispatch("send_message", "succeeded", 0.02)
	m.ObserveVerdict("none", true)
	m.ObserveHandoff("high", "enqueue")

	if got := counterValue(t, reg, "campaign_orchestrator_events_total", map[string]string{"event_type": "message_received", "result": "applied"}); got != 2 {
		t.Fatalf("events_total = %v, want 2", got)
	}
	if got := counterValue(t, reg, "campaign_analysis_verdicts_total", map[string]string{"interest_level": "none", "fallback": "true"}); got != 1 {
		t.Fatalf("verdicts_total = %v, want 1", got)
	}
	if got := counterValue(t, reg, "campaign_dispatch_commands_total", map[string]string{"command": "send_message", "result": "succeeded"}); got != 1 {
		t.Fatalf("commands_total = %v, want 1", got)
	}
}

func TestCampaignMetricsNilSafe(t *testing.T) {
	var m *CampaignMetrics
	m.ObserveEvent("event", "status")
	m.ObserveTransition("a", "b")
	m.ObserveDispatch("hangup", "failed", 0.1)
	m.ObserveVerdict("high", false)
	m.ObserveHandoff("normal", "remove")
	m.ObserveWebhook("telnyx.voice", "accepted", 0.1)
}
