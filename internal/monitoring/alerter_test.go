package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AtRiskThreshold:     3,
		ExpiredThreshold:    5,
		DispatchFailureRate: 0.25,
	})

	snap := &MetricsSnapshot{
		AtRisk:             1,
		Expired:            2,
		ContactsDispatched: 90,
		ContactsFailed:     10,
		DispatchFailRate:   0.10,
		LookbackHours:      24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_AtRisk(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{AtRiskThreshold: 2})

	snap := &MetricsSnapshot{
		AtRisk:          2,
		AtRiskCampaigns: []string{"c-1", "c-2"},
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCampaignsAtRisk, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "2 live campaign(s)")
	assert.Equal(t, []string{"c-1", "c-2"}, alerts[0].Details["campaign_ids"])
}

func TestAlerter_Evaluate_Expired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ExpiredThreshold: 1})

	snap := &MetricsSnapshot{Expired: 3, Completed: 7, LookbackHours: 12}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCampaignsExpired, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "last 12h")
}

func TestAlerter_Evaluate_DispatchFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DispatchFailureRate: 0.25})

	snap := &MetricsSnapshot{
		ContactsDispatched: 12,
		ContactsFailed:     8,
		DispatchFailRate:   0.40,
		LookbackHours:      24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDispatchFailures, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Equal(t, 20, alerts[0].Details["attempted"])
}

func TestAlerter_Evaluate_MinimumDispatchSample(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DispatchFailureRate: 0.25})

	// 100% failure, but too few attempts to alert on.
	snap := &MetricsSnapshot{
		ContactsFailed:   minDispatchSample - 1,
		DispatchFailRate: 1.0,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AtRiskThreshold:     1,
		ExpiredThreshold:    1,
		DispatchFailureRate: 0.10,
	})

	snap := &MetricsSnapshot{
		AtRisk:             4,
		Expired:            2,
		ContactsDispatched: 10,
		ContactsFailed:     10,
		DispatchFailRate:   0.5,
		LookbackHours:      24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, al := range alerts {
		types[al.Type] = true
	}
	assert.True(t, types[AlertCampaignsAtRisk])
	assert.True(t, types[AlertCampaignsExpired])
	assert.True(t, types[AlertDispatchFailures])
}

func TestAlerter_Evaluate_ZeroThresholdsDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		AtRisk:             50,
		Expired:            50,
		ContactsDispatched: 0,
		ContactsFailed:     100,
		DispatchFailRate:   1.0,
		LookbackHours:      24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		assert.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertCampaignsAtRisk, Severity: "high", Message: "test alert 1"},
		{Type: AlertDispatchFailures, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCampaignsExpired, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCampaignsAtRisk, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}
