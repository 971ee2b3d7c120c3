package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCampaignsAtRisk  AlertType = "campaigns_at_risk"
	AlertCampaignsExpired AlertType = "campaigns_expired"
	AlertDispatchFailures AlertType = "dispatch_failure_rate"
)

// minDispatchSample is the attempt count below which the failure rate is
// not alerted on.
const minDispatchSample = 10

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its alert.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.AtRiskThreshold > 0 && snap.AtRisk >= a.cfg.AtRiskThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCampaignsAtRisk,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d live campaign(s) at risk of missing their bid target (threshold %d)",
				snap.AtRisk, a.cfg.AtRiskThreshold,
			),
			Details: map[string]any{
				"at_risk":      snap.AtRisk,
				"threshold":    a.cfg.AtRiskThreshold,
				"campaign_ids": snap.AtRiskCampaigns,
				"escalations":  snap.Escalations,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ExpiredThreshold > 0 && snap.Expired >= a.cfg.ExpiredThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCampaignsExpired,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d campaign(s) expired short of bids in last %dh",
				snap.Expired, snap.LookbackHours,
			),
			Details: map[string]any{
				"expired":   snap.Expired,
				"completed": snap.Completed,
				"threshold": a.cfg.ExpiredThreshold,
			},
			Timestamp: now,
		})
	}

	attempted := snap.ContactsDispatched + snap.ContactsFailed
	if a.cfg.DispatchFailureRate > 0 && attempted >= minDispatchSample && snap.DispatchFailRate > a.cfg.DispatchFailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertDispatchFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"Dispatch failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempted in last %dh)",
				snap.DispatchFailRate*100, a.cfg.DispatchFailureRate*100,
				snap.ContactsFailed, attempted, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.DispatchFailRate,
				"threshold":    a.cfg.DispatchFailureRate,
				"failed":       snap.ContactsFailed,
				"attempted":    attempted,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
