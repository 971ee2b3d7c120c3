package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// collectLimit bounds how many campaigns one snapshot inspects.
const collectLimit = 10000

// MetricsSnapshot holds a point-in-time view of campaign health.
type MetricsSnapshot struct {
	// Campaigns updated within the lookback window, by status.
	CampaignsTotal int `json:"campaigns_total"`
	Strategized    int `json:"strategized"`
	Active         int `json:"active"`
	Escalated      int `json:"escalated"`
	Completed      int `json:"completed"`
	Expired        int `json:"expired"`
	Cancelled      int `json:"cancelled"`

	// AtRisk counts live campaigns flagged at risk.
	AtRisk          int      `json:"at_risk"`
	Escalations     int      `json:"escalations"`
	AvgConfidence   float64  `json:"avg_confidence"`
	WithLastError   int      `json:"with_last_error"`
	AtRiskCampaigns []string `json:"at_risk_campaigns,omitempty"`

	// Contact outcomes within the lookback window.
	ContactsDispatched int     `json:"contacts_dispatched"`
	ContactsFailed     int     `json:"contacts_failed"`
	DispatchFailRate   float64 `json:"dispatch_fail_rate"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// CampaignSource is the subset of store.Store the collector reads.
type CampaignSource interface {
	ListCampaigns(ctx context.Context, filter store.CampaignFilter) ([]model.Campaign, error)
	CountContacts(ctx context.Context, status model.ContactStatus, since time.Time) (int, error)
}

// Collector gathers campaign metrics from the store.
type Collector struct {
	source CampaignSource
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src CampaignSource) *Collector {
	return &Collector{source: src, now: time.Now}
}

// Collect gathers a snapshot of campaign metrics over the given lookback
// window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	campaigns, err := c.source.ListCampaigns(ctx, store.CampaignFilter{
		UpdatedAfter: cutoff,
		Limit:        collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list campaigns")
	}

	snap.CampaignsTotal = len(campaigns)
	var confidence float64
	var live int
	for i := range campaigns {
		cp := &campaigns[i]
		switch cp.Status {
		case model.CampaignStrategized:
			snap.Strategized++
		case model.CampaignActive:
			snap.Active++
		case model.CampaignEscalated:
			snap.Escalated++
		case model.CampaignCompleted:
			snap.Completed++
		case model.CampaignExpired:
			snap.Expired++
		case model.CampaignCancelled:
			snap.Cancelled++
		}
		snap.Escalations += cp.EscalationCount
		if cp.LastError != "" {
			snap.WithLastError++
		}
		if cp.Status.Terminal() {
			continue
		}
		live++
		confidence += cp.Plan.ConfidenceScore
		if cp.AtRisk {
			snap.AtRisk++
			snap.AtRiskCampaigns = append(snap.AtRiskCampaigns, cp.ID)
		}
	}
	if live > 0 {
		snap.AvgConfidence = confidence / float64(live)
	}

	if snap.ContactsDispatched, err = c.source.CountContacts(ctx, model.ContactDispatched, cutoff); err != nil {
		return nil, eris.Wrap(err, "monitoring: count dispatched contacts")
	}
	if snap.ContactsFailed, err = c.source.CountContacts(ctx, model.ContactFailed, cutoff); err != nil {
		return nil, eris.Wrap(err, "monitoring: count failed contacts")
	}
	if attempted := snap.ContactsDispatched + snap.ContactsFailed; attempted > 0 {
		snap.DispatchFailRate = float64(snap.ContactsFailed) / float64(attempted)
	}

	return snap, nil
}
