package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Outcome summarises one checkpoint evaluation.
type Outcome struct {
	CampaignID string               `json:"campaign_id"`
	Fraction   float64              `json:"fraction"`
	Decision   model.Decision       `json:"decision,omitempty"`
	Status     model.CampaignStatus `json:"status"`
	Skipped    bool                 `json:"skipped,omitempty"`
}

// Evaluator runs the check-in for one campaign at one timeline fraction.
type Evaluator interface {
	Evaluate(ctx context.Context, id string, fraction float64) (Outcome, error)
}

// Manager evaluates checkpoints. It decides; the Orchestrator writes.
type Manager struct {
	orch *Orchestrator
	now  func() time.Time
}

// NewManager creates a Manager over o.
func NewManager(o *Orchestrator) *Manager {
	return &Manager{orch: o, now: o.now}
}

// Evaluate compares responses against the expected linear trajectory at
// fraction and records no_action, an escalation or an at-risk flag. The
// deadline fraction (or any evaluation past the deadline) finishes the
// campaign instead. Terminal campaigns, already-recorded fractions and
// campaigns with an escalation wave still in flight are skipped without
// error, so Evaluate is safe to retry.
func (m *Manager) Evaluate(ctx context.Context, id string, fraction float64) (Outcome, error) {
	out := Outcome{CampaignID: id, Fraction: fraction}
	log := zap.L().With(
		zap.String("component", "campaign.manager"),
		zap.String("campaign_id", id),
		zap.Float64("fraction", fraction),
	)

	c, err := m.orch.Get(ctx, id)
	if err != nil {
		return out, err
	}
	out.Status = c.Status
	if c.Status.Terminal() {
		out.Skipped = true
		return out, nil
	}

	now := m.now().UTC()
	if c.ResponsesReceived >= c.Request.BidsNeeded {
		return m.finish(ctx, out, m.orch.Complete)
	}
	if fraction >= model.DeadlineFraction || !now.Before(c.DeadlineAt) {
		return m.finish(ctx, out, m.orch.Expire)
	}
	if c.HasCheckIn(fraction) || fraction <= c.LastFraction() {
		out.Skipped = true
		return out, nil
	}
	if c.Status == model.CampaignEscalated {
		log.Info("campaign: escalation in flight; checkpoint skipped")
		out.Skipped = true
		return out, nil
	}

	expected := c.ExpectedAt(fraction)
	ev := model.CheckInEvent{
		ID:                 uuid.NewString(),
		Fraction:           fraction,
		EvaluatedAt:        now,
		ResponsesAtCheckIn: c.ResponsesReceived,
		ExpectedAtCheckIn:  expected,
	}

	var updated *model.Campaign
	if behindPace(c, expected, m.orch.opts.EscalationThreshold) {
		updated, err = m.escalate(ctx, c, ev)
	} else {
		ev.Decision = model.DecisionNoAction
		updated, err = m.orch.RecordCheckIn(ctx, id, ev)
	}
	switch {
	case errors.Is(err, ErrCheckpointRecorded), errors.Is(err, ErrTerminal), errors.Is(err, ErrEscalationInFlight):
		log.Debug("campaign: check-in raced", zap.Error(err))
		out.Skipped = true
		if cur, gerr := m.orch.Get(ctx, id); gerr == nil {
			out.Status = cur.Status
		}
		return out, nil
	case err != nil:
		return out, err
	}

	out.Status = updated.Status
	if last := updated.LastCheckIn(); last != nil {
		out.Decision = last.Decision
	}
	return out, nil
}

func (m *Manager) escalate(ctx context.Context, c *model.Campaign, ev model.CheckInEvent) (*model.Campaign, error) {
	if c.EscalationCount >= m.orch.opts.MaxEscalations {
		return m.orch.ApplyEscalation(ctx, c.ID, ev, model.ContactPlan{})
	}

	stats, err := m.orch.directory.TierStats(ctx, c.Request.ProjectCategory)
	if err != nil {
		ev.Decision = model.DecisionAtRisk
		ev.Note = "tier stats unavailable: " + err.Error()
		return m.orch.RecordCheckIn(ctx, c.ID, ev)
	}

	need := c.Request.BidsNeeded - c.ResponsesReceived
	delta, err := m.orch.calc.ComputePlan(need, c.Request.Urgency, c.Remaining(stats))
	if err != nil {
		ev.Decision = model.DecisionAtRisk
		ev.Note = "delta plan: " + err.Error()
		return m.orch.RecordCheckIn(ctx, c.ID, ev)
	}
	return m.orch.ApplyEscalation(ctx, c.ID, ev, delta)
}

func (m *Manager) finish(ctx context.Context, out Outcome, fn func(context.Context, string) (*model.Campaign, error)) (Outcome, error) {
	c, err := fn(ctx, out.CampaignID)
	if errors.Is(err, ErrTerminal) {
		out.Skipped = true
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Status = c.Status
	return out, nil
}

// behindPace reports whether responses trail the expected trajectory by
// more than the threshold. A campaign that has reached nobody is always
// behind, even when its plan expects nothing.
func behindPace(c *model.Campaign, expected, threshold float64) bool {
	if c.ContactedTotal() == 0 {
		return true
	}
	return float64(c.ResponsesReceived) < expected*threshold
}
