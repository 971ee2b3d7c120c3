// Package workflow runs campaign checkpoints as durable Temporal workflows,
// one per campaign, so scheduled check-ins survive process restarts.
package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/outreach-cli/internal/campaign"
	"github.com/sells-group/outreach-cli/internal/model"
)

// CheckpointInput carries the persisted timing of one campaign. Fractions
// holds only the checkpoints not yet recorded.
type CheckpointInput struct {
	CampaignID string    `json:"campaign_id"`
	Fractions  []float64 `json:"fractions"`
	CreatedAt  time.Time `json:"created_at"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// EvaluateInput is the activity argument for a single checkpoint.
type EvaluateInput struct {
	CampaignID string  `json:"campaign_id"`
	Fraction   float64 `json:"fraction"`
}

// Activities wraps the campaign evaluator for the worker.
type Activities struct {
	Evaluator campaign.Evaluator
}

// EvaluateCheckpoint runs one check-in.
func (a *Activities) EvaluateCheckpoint(ctx context.Context, in EvaluateInput) (campaign.Outcome, error) {
	return a.Evaluator.Evaluate(ctx, in.CampaignID, in.Fraction)
}

// Register adds the checkpoint workflow and its activities to a worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflow(CheckpointWorkflow)
	r.RegisterActivity(acts)
}

// CheckpointWorkflow sleeps to each outstanding checkpoint and evaluates
// it, then runs the deadline check. Overdue checkpoints collapse into one
// immediate evaluation. The workflow ends early once the campaign reaches a
// terminal status, and stops at once when cancelled.
func CheckpointWorkflow(ctx workflow.Context, in CheckpointInput) error {
	log := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})

	c := &model.Campaign{
		ID:                  in.CampaignID,
		CreatedAt:           in.CreatedAt,
		DeadlineAt:          in.DeadlineAt,
		CheckpointFractions: in.Fractions,
	}

	var acts *Activities
	for _, p := range campaign.DueCheckpoints(c, workflow.Now(ctx)) {
		if d := p.At.Sub(workflow.Now(ctx)); d > 0 {
			if err := workflow.Sleep(ctx, d); err != nil {
				return err
			}
		}

		var out campaign.Outcome
		err := workflow.ExecuteActivity(ctx, acts.EvaluateCheckpoint, EvaluateInput{
			CampaignID: in.CampaignID,
			Fraction:   p.Fraction,
		}).Get(ctx, &out)
		if err != nil {
			if temporal.IsCanceledError(err) {
				return err
			}
			log.Error("checkpoint evaluation failed",
				"campaign_id", in.CampaignID,
				"fraction", p.Fraction,
				"error", err,
			)
			continue
		}
		if out.Status.Terminal() {
			log.Info("campaign finished",
				"campaign_id", in.CampaignID,
				"status", string(out.Status),
			)
			return nil
		}
	}
	return nil
}
