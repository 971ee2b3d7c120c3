package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
)

// WorkflowClient is the subset of client.Client the scheduler uses.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	CancelWorkflow(ctx context.Context, workflowID string, runID string) error
}

// Scheduler starts and cancels checkpoint workflows. It satisfies
// campaign.Scheduler.
type Scheduler struct {
	client    WorkflowClient
	taskQueue string
}

// NewScheduler creates a Scheduler on taskQueue.
func NewScheduler(c WorkflowClient, taskQueue string) *Scheduler {
	return &Scheduler{client: c, taskQueue: taskQueue}
}

// WorkflowID is the workflow ID used for a campaign.
func WorkflowID(campaignID string) string {
	return "campaign-" + campaignID
}

// Input builds the workflow input for c from its persisted state.
func Input(c *model.Campaign) CheckpointInput {
	var fractions []float64
	last := c.LastFraction()
	for _, f := range c.CheckpointFractions {
		if f > last && !c.HasCheckIn(f) {
			fractions = append(fractions, f)
		}
	}
	return CheckpointInput{
		CampaignID: c.ID,
		Fractions:  fractions,
		CreatedAt:  c.CreatedAt,
		DeadlineAt: c.DeadlineAt,
	}
}

// Schedule starts the campaign's checkpoint workflow. Starting a campaign
// whose workflow is already running is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, c *model.Campaign) error {
	if c.Status.Terminal() {
		return nil
	}
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(c.ID),
		TaskQueue: s.taskQueue,
	}, CheckpointWorkflow, Input(c))
	if err != nil {
		return eris.Wrapf(err, "workflow: start checkpoints for %s", c.ID)
	}

	fields := []zap.Field{
		zap.String("component", "workflow.scheduler"),
		zap.String("campaign_id", c.ID),
		zap.String("workflow_id", WorkflowID(c.ID)),
	}
	if run != nil {
		fields = append(fields, zap.String("run_id", run.GetRunID()))
	}
	zap.L().Info("workflow: checkpoints scheduled", fields...)
	return nil
}

// Cancel cancels the campaign's checkpoint workflow. A workflow that has
// already finished is not an error.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	err := s.client.CancelWorkflow(ctx, WorkflowID(id), "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return eris.Wrapf(err, "workflow: cancel checkpoints for %s", id)
}
