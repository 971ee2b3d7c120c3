// Package dispatch delivers outreach contacts to the outbound channel.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// ErrPermanent marks a channel rejection that retrying cannot fix.
var ErrPermanent = eris.New("dispatch: permanent failure")

// Dispatcher hands one contact to the channel. A receipt confirms the
// channel accepted the message, not that it was delivered. Implementations
// must be idempotent per Contact.IdempotencyKey.
type Dispatcher interface {
	Dispatch(ctx context.Context, contact model.Contact, req model.BidRequest) (model.DispatchReceipt, error)
}

// PolicyFromConfig builds the per-contact retry policy.
func PolicyFromConfig(cfg config.DispatchConfig) resilience.Policy {
	p := resilience.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.TimeoutSecs > 0 {
		p.AttemptTimeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return p
}

// LogDispatcher accepts every contact and only logs it. It backs dry runs
// and deployments without a configured channel.
type LogDispatcher struct {
	now func() time.Time
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{now: time.Now}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, contact model.Contact, req model.BidRequest) (model.DispatchReceipt, error) {
	if err := ctx.Err(); err != nil {
		return model.DispatchReceipt{}, eris.Wrap(err, "dispatch: log")
	}
	zap.L().Info("dispatch: contact logged",
		zap.String("campaign_id", contact.CampaignID),
		zap.String("contractor_id", contact.ContractorID),
		zap.Int("tier", contact.Tier),
		zap.String("category", req.ProjectCategory),
	)
	return model.DispatchReceipt{
		ID:         uuid.NewString(),
		Channel:    "log",
		AcceptedAt: d.now().UTC(),
	}, nil
}
