// Package feed consumes response-count updates from Pub/Sub and applies
// them to campaigns.
package feed

import (
	"context"
	"encoding/json"
	"errors"

	"cloud.google.com/go/pubsub"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/campaign"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Update is one message on the response feed. ResponsesReceived is the
// cumulative total for the campaign, not an increment.
type Update struct {
	CampaignID        string `json:"campaign_id"`
	ResponsesReceived int    `json:"responses_received"`
}

// ResponseRecorder applies response totals.
type ResponseRecorder interface {
	RecordResponses(ctx context.Context, id string, total int) (*model.Campaign, error)
}

// Subscriber receives updates from a Pub/Sub subscription.
type Subscriber struct {
	sub      *pubsub.Subscription
	recorder ResponseRecorder
	log      *zap.Logger
}

// NewSubscriber binds to the configured subscription.
func NewSubscriber(client *pubsub.Client, cfg config.FeedConfig, rec ResponseRecorder) *Subscriber {
	sub := client.Subscription(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return newSubscriber(sub, rec)
}

func newSubscriber(sub *pubsub.Subscription, rec ResponseRecorder) *Subscriber {
	return &Subscriber{
		sub:      sub,
		recorder: rec,
		log:      zap.L().With(zap.String("component", "feed")),
	}
}

// Run receives until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.log.Info("feed: receiving", zap.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.Handle(ctx, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return eris.Wrap(err, "feed: receive")
	}
	return nil
}

// Handle applies one encoded update and reports whether the message is
// done with. Malformed updates and updates the campaign can never accept
// are dropped; store failures are left for redelivery.
func (s *Subscriber) Handle(ctx context.Context, data []byte) bool {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		s.log.Warn("feed: dropping malformed update", zap.Error(err))
		return true
	}
	if u.CampaignID == "" {
		s.log.Warn("feed: dropping update without campaign_id")
		return true
	}

	log := s.log.With(zap.String("campaign_id", u.CampaignID), zap.Int("responses", u.ResponsesReceived))
	c, err := s.recorder.RecordResponses(ctx, u.CampaignID, u.ResponsesReceived)
	switch {
	case err == nil:
		log.Debug("feed: responses applied", zap.String("status", string(c.Status)))
		return true
	case errors.Is(err, campaign.ErrTerminal),
		errors.Is(err, campaign.ErrInvalidResponses),
		errors.Is(err, store.ErrNotFound):
		log.Warn("feed: update rejected", zap.Error(err))
		return true
	default:
		log.Error("feed: update failed", zap.Error(err))
		return false
	}
}
