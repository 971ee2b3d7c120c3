package dispatch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// Result is the outcome of dispatching one contact.
type Result struct {
	Contact  model.Contact
	Receipt  model.DispatchReceipt
	Attempts int
	Err      error
}

// Fanout dispatches a wave of contacts in parallel, retrying each contact
// independently. One contact's failure never cancels the others.
type Fanout struct {
	dispatcher  Dispatcher
	policy      resilience.Policy
	concurrency int
}

// NewFanout creates a Fanout. concurrency <= 0 means one contact at a time.
func NewFanout(d Dispatcher, policy resilience.Policy, concurrency int) *Fanout {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fanout{dispatcher: d, policy: policy, concurrency: concurrency}
}

// Send dispatches contacts and returns one Result per contact, in input
// order. It blocks until every contact has succeeded or given up.
func (f *Fanout) Send(ctx context.Context, req model.BidRequest, contacts []model.Contact) []Result {
	results := make([]Result, len(contacts))

	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)

	for i := range contacts {
		contact := contacts[i]
		g.Go(func() error {
			policy := f.policy
			policy.OnRetry = resilience.RetryLogger("dispatch.fanout", "dispatch",
				zap.String("campaign_id", contact.CampaignID),
				zap.String("contractor_id", contact.ContractorID),
			)
			receipt, attempts, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (model.DispatchReceipt, error) {
				return f.dispatcher.Dispatch(ctx, contact, req)
			})
			results[i] = Result{Contact: contact, Receipt: receipt, Attempts: attempts, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
