package campaign

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/directory"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/planner"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Scheduler arms and disarms a campaign's checkpoint evaluations.
type Scheduler interface {
	Schedule(ctx context.Context, c *model.Campaign) error
	Cancel(ctx context.Context, id string) error
}

// errUnchanged short-circuits a mutation that has nothing to write.
var errUnchanged = errors.New("campaign: unchanged")

// Orchestrator is the single writer of campaign state. Every write is a
// versioned read-modify-write retried on conflict, and dispatch always runs
// between writes so no write is held across channel I/O.
type Orchestrator struct {
	store     store.Store
	directory directory.Directory
	calc      *planner.Calculator
	fanout    *dispatch.Fanout
	opts      Options
	now       func() time.Time

	mu        sync.Mutex
	scheduler Scheduler
	inflight  map[string]map[uint64]context.CancelFunc
	seq       uint64
}

// NewOrchestrator wires an Orchestrator. Call SetScheduler before creating
// campaigns that should be checked in on.
func NewOrchestrator(st store.Store, dir directory.Directory, calc *planner.Calculator, fanout *dispatch.Fanout, opts Options) *Orchestrator {
	return &Orchestrator{
		store:     st,
		directory: dir,
		calc:      calc,
		fanout:    fanout,
		opts:      opts,
		now:       time.Now,
		inflight:  make(map[string]map[uint64]context.CancelFunc),
	}
}

// SetScheduler attaches the checkpoint scheduler. Schedulers depend on a
// Manager that depends on the Orchestrator, so this is set after
// construction.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduler = s
}

func (o *Orchestrator) getScheduler() Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scheduler
}

func (o *Orchestrator) logger(id string) *zap.Logger {
	return zap.L().With(zap.String("component", "campaign.orchestrator"), zap.String("campaign_id", id))
}

// CreateCampaign plans, persists and dispatches a new campaign, then
// schedules its checkpoints. The campaign is ACTIVE on return unless it was
// cancelled while the initial wave was in flight.
func (o *Orchestrator) CreateCampaign(ctx context.Context, req model.BidRequest) (*model.Campaign, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	stats, err := o.directory.TierStats(ctx, req.ProjectCategory)
	if err != nil {
		return nil, eris.Wrapf(err, "campaign: tier stats for %q", req.ProjectCategory)
	}
	plan, err := o.calc.ComputePlan(req.BidsNeeded, req.Urgency, stats)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	c := &model.Campaign{
		Request:             req,
		Plan:                plan,
		Contacted:           map[int]int{},
		Attempted:           map[int]int{},
		InitialContacted:    map[int]int{},
		Status:              model.CampaignStrategized,
		CheckpointFractions: append([]float64(nil), o.opts.CheckpointFractions...),
		CreatedAt:           now,
		DeadlineAt:          now.Add(req.Timeline()),
	}
	if err := o.store.CreateCampaign(ctx, c); err != nil {
		return nil, eris.Wrap(err, "campaign: create")
	}

	id := c.ID
	log := o.logger(id)
	log.Info("campaign created",
		zap.Int("bids_needed", req.BidsNeeded),
		zap.String("urgency", string(req.Urgency)),
		zap.Int("planned_contacts", plan.TotalContacts()),
		zap.Float64("confidence", plan.ConfidenceScore),
		zap.Bool("no_capacity", plan.NoCapacity),
	)

	if plan.NoCapacity {
		c, err = o.mutate(ctx, id, func(cur *model.Campaign) error {
			cur.CheckIns = append(cur.CheckIns, model.CheckInEvent{
				ID:          uuid.NewString(),
				Fraction:    0,
				EvaluatedAt: now,
				Decision:    model.DecisionAtRisk,
				Note:        "no tier has capacity",
			})
			cur.AtRisk = true
			cur.Status = model.CampaignActive
			return nil
		})
	} else {
		c, err = o.dispatchInitial(ctx, c)
	}
	if errors.Is(err, ErrTerminal) {
		return o.store.GetCampaign(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	log.Info("campaign active",
		zap.Int("contacted", c.ContactedTotal()),
		zap.Bool("at_risk", c.AtRisk),
	)
	o.schedule(ctx, c)
	return c, nil
}

func (o *Orchestrator) dispatchInitial(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	id := c.ID
	dctx, done := o.beginDispatch(ctx, id)
	defer done()

	// A cancel that landed before the dispatch was registered is only
	// visible in the store.
	cur, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return c, err
	}
	if cur.Status.Terminal() {
		return c, eris.Wrapf(ErrTerminal, "campaign %s is %s", id, cur.Status)
	}

	res, werr := o.runWave(dctx, cur, cur.Plan.Allocations, 0)
	if werr != nil {
		o.logger(id).Error("campaign: initial wave failed", zap.Error(werr))
	}

	updated, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		cur.Contacted = res.contacted
		cur.Attempted = res.attempted
		cur.InitialContacted = copyTiers(res.contacted)
		cur.Plan = o.reproject(cur, cur.Plan, res.rates)
		cur.Status = model.CampaignActive
		cur.LastError = res.errorText(werr)
		return nil
	})
	if err != nil {
		return c, err
	}
	return updated, nil
}

// ApplyEscalation records a behind-pace check-in and dispatches the delta
// plan's contacts. When the escalation cap is reached, or the delta has no
// capacity, it records at_risk_flagged instead and dispatches nothing.
//
// The escalation is reserved (status ESCALATED, count incremented, event
// appended) before dispatch and committed after, when the contacts that were
// actually reached are added to the campaign and the event.
func (o *Orchestrator) ApplyEscalation(ctx context.Context, id string, ev model.CheckInEvent, delta model.ContactPlan) (*model.Campaign, error) {
	log := o.logger(id)
	dctx, done := o.beginDispatch(ctx, id)
	defer done()

	var reserved model.CheckInEvent
	c, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		if err := checkWritable(cur, ev.Fraction); err != nil {
			return err
		}
		rec := ev
		switch {
		case cur.EscalationCount >= o.opts.MaxEscalations:
			rec.Decision = model.DecisionAtRisk
			rec.Note = "escalation cap reached"
			cur.AtRisk = true
		case delta.NoCapacity || delta.TotalContacts() == 0:
			rec.Decision = model.DecisionAtRisk
			rec.Note = "no remaining tier capacity"
			cur.AtRisk = true
		default:
			plan := delta
			plan.Allocations = append([]model.TierAllocation(nil), delta.Allocations...)
			rec.Decision = model.DecisionEscalated
			rec.DeltaPlan = &plan
			rec.Applied = map[int]int{}
			cur.EscalationCount++
			cur.Status = model.CampaignEscalated
		}
		cur.CheckIns = append(cur.CheckIns, rec)
		reserved = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reserved.Decision != model.DecisionEscalated {
		log.Warn("campaign: escalation suppressed",
			zap.Float64("fraction", ev.Fraction),
			zap.String("reason", reserved.Note),
			zap.Int("escalation_count", c.EscalationCount),
		)
		return c, nil
	}

	log.Info("campaign escalated",
		zap.Float64("fraction", ev.Fraction),
		zap.Int("responses", ev.ResponsesAtCheckIn),
		zap.Float64("expected", ev.ExpectedAtCheckIn),
		zap.Int("delta_contacts", delta.TotalContacts()),
		zap.Int("escalation_count", c.EscalationCount),
	)

	res, werr := o.runWave(dctx, c, delta.Allocations, c.EscalationCount)
	if werr != nil {
		log.Error("campaign: escalation wave failed", zap.Error(werr))
	}

	committed, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		idx := -1
		for i := range cur.CheckIns {
			if cur.CheckIns[i].ID == reserved.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return eris.Errorf("campaign: escalation %s missing from %s", reserved.ID, id)
		}
		cur.CheckIns[idx].Applied = copyTiers(res.contacted)
		cur.Contacted = addTiers(cur.Contacted, res.contacted)
		cur.Attempted = addTiers(cur.Attempted, res.attempted)
		cur.Plan = o.reproject(cur, delta, res.rates)
		if cur.Status == model.CampaignEscalated {
			cur.Status = model.CampaignActive
		}
		cur.LastError = res.errorText(werr)
		return nil
	})
	if errors.Is(err, ErrTerminal) {
		log.Warn("campaign: terminal before escalation commit; wave not counted",
			zap.Int("dispatched", sumTiers(res.contacted)),
		)
		return o.store.GetCampaign(ctx, id)
	}
	return committed, err
}

// RecordCheckIn appends a non-escalating check-in.
func (o *Orchestrator) RecordCheckIn(ctx context.Context, id string, ev model.CheckInEvent) (*model.Campaign, error) {
	c, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		if err := checkWritable(cur, ev.Fraction); err != nil {
			return err
		}
		if ev.Decision == model.DecisionAtRisk {
			cur.AtRisk = true
		}
		cur.CheckIns = append(cur.CheckIns, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger(id).Info("campaign check-in",
		zap.Float64("fraction", ev.Fraction),
		zap.String("decision", string(ev.Decision)),
		zap.Int("responses", ev.ResponsesAtCheckIn),
		zap.Float64("expected", ev.ExpectedAtCheckIn),
	)
	return c, nil
}

// RecordResponses applies a cumulative response total from the response
// feed. Totals at or below the current count are ignored; totals above the
// contacted count are rejected. Reaching bidsNeeded completes the campaign.
func (o *Orchestrator) RecordResponses(ctx context.Context, id string, total int) (*model.Campaign, error) {
	if total < 0 {
		return nil, eris.Wrapf(ErrInvalidResponses, "negative total %d", total)
	}
	c, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		if total <= cur.ResponsesReceived {
			return errUnchanged
		}
		if total > cur.ContactedTotal() {
			return eris.Wrapf(ErrInvalidResponses, "%d responses exceed %d contacted", total, cur.ContactedTotal())
		}
		cur.ResponsesReceived = total
		if total >= cur.Request.BidsNeeded {
			cur.Status = model.CampaignCompleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Status == model.CampaignCompleted {
		o.logger(id).Info("campaign completed", zap.Int("responses", c.ResponsesReceived))
		o.release(ctx, id)
	}
	return c, nil
}

// Complete moves a campaign that has enough responses to COMPLETED.
func (o *Orchestrator) Complete(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		if cur.ResponsesReceived < cur.Request.BidsNeeded {
			return eris.Errorf("campaign: %s has %d of %d responses", id, cur.ResponsesReceived, cur.Request.BidsNeeded)
		}
		cur.Status = model.CampaignCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger(id).Info("campaign completed", zap.Int("responses", c.ResponsesReceived))
	o.release(ctx, id)
	return c, nil
}

// Expire ends a campaign at its deadline. A campaign that already has
// enough responses completes instead.
func (o *Orchestrator) Expire(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		if cur.ResponsesReceived >= cur.Request.BidsNeeded {
			cur.Status = model.CampaignCompleted
			return nil
		}
		if o.now().Before(cur.DeadlineAt) {
			return eris.Errorf("campaign: %s deadline %s not reached", id, cur.DeadlineAt.Format(time.RFC3339))
		}
		cur.Status = model.CampaignExpired
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger(id).Info("campaign finished at deadline",
		zap.String("status", string(c.Status)),
		zap.Int("responses", c.ResponsesReceived),
		zap.Int("bids_needed", c.Request.BidsNeeded),
	)
	o.release(ctx, id)
	return c, nil
}

// CancelCampaign moves a non-terminal campaign to CANCELLED, aborts any
// in-flight dispatch and disarms its checkpoints.
func (o *Orchestrator) CancelCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := o.mutate(ctx, id, func(cur *model.Campaign) error {
		cur.Status = model.CampaignCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger(id).Info("campaign cancelled")
	o.release(ctx, id)
	return c, nil
}

// PreviewPlan computes the contact plan a request would start with,
// without creating a campaign.
func (o *Orchestrator) PreviewPlan(ctx context.Context, req model.BidRequest) (model.ContactPlan, error) {
	if req.TimelineHours == 0 {
		req.TimelineHours = 1
	}
	if err := validateRequest(&req); err != nil {
		return model.ContactPlan{}, err
	}
	stats, err := o.directory.TierStats(ctx, req.ProjectCategory)
	if err != nil {
		return model.ContactPlan{}, eris.Wrapf(err, "campaign: tier stats for %q", req.ProjectCategory)
	}
	return o.calc.ComputePlan(req.BidsNeeded, req.Urgency, stats)
}

// Get returns the stored campaign.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.Campaign, error) {
	return o.store.GetCampaign(ctx, id)
}

// Status returns the read model for a campaign.
func (o *Orchestrator) Status(ctx context.Context, id string) (model.CampaignView, error) {
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return model.CampaignView{}, err
	}
	return c.View(), nil
}

// List returns campaigns matching filter.
func (o *Orchestrator) List(ctx context.Context, filter store.CampaignFilter) ([]model.Campaign, error) {
	return o.store.ListCampaigns(ctx, filter)
}

// mutate loads a campaign, applies fn and writes it back, retrying version
// conflicts. Terminal campaigns are rejected before fn runs.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(c *model.Campaign) error) (*model.Campaign, error) {
	policy := resilience.ConflictPolicy(o.opts.ConflictRetries, func(err error) bool {
		return errors.Is(err, store.ErrVersionConflict)
	})
	policy.OnRetry = resilience.RetryLogger("campaign.orchestrator", "update", zap.String("campaign_id", id))

	c, _, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*model.Campaign, error) {
		cur, err := o.store.GetCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return nil, eris.Wrapf(ErrTerminal, "campaign %s is %s", id, cur.Status)
		}
		if err := fn(cur); err != nil {
			if errors.Is(err, errUnchanged) {
				return cur, nil
			}
			return nil, err
		}
		cur.UpdatedAt = o.now().UTC()
		if err := o.store.UpdateCampaign(ctx, cur); err != nil {
			return nil, err
		}
		return cur, nil
	})
	return c, err
}

func (o *Orchestrator) schedule(ctx context.Context, c *model.Campaign) {
	s := o.getScheduler()
	if s == nil {
		return
	}
	if err := s.Schedule(ctx, c); err != nil {
		o.logger(c.ID).Error("campaign: schedule checkpoints", zap.Error(err))
	}
}

// release aborts in-flight dispatch and disarms checkpoints after a
// campaign reaches a terminal state.
func (o *Orchestrator) release(ctx context.Context, id string) {
	o.abortDispatch(id)
	if s := o.getScheduler(); s != nil {
		if err := s.Cancel(context.WithoutCancel(ctx), id); err != nil {
			o.logger(id).Warn("campaign: cancel checkpoints", zap.Error(err))
		}
	}
}

// beginDispatch derives a dispatch context that outlives the caller's
// request, is bounded by the enqueue timeout and is cancelled when the
// campaign is released.
func (o *Orchestrator) beginDispatch(parent context.Context, id string) (context.Context, func()) {
	base := context.WithoutCancel(parent)
	var ctx context.Context
	var cancel context.CancelFunc
	if o.opts.EnqueueTimeout > 0 {
		ctx, cancel = context.WithTimeout(base, o.opts.EnqueueTimeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}

	o.mu.Lock()
	o.seq++
	key := o.seq
	if o.inflight[id] == nil {
		o.inflight[id] = make(map[uint64]context.CancelFunc)
	}
	o.inflight[id][key] = cancel
	o.mu.Unlock()

	return ctx, func() {
		cancel()
		o.mu.Lock()
		delete(o.inflight[id], key)
		if len(o.inflight[id]) == 0 {
			delete(o.inflight, id)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) abortDispatch(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cancel := range o.inflight[id] {
		cancel()
	}
}

// reproject rebuilds the campaign's current plan from what was actually
// contacted, carrying the target and shortfall of the plan that drove the
// latest wave.
func (o *Orchestrator) reproject(c *model.Campaign, latest model.ContactPlan, rates map[int]float64) model.ContactPlan {
	known := make(map[int]float64)
	for t, p := range rates {
		known[t] = p
	}
	for _, a := range c.Plan.Allocations {
		known[a.Tier] = a.ResponseRate
	}
	for _, a := range latest.Allocations {
		known[a.Tier] = a.ResponseRate
	}
	plan := o.calc.Project(c.Request.BidsNeeded, c.Contacted, known)
	plan.Target = latest.Target
	plan.Shortfall = latest.Shortfall
	plan.NoCapacity = latest.NoCapacity
	return plan
}

func validateRequest(req *model.BidRequest) error {
	req.ProjectCategory = strings.TrimSpace(req.ProjectCategory)
	if u, ok := model.ParseUrgency(string(req.Urgency)); ok {
		req.Urgency = u
	}
	switch {
	case req.BidsNeeded <= 0:
		return eris.Wrapf(ErrInvalidRequest, "bids_needed must be positive, got %d", req.BidsNeeded)
	case req.TimelineHours <= 0:
		return eris.Wrapf(ErrInvalidRequest, "timeline_hours must be positive, got %v", req.TimelineHours)
	case req.ProjectCategory == "":
		return eris.Wrap(ErrInvalidRequest, "project_category is required")
	}
	if _, ok := model.ParseUrgency(string(req.Urgency)); !ok {
		return eris.Wrapf(ErrInvalidRequest, "unknown urgency %q", req.Urgency)
	}
	return nil
}

// checkWritable gates check-in writes: the campaign must not be mid-wave
// and the fraction must be new.
func checkWritable(c *model.Campaign, fraction float64) error {
	if c.Status == model.CampaignEscalated {
		return eris.Wrapf(ErrEscalationInFlight, "campaign %s at %.2f", c.ID, fraction)
	}
	return checkFraction(c, fraction)
}

func checkFraction(c *model.Campaign, fraction float64) error {
	if c.HasCheckIn(fraction) || fraction <= c.LastFraction() {
		return eris.Wrapf(ErrCheckpointRecorded, "campaign %s fraction %.2f", c.ID, fraction)
	}
	return nil
}

func copyTiers(m map[int]int) map[int]int {
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func addTiers(dst, delta map[int]int) map[int]int {
	if dst == nil {
		dst = make(map[int]int, len(delta))
	}
	for k, v := range delta {
		dst[k] += v
	}
	return dst
}

func sumTiers(m map[int]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
