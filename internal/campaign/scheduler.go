package campaign

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Lister lists campaigns for scheduler recovery.
type Lister interface {
	List(ctx context.Context, filter store.CampaignFilter) ([]model.Campaign, error)
}

// recoverLimit bounds how many live campaigns a single Recover rearms.
const recoverLimit = 10000

// Checkpoint is one scheduled evaluation.
type Checkpoint struct {
	Fraction float64
	At       time.Time
}

// DueCheckpoints returns the evaluations still owed to c as of now, in
// order. Overdue checkpoints collapse into the latest overdue one, run
// immediately. If the deadline itself is overdue only the deadline check
// remains.
func DueCheckpoints(c *model.Campaign, now time.Time) []Checkpoint {
	fractions := make([]float64, 0, len(c.CheckpointFractions)+1)
	last := c.LastFraction()
	for _, f := range c.CheckpointFractions {
		if f > last && f < model.DeadlineFraction && !c.HasCheckIn(f) {
			fractions = append(fractions, f)
		}
	}
	sort.Float64s(fractions)
	fractions = append(fractions, model.DeadlineFraction)

	var (
		due     []Checkpoint
		overdue *Checkpoint
	)
	for _, f := range fractions {
		at := c.CheckpointAt(f)
		if !at.After(now) {
			overdue = &Checkpoint{Fraction: f, At: now}
			continue
		}
		due = append(due, Checkpoint{Fraction: f, At: at})
	}
	if overdue != nil {
		due = append([]Checkpoint{*overdue}, due...)
	}
	return due
}

type campaignTimers struct {
	run    sync.Mutex
	timers []*time.Timer
}

// TimerScheduler arms in-process timers for each campaign checkpoint.
// Evaluations for one campaign never overlap. Timers do not survive a
// restart; call Recover on startup.
type TimerScheduler struct {
	eval   Evaluator
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	byID   map[string]*campaignTimers
	closed bool
	wg     sync.WaitGroup
}

// NewTimerScheduler creates a TimerScheduler that calls eval at each
// checkpoint.
func NewTimerScheduler(eval Evaluator) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		eval:   eval,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		byID:   make(map[string]*campaignTimers),
	}
}

// Schedule arms c's outstanding checkpoints, replacing any already armed.
func (s *TimerScheduler) Schedule(_ context.Context, c *model.Campaign) error {
	if c.Status.Terminal() {
		return nil
	}
	id := c.ID
	points := DueCheckpoints(c, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eris.New("campaign: scheduler closed")
	}

	ct := s.byID[id]
	if ct == nil {
		ct = &campaignTimers{}
		s.byID[id] = ct
	}
	for _, t := range ct.timers {
		t.Stop()
	}
	ct.timers = ct.timers[:0]

	now := s.now()
	for _, p := range points {
		fraction := p.Fraction
		delay := max(p.At.Sub(now), 0)
		ct.timers = append(ct.timers, time.AfterFunc(delay, func() {
			s.fire(id, ct, fraction)
		}))
	}

	zap.L().Debug("campaign: checkpoints armed",
		zap.String("component", "campaign.scheduler"),
		zap.String("campaign_id", id),
		zap.Int("checkpoints", len(points)),
	)
	return nil
}

// Cancel disarms every pending checkpoint of a campaign. An evaluation
// already running completes.
func (s *TimerScheduler) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ct := s.byID[id]; ct != nil {
		for _, t := range ct.timers {
			t.Stop()
		}
		delete(s.byID, id)
	}
	return nil
}

// Pending returns the number of campaigns with armed checkpoints.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Recover rearms every non-terminal campaign, typically after a restart.
func (s *TimerScheduler) Recover(ctx context.Context, src Lister) (int, error) {
	campaigns, err := src.List(ctx, store.CampaignFilter{ActiveOnly: true, Limit: recoverLimit})
	if err != nil {
		return 0, eris.Wrap(err, "campaign: recover list")
	}
	n := 0
	for i := range campaigns {
		if err := s.Schedule(ctx, &campaigns[i]); err != nil {
			return n, err
		}
		n++
	}
	zap.L().Info("campaign: scheduler recovered",
		zap.String("component", "campaign.scheduler"),
		zap.Int("campaigns", n),
	)
	return n, nil
}

// Close disarms all timers and waits for running evaluations.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, ct := range s.byID {
		for _, t := range ct.timers {
			t.Stop()
		}
		delete(s.byID, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *TimerScheduler) fire(id string, ct *campaignTimers, fraction float64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ct.run.Lock()
	defer ct.run.Unlock()

	log := zap.L().With(
		zap.String("component", "campaign.scheduler"),
		zap.String("campaign_id", id),
		zap.Float64("fraction", fraction),
	)
	out, err := s.eval.Evaluate(s.ctx, id, fraction)
	if err != nil {
		log.Error("campaign: checkpoint evaluation failed", zap.Error(err))
		return
	}
	log.Debug("campaign: checkpoint evaluated",
		zap.String("decision", string(out.Decision)),
		zap.String("status", string(out.Status)),
		zap.Bool("skipped", out.Skipped),
	)
	if out.Status.Terminal() {
		_ = s.Cancel(s.ctx, id)
	}
}
