package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

func TestEvaluate_OnPaceRecordsNoAction(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	_, err := h.orch.RecordResponses(ctx, c.ID, 2)
	require.NoError(t, err)

	h.at(c, 0.25)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.25)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionNoAction, out.Decision)
	assert.Equal(t, model.CampaignActive, out.Status)
	assert.False(t, out.Skipped)

	got, err := h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.CheckIns, 1)
	ev := got.CheckIns[0]
	assert.Equal(t, 2, ev.ResponsesAtCheckIn)
	assert.InDelta(t, 2.625, ev.ExpectedAtCheckIn, 1e-9)
	assert.Nil(t, ev.DeltaPlan)
	assert.Equal(t, 13, h.disp.callCount())
}

func TestEvaluate_BehindPaceEscalates(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	h.at(c, 0.25)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.25)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionEscalated, out.Decision)
	assert.Equal(t, model.CampaignActive, out.Status)

	got, err := h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationCount)
	require.Len(t, got.CheckIns, 1)

	ev := got.CheckIns[0]
	assert.Zero(t, ev.ResponsesAtCheckIn)
	assert.InDelta(t, 2.625, ev.ExpectedAtCheckIn, 1e-9)
	require.NotNil(t, ev.DeltaPlan)
	// Tier 1 is spent; the delta is recomputed against what remains.
	assert.Equal(t, []model.TierAllocation{{Tier: 2, Contacts: 13, ResponseRate: 0.5}}, ev.DeltaPlan.Allocations)
	assert.Equal(t, map[int]int{2: 13}, ev.Applied)

	assert.Equal(t, map[int]int{1: 10, 2: 16}, got.Contacted)
	assert.Equal(t, got.Contacted, got.AppliedTotal())
	assert.InDelta(t, 10*0.9+16*0.5, got.Plan.ExpectedResponses, 1e-9)
	assert.Equal(t, 26, h.disp.callCount())

	contacts, err := h.store.ListContacts(ctx, c.ID)
	require.NoError(t, err)
	waves := map[int]int{}
	seen := map[string]bool{}
	for _, ct := range contacts {
		waves[ct.Wave]++
		assert.False(t, seen[ct.ContractorID], "contractor %s contacted twice", ct.ContractorID)
		seen[ct.ContractorID] = true
	}
	assert.Equal(t, map[int]int{0: 13, 1: 13}, waves)
}

func TestEvaluate_EscalationCap(t *testing.T) {
	opts := DefaultOptions()
	opts.CheckpointFractions = []float64{0.2, 0.4, 0.6, 0.8}
	h := newHarness(t, scenarioTiers(), nil, opts)
	ctx := context.Background()
	c := h.create(t)

	for i, f := range []float64{0.2, 0.4, 0.6} {
		h.at(c, f)
		out, err := h.mgr.Evaluate(ctx, c.ID, f)
		require.NoError(t, err)
		assert.Equal(t, model.DecisionEscalated, out.Decision, "escalation %d", i+1)
	}
	calls := h.disp.callCount()

	h.at(c, 0.8)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.8)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAtRisk, out.Decision)
	assert.Equal(t, model.CampaignActive, out.Status)
	assert.Equal(t, calls, h.disp.callCount(), "no dispatch after the cap")

	got, err := h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.EscalationCount)
	assert.True(t, got.AtRisk)
	require.Len(t, got.CheckIns, 4)
	assert.Equal(t, "escalation cap reached", got.CheckIns[3].Note)
	assert.Nil(t, got.CheckIns[3].DeltaPlan)
	assert.Equal(t, got.Contacted, got.AppliedTotal())

	view := got.View()
	assert.Equal(t, model.DecisionAtRisk, view.LatestDecision)
}

func TestEvaluate_SkipsWhileEscalationInFlight(t *testing.T) {
	disp := newFakeDispatcher()
	h := newHarness(t, scenarioTiers(), disp, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	disp.block = make(chan struct{})
	h.at(c, 0.5)

	type evaluated struct {
		out Outcome
		err error
	}
	first := make(chan evaluated, 1)
	go func() {
		out, err := h.mgr.Evaluate(ctx, c.ID, 0.25)
		first <- evaluated{out, err}
	}()

	require.Eventually(t, func() bool {
		cur, err := h.store.GetCampaign(ctx, c.ID)
		return err == nil && cur.Status == model.CampaignEscalated
	}, 5*time.Second, 5*time.Millisecond)

	out, err := h.mgr.Evaluate(ctx, c.ID, 0.5)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, model.CampaignEscalated, out.Status)
	assert.Empty(t, out.Decision)

	delta := model.ContactPlan{Allocations: []model.TierAllocation{{Tier: 2, Contacts: 1, ResponseRate: 0.5}}}
	_, err = h.orch.ApplyEscalation(ctx, c.ID, model.CheckInEvent{ID: "second", Fraction: 0.5}, delta)
	assert.ErrorIs(t, err, ErrEscalationInFlight)
	_, err = h.orch.RecordCheckIn(ctx, c.ID, model.CheckInEvent{ID: "noop", Fraction: 0.5, Decision: model.DecisionNoAction})
	assert.ErrorIs(t, err, ErrEscalationInFlight)

	close(disp.block)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, model.DecisionEscalated, res.out.Decision)

	got, err := h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, got.Status)
	assert.Equal(t, 1, got.EscalationCount)
	require.Len(t, got.CheckIns, 1)
	assert.Equal(t, map[int]int{1: 10, 2: 16}, got.Contacted)
	assert.Equal(t, 26, disp.callCount())

	// The skipped fraction can still be evaluated once the wave lands.
	out, err = h.mgr.Evaluate(ctx, c.ID, 0.5)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	got, err = h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.CheckIns, 2)
}

func TestEvaluate_AtRiskWhenCapacityExhausted(t *testing.T) {
	h := newHarness(t, []tierFixture{{1, 6, 0.9}}, nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)
	require.Equal(t, map[int]int{1: 5}, c.Contacted)

	h.at(c, 0.25)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.25)
	require.NoError(t, err)
	// One contractor is left, so the delta is a partial plan.
	assert.Equal(t, model.DecisionEscalated, out.Decision)

	h.at(c, 0.5)
	out, err = h.mgr.Evaluate(ctx, c.ID, 0.5)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAtRisk, out.Decision)

	got, err := h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationCount)
	assert.True(t, got.AtRisk)
	assert.Equal(t, "no remaining tier capacity", got.CheckIns[1].Note)
}

func TestEvaluate_DuplicateAndStaleFractionsSkip(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)
	_, err := h.orch.RecordResponses(ctx, c.ID, 3)
	require.NoError(t, err)

	h.at(c, 0.25)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.25)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionNoAction, out.Decision)

	for _, f := range []float64{0.25, 0.2} {
		out, err = h.mgr.Evaluate(ctx, c.ID, f)
		require.NoError(t, err)
		assert.True(t, out.Skipped, "fraction %v", f)
	}

	got, err := h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.CheckIns, 1)
}

func TestEvaluate_DeadlineExpires(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)
	_, err := h.orch.RecordResponses(ctx, c.ID, 1)
	require.NoError(t, err)

	h.at(c, 1.0)
	out, err := h.mgr.Evaluate(ctx, c.ID, model.DeadlineFraction)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignExpired, out.Status)
	assert.Equal(t, []string{c.ID}, h.sched.cancelledIDs())

	out, err = h.mgr.Evaluate(ctx, c.ID, model.DeadlineFraction)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, model.CampaignExpired, out.Status)
}

func TestEvaluate_LateCheckpointPastDeadlineExpires(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	h.clock = c.DeadlineAt.Add(time.Minute)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.75)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignExpired, out.Status)
	assert.Equal(t, 13, h.disp.callCount(), "no escalation past the deadline")
}

func TestEvaluate_CompletesWhenBidsMet(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	// Responses landed while the campaign was escalating, bypassing the
	// completion in RecordResponses.
	cur, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	cur.ResponsesReceived = 4
	require.NoError(t, h.store.UpdateCampaign(ctx, cur))

	h.at(c, 0.25)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.25)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, out.Status)
}

func TestExpire_BeforeDeadlineFails(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	c := h.create(t)
	_, err := h.orch.Expire(context.Background(), c.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline")
}

func TestBehindPace(t *testing.T) {
	c := &model.Campaign{Contacted: map[int]int{1: 10}, ResponsesReceived: 1}
	assert.True(t, behindPace(c, 2.625, 0.75))
	c.ResponsesReceived = 2
	assert.False(t, behindPace(c, 2.625, 0.75))

	empty := &model.Campaign{}
	assert.True(t, behindPace(empty, 0, 0.75))
}
