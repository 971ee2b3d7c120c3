package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/directory"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

func TestCreateCampaign_DispatchesInitialPlan(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	c := h.create(t)

	assert.Equal(t, model.CampaignActive, c.Status)
	assert.Equal(t, 13, c.Plan.Target)
	assert.InDelta(t, 10.5, c.Plan.ExpectedResponses, 1e-9)
	assert.Greater(t, c.Plan.ConfidenceScore, 0.9)
	assert.Equal(t, map[int]int{1: 10, 2: 3}, c.Contacted)
	assert.Equal(t, map[int]int{1: 10, 2: 3}, c.Attempted)
	assert.Equal(t, c.Contacted, c.InitialContacted)
	assert.Equal(t, c.CreatedAt.Add(24*time.Hour), c.DeadlineAt)
	assert.Equal(t, []float64{0.25, 0.5, 0.75}, c.CheckpointFractions)
	assert.Empty(t, c.LastError)
	assert.Equal(t, 13, h.disp.callCount())
	assert.Equal(t, []string{c.ID}, h.sched.scheduled)

	contacts, err := h.store.ListContacts(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 13)
	for _, ct := range contacts {
		assert.Equal(t, model.ContactDispatched, ct.Status)
		assert.Equal(t, "rcpt-"+ct.ContractorID, ct.ReceiptID)
		assert.Zero(t, ct.Wave)
	}
}

func TestCreateCampaign_NoCapacityFlagsAtRisk(t *testing.T) {
	h := newHarness(t, []tierFixture{{1, 0, 0.9}, {2, 0, 0.5}}, nil, DefaultOptions())
	c := h.create(t)

	assert.Equal(t, model.CampaignActive, c.Status)
	assert.True(t, c.AtRisk)
	assert.True(t, c.Plan.NoCapacity)
	assert.Zero(t, c.Plan.ExpectedResponses)
	assert.Zero(t, c.Plan.ConfidenceScore)
	require.Len(t, c.CheckIns, 1)
	assert.Equal(t, model.DecisionAtRisk, c.CheckIns[0].Decision)
	assert.Zero(t, c.CheckIns[0].Fraction)
	assert.Zero(t, h.disp.callCount())

	view := c.View()
	assert.Equal(t, model.DecisionAtRisk, view.LatestDecision)
	assert.Equal(t, []string{c.ID}, h.sched.scheduled)
}

func TestCreateCampaign_InvalidRequest(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()

	bad := []model.BidRequest{
		{BidsNeeded: 0, TimelineHours: 24, Urgency: model.UrgencyStandard, ProjectCategory: "roofing"},
		{BidsNeeded: 3, TimelineHours: 0, Urgency: model.UrgencyStandard, ProjectCategory: "roofing"},
		{BidsNeeded: 3, TimelineHours: 24, Urgency: model.UrgencyStandard, ProjectCategory: "  "},
		{BidsNeeded: 3, TimelineHours: 24, Urgency: "whenever", ProjectCategory: "roofing"},
	}
	for _, req := range bad {
		_, err := h.orch.CreateCampaign(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}

	_, err := h.orch.CreateCampaign(ctx, model.BidRequest{
		BidsNeeded: 3, TimelineHours: 24, Urgency: model.UrgencyStandard, ProjectCategory: "plumbing",
	})
	assert.ErrorIs(t, err, directory.ErrUnknownCategory)

	all, err := h.store.ListCampaigns(ctx, store.CampaignFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateCampaign_NormalizesUrgency(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	req := emergencyRequest()
	req.Urgency = " Emergency "
	c, err := h.orch.CreateCampaign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.UrgencyEmergency, c.Request.Urgency)
}

func TestCreateCampaign_BackfillsFailedContact(t *testing.T) {
	disp := newFakeDispatcher(contractorID(1, 0))
	h := newHarness(t, scenarioTiers(), disp, DefaultOptions())
	c := h.create(t)

	// Tier 1 is exhausted by the initial wave, so the backfill spills to tier 2.
	assert.Equal(t, map[int]int{1: 9, 2: 4}, c.Contacted)
	assert.Equal(t, map[int]int{1: 10, 2: 4}, c.Attempted)
	assert.Contains(t, c.LastError, contractorID(1, 0))
	assert.Equal(t, model.CampaignActive, c.Status)

	contacts, err := h.store.ListContacts(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 14)

	var failed, backfill int
	for _, ct := range contacts {
		if ct.Status == model.ContactFailed {
			failed++
			assert.Equal(t, contractorID(1, 0), ct.ContractorID)
			assert.NotEmpty(t, ct.Error)
		}
		if ct.Backfill {
			backfill++
			assert.Equal(t, 2, ct.Tier)
			assert.Equal(t, model.ContactDispatched, ct.Status)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, backfill)
}

func TestCreateCampaign_BackfillPrefersSameTier(t *testing.T) {
	disp := newFakeDispatcher(contractorID(2, 0))
	h := newHarness(t, scenarioTiers(), disp, DefaultOptions())
	c := h.create(t)

	assert.Equal(t, map[int]int{1: 10, 2: 3}, c.Contacted)
	assert.Equal(t, map[int]int{1: 10, 2: 4}, c.Attempted)
}

func TestCreateCampaign_FailedBackfillIsNotRetried(t *testing.T) {
	disp := newFakeDispatcher(contractorID(1, 0), contractorID(2, 3))
	h := newHarness(t, scenarioTiers(), disp, DefaultOptions())
	c := h.create(t)

	// t2-003 is the backfill and fails too; nothing replaces it.
	assert.Equal(t, map[int]int{1: 9, 2: 3}, c.Contacted)
	assert.Equal(t, map[int]int{1: 10, 2: 4}, c.Attempted)
	assert.Equal(t, 14, disp.callCount())
}

func TestRecordResponses(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	_, err := h.orch.RecordResponses(ctx, c.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidResponses)

	_, err = h.orch.RecordResponses(ctx, c.ID, 14)
	assert.ErrorIs(t, err, ErrInvalidResponses)

	got, err := h.orch.RecordResponses(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ResponsesReceived)
	assert.Equal(t, model.CampaignActive, got.Status)
	version := got.Version

	// Stale totals are ignored without a write.
	got, err = h.orch.RecordResponses(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ResponsesReceived)
	assert.Equal(t, version, got.Version)
}

func TestRecordResponses_CompletesBeforeFirstCheckpoint(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	got, err := h.orch.RecordResponses(ctx, c.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Equal(t, []string{c.ID}, h.sched.cancelledIDs())

	h.at(c, 0.25)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.25)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, model.CampaignCompleted, out.Status)

	stored, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.CheckIns)
}

func TestCancelCampaign(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	got, err := h.orch.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCancelled, got.Status)
	assert.Equal(t, []string{c.ID}, h.sched.cancelledIDs())

	_, err = h.orch.CancelCampaign(ctx, c.ID)
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = h.orch.RecordResponses(ctx, c.ID, 3)
	assert.ErrorIs(t, err, ErrTerminal)

	h.at(c, 0.5)
	out, err := h.mgr.Evaluate(ctx, c.ID, 0.5)
	require.NoError(t, err)
	assert.True(t, out.Skipped)

	stored, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCancelled, stored.Status)
	assert.Zero(t, stored.ResponsesReceived)
	assert.Equal(t, got.Version, stored.Version)
}

func TestCancelCampaign_NotFound(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	_, err := h.orch.CancelCampaign(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelCampaign_StopsInFlightDispatch(t *testing.T) {
	disp := newFakeDispatcher()
	disp.block = make(chan struct{})
	h := newHarness(t, scenarioTiers(), disp, DefaultOptions())
	ctx := context.Background()

	type created struct {
		c   *model.Campaign
		err error
	}
	done := make(chan created, 1)
	go func() {
		c, err := h.orch.CreateCampaign(ctx, emergencyRequest())
		done <- created{c, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		list, err := h.store.ListCampaigns(ctx, store.CampaignFilter{})
		if err != nil || len(list) == 0 {
			return false
		}
		id = list[0].ID
		return true
	}, 5*time.Second, 5*time.Millisecond)

	_, err := h.orch.CancelCampaign(ctx, id)
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, model.CampaignCancelled, res.c.Status)
	assert.Zero(t, res.c.ContactedTotal())
	assert.Zero(t, disp.callCount())
	assert.Empty(t, h.sched.scheduled)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)
	_, err := h.orch.RecordResponses(ctx, c.ID, 1)
	require.NoError(t, err)

	view, err := h.orch.Status(ctx, c.ID)
	require.NoError(t, err)

	want := model.CampaignView{
		ID:                c.ID,
		Status:            model.CampaignActive,
		ContactedCount:    map[int]int{1: 10, 2: 3},
		ContactedTotal:    13,
		ResponsesReceived: 1,
		BidsNeeded:        4,
		ConfidenceScore:   c.Plan.ConfidenceScore,
		DeadlineAt:        c.DeadlineAt,
	}
	if diff := cmp.Diff(want, view); diff != "" {
		t.Errorf("status view mismatch (-want +got):\n%s", diff)
	}

	_, err = h.orch.Status(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// conflictingStore fails the first n campaign updates with a version
// conflict.
type conflictingStore struct {
	store.Store
	n int
}

func (s *conflictingStore) UpdateCampaign(ctx context.Context, c *model.Campaign) error {
	if s.n > 0 {
		s.n--
		return store.ErrVersionConflict
	}
	return s.Store.UpdateCampaign(ctx, c)
}

func TestMutate_RetriesVersionConflicts(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	ctx := context.Background()
	c := h.create(t)

	cs := &conflictingStore{Store: h.store, n: 2}
	h.orch.store = cs
	got, err := h.orch.RecordResponses(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ResponsesReceived)
	assert.Zero(t, cs.n)

	cs.n = 100
	_, err = h.orch.RecordResponses(ctx, c.ID, 3)
	assert.True(t, errors.Is(err, store.ErrVersionConflict))
}

func TestPreviewPlan(t *testing.T) {
	h := newHarness(t, scenarioTiers(), nil, DefaultOptions())
	plan, err := h.orch.PreviewPlan(context.Background(), model.BidRequest{
		BidsNeeded: 4, Urgency: model.UrgencyEmergency, ProjectCategory: "roofing",
	})
	require.NoError(t, err)
	assert.Equal(t, []model.TierAllocation{
		{Tier: 1, Contacts: 10, ResponseRate: 0.9},
		{Tier: 2, Contacts: 3, ResponseRate: 0.5},
	}, plan.Allocations)
	assert.Zero(t, h.disp.callCount())

	all, err := h.store.ListCampaigns(context.Background(), store.CampaignFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
