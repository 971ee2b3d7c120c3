package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaignStatus_Terminal(t *testing.T) {
	for _, s := range []CampaignStatus{CampaignCompleted, CampaignExpired, CampaignCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []CampaignStatus{CampaignStrategized, CampaignActive, CampaignEscalated} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestParseUrgency(t *testing.T) {
	u, ok := ParseUrgency("  Emergency ")
	require.True(t, ok)
	assert.Equal(t, UrgencyEmergency, u)

	_, ok = ParseUrgency("whenever")
	assert.False(t, ok)
}

func TestCampaign_CheckpointAt(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Campaign{CreatedAt: created, DeadlineAt: created.Add(24 * time.Hour)}

	assert.Equal(t, created.Add(6*time.Hour), c.CheckpointAt(0.25))
	assert.Equal(t, created.Add(24*time.Hour), c.CheckpointAt(DeadlineFraction))
}

func TestCampaign_Remaining(t *testing.T) {
	c := &Campaign{Attempted: map[int]int{1: 10, 2: 3}}
	got := c.Remaining([]TierStat{
		{Tier: 1, Available: 10, ResponseRate: 0.9},
		{Tier: 2, Available: 30, ResponseRate: 0.5},
		{Tier: 3, Available: 100, ResponseRate: 0.33},
	})

	require.Len(t, got, 3)
	assert.Equal(t, 0, got[0].Available)
	assert.Equal(t, 27, got[1].Available)
	assert.Equal(t, 100, got[2].Available)
}

func TestCampaign_AppliedTotalMatchesContacted(t *testing.T) {
	c := &Campaign{
		Contacted:        map[int]int{1: 10, 2: 5},
		InitialContacted: map[int]int{1: 10, 2: 3},
		CheckIns: []CheckInEvent{
			{Fraction: 0.25, Decision: DecisionEscalated, Applied: map[int]int{2: 2}},
			{Fraction: 0.5, Decision: DecisionNoAction},
		},
	}
	assert.Equal(t, c.Contacted, c.AppliedTotal())
	assert.Equal(t, 15, c.ContactedTotal())
}

func TestCampaign_CloneIsDeep(t *testing.T) {
	c := &Campaign{
		Contacted: map[int]int{1: 1},
		CheckIns:  []CheckInEvent{{Fraction: 0.25, Applied: map[int]int{1: 1}}},
	}
	cp := c.Clone()
	cp.Contacted[1] = 99
	cp.CheckIns[0].Applied[1] = 99

	assert.Equal(t, 1, c.Contacted[1])
	assert.Equal(t, 1, c.CheckIns[0].Applied[1])
}

func TestCampaign_View(t *testing.T) {
	c := &Campaign{
		ID:                "c-1",
		Status:            CampaignActive,
		Request:           BidRequest{BidsNeeded: 4},
		Plan:              ContactPlan{ConfidenceScore: 0.8},
		Contacted:         map[int]int{1: 10},
		ResponsesReceived: 2,
		CheckIns:          []CheckInEvent{{Fraction: 0.25, Decision: DecisionAtRisk}},
	}
	v := c.View()
	assert.Equal(t, "c-1", v.ID)
	assert.Equal(t, 10, v.ContactedTotal)
	assert.Equal(t, DecisionAtRisk, v.LatestDecision)
	assert.InDelta(t, 0.8, v.ConfidenceScore, 1e-9)
}

func TestContactPlan_ByTier(t *testing.T) {
	p := ContactPlan{Allocations: []TierAllocation{{Tier: 1, Contacts: 10}, {Tier: 2, Contacts: 3}}}
	assert.Equal(t, 13, p.TotalContacts())
	assert.Equal(t, map[int]int{1: 10, 2: 3}, p.ByTier())
}
