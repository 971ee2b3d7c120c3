package model

import (
	"math"
	"time"
)

// CampaignStatus is a campaign's position in its lifecycle.
type CampaignStatus string

const (
	CampaignStrategized CampaignStatus = "strategized"
	CampaignActive      CampaignStatus = "active"
	CampaignEscalated   CampaignStatus = "escalated"
	CampaignCompleted   CampaignStatus = "completed"
	CampaignExpired     CampaignStatus = "expired"
	CampaignCancelled   CampaignStatus = "cancelled"
)

// Terminal reports whether no further mutation is allowed in this status.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignExpired, CampaignCancelled:
		return true
	default:
		return false
	}
}

// Decision is the outcome recorded at a check-in.
type Decision string

const (
	DecisionNoAction  Decision = "no_action"
	DecisionEscalated Decision = "escalated"
	DecisionAtRisk    Decision = "at_risk_flagged"
)

// DeadlineFraction is the scheduled fraction used for the deadline check.
const DeadlineFraction = 1.0

const fractionEpsilon = 1e-9

// SameFraction compares two timeline fractions.
func SameFraction(a, b float64) bool {
	return math.Abs(a-b) < fractionEpsilon
}

// CheckInEvent is an append-only record of one checkpoint evaluation.
type CheckInEvent struct {
	ID                 string       `json:"id"`
	Fraction           float64      `json:"fraction"`
	EvaluatedAt        time.Time    `json:"evaluated_at"`
	ResponsesAtCheckIn int          `json:"responses_at_check_in"`
	ExpectedAtCheckIn  float64      `json:"expected_at_check_in"`
	Decision           Decision     `json:"decision"`
	DeltaPlan          *ContactPlan `json:"delta_plan,omitempty"`
	Applied            map[int]int  `json:"applied,omitempty"`
	Note               string       `json:"note,omitempty"`
}

// Campaign is the long-lived outreach entity created once per BidRequest.
type Campaign struct {
	ID                  string         `json:"id"`
	Request             BidRequest     `json:"request"`
	Plan                ContactPlan    `json:"plan"`
	Contacted           map[int]int    `json:"contacted"`
	Attempted           map[int]int    `json:"attempted"`
	InitialContacted    map[int]int    `json:"initial_contacted"`
	ResponsesReceived   int            `json:"responses_received"`
	Status              CampaignStatus `json:"status"`
	AtRisk              bool           `json:"at_risk"`
	CheckpointFractions []float64      `json:"checkpoint_fractions"`
	CheckIns            []CheckInEvent `json:"check_ins"`
	EscalationCount     int            `json:"escalation_count"`
	LastError           string         `json:"last_error,omitempty"`
	Version             int            `json:"version"`
	CreatedAt           time.Time      `json:"created_at"`
	DeadlineAt          time.Time      `json:"deadline_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ContactedTotal sums non-failed contacts across tiers.
func (c *Campaign) ContactedTotal() int {
	return sumTiers(c.Contacted)
}

// HasCheckIn reports whether a check-in was already recorded for fraction.
func (c *Campaign) HasCheckIn(fraction float64) bool {
	for _, ev := range c.CheckIns {
		if SameFraction(ev.Fraction, fraction) {
			return true
		}
	}
	return false
}

// LastCheckIn returns the most recent check-in, if any.
func (c *Campaign) LastCheckIn() *CheckInEvent {
	if len(c.CheckIns) == 0 {
		return nil
	}
	return &c.CheckIns[len(c.CheckIns)-1]
}

// LastFraction is the highest fraction recorded so far, or -1.
func (c *Campaign) LastFraction() float64 {
	if ev := c.LastCheckIn(); ev != nil {
		return ev.Fraction
	}
	return -1
}

// CheckpointAt converts a timeline fraction into wall-clock time.
func (c *Campaign) CheckpointAt(fraction float64) time.Time {
	window := c.DeadlineAt.Sub(c.CreatedAt)
	return c.CreatedAt.Add(time.Duration(fraction * float64(window)))
}

// ExpectedAt is the linear response trajectory at fraction.
func (c *Campaign) ExpectedAt(fraction float64) float64 {
	return c.Plan.ExpectedResponses * fraction
}

// Remaining subtracts this campaign's attempted contacts from the
// directory's tier pools.
func (c *Campaign) Remaining(stats []TierStat) []TierStat {
	out := make([]TierStat, 0, len(stats))
	for _, s := range stats {
		left := s.Available - c.Attempted[s.Tier]
		if left < 0 {
			left = 0
		}
		s.Available = left
		out = append(out, s)
	}
	return out
}

// AppliedTotal sums the initial wave and every escalation's applied delta.
func (c *Campaign) AppliedTotal() map[int]int {
	total := make(map[int]int)
	for tier, n := range c.InitialContacted {
		total[tier] += n
	}
	for _, ev := range c.CheckIns {
		for tier, n := range ev.Applied {
			total[tier] += n
		}
	}
	return total
}

// Clone returns a deep copy suitable for read-modify-write cycles.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.Contacted = copyTiers(c.Contacted)
	cp.Attempted = copyTiers(c.Attempted)
	cp.InitialContacted = copyTiers(c.InitialContacted)
	cp.CheckpointFractions = append([]float64(nil), c.CheckpointFractions...)
	cp.Plan.Allocations = append([]TierAllocation(nil), c.Plan.Allocations...)
	cp.CheckIns = make([]CheckInEvent, len(c.CheckIns))
	for i, ev := range c.CheckIns {
		ev.Applied = copyTiers(ev.Applied)
		if ev.DeltaPlan != nil {
			dp := *ev.DeltaPlan
			dp.Allocations = append([]TierAllocation(nil), ev.DeltaPlan.Allocations...)
			ev.DeltaPlan = &dp
		}
		cp.CheckIns[i] = ev
	}
	return &cp
}

// CampaignView is the read model returned by getCampaignStatus.
type CampaignView struct {
	ID                string         `json:"campaign_id"`
	Status            CampaignStatus `json:"status"`
	AtRisk            bool           `json:"at_risk"`
	LatestDecision    Decision       `json:"latest_decision,omitempty"`
	ContactedCount    map[int]int    `json:"contacted_count"`
	ContactedTotal    int            `json:"contacted_total"`
	ResponsesReceived int            `json:"responses_received"`
	BidsNeeded        int            `json:"bids_needed"`
	ConfidenceScore   float64        `json:"confidence_score"`
	EscalationCount   int            `json:"escalation_count"`
	DeadlineAt        time.Time      `json:"deadline_at"`
	CheckInHistory    []CheckInEvent `json:"check_ins"`
	LastError         string         `json:"last_error,omitempty"`
}

// View projects a campaign into its status view.
func (c *Campaign) View() CampaignView {
	v := CampaignView{
		ID:                c.ID,
		Status:            c.Status,
		AtRisk:            c.AtRisk,
		ContactedCount:    copyTiers(c.Contacted),
		ContactedTotal:    c.ContactedTotal(),
		ResponsesReceived: c.ResponsesReceived,
		BidsNeeded:        c.Request.BidsNeeded,
		ConfidenceScore:   c.Plan.ConfidenceScore,
		EscalationCount:   c.EscalationCount,
		DeadlineAt:        c.DeadlineAt,
		CheckInHistory:    append([]CheckInEvent(nil), c.CheckIns...),
		LastError:         c.LastError,
	}
	if v.ContactedCount == nil {
		v.ContactedCount = map[int]int{}
	}
	if ev := c.LastCheckIn(); ev != nil {
		v.LatestDecision = ev.Decision
	}
	return v
}

func sumTiers(m map[int]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func copyTiers(m map[int]int) map[int]int {
	if m == nil {
		return nil
	}
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
