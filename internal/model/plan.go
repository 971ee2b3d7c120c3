package model

// TierStat describes one quality tier of candidate contractors for a project
// category. Lower tier numbers have higher historical response rates.
type TierStat struct {
	Tier         int     `json:"tier"`
	Available    int     `json:"available"`
	ResponseRate float64 `json:"response_rate"`
}

// TierAllocation is the number of candidates to contact from one tier.
type TierAllocation struct {
	Tier         int     `json:"tier"`
	Contacts     int     `json:"contacts"`
	ResponseRate float64 `json:"response_rate"`
}

// ContactPlan is the calculator output: how many candidates to contact per
// tier, with the expected yield and the probability of meeting demand.
// Plans are values; escalation produces a new plan rather than editing one.
type ContactPlan struct {
	Allocations       []TierAllocation `json:"allocations"`
	Target            int              `json:"target"`
	Shortfall         int              `json:"shortfall"`
	ExpectedResponses float64          `json:"expected_responses"`
	ConfidenceScore   float64          `json:"confidence_score"`
	NoCapacity        bool             `json:"no_capacity"`
}

// TotalContacts sums the planned contacts across tiers.
func (p ContactPlan) TotalContacts() int {
	n := 0
	for _, a := range p.Allocations {
		n += a.Contacts
	}
	return n
}

// ByTier returns the planned contacts keyed by tier.
func (p ContactPlan) ByTier() map[int]int {
	m := make(map[int]int, len(p.Allocations))
	for _, a := range p.Allocations {
		m[a.Tier] += a.Contacts
	}
	return m
}
