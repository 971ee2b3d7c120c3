package planner

import (
	"sort"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Project rebuilds a plan from contacts actually made, so a campaign's
// expected responses and confidence reflect failures, backfills and
// escalations. Target and Shortfall are left for the caller to carry over
// from the calculator plan that drove the latest wave. Tiers without a
// known rate are skipped.
func (c *Calculator) Project(bidsNeeded int, contacted map[int]int, rates map[int]float64) model.ContactPlan {
	tiers := make([]int, 0, len(contacted))
	for tier, n := range contacted {
		if n > 0 {
			tiers = append(tiers, tier)
		}
	}
	sort.Ints(tiers)

	var plan model.ContactPlan
	for _, tier := range tiers {
		p, ok := rates[tier]
		if !ok {
			continue
		}
		plan.Allocations = append(plan.Allocations, model.TierAllocation{
			Tier:         tier,
			Contacts:     contacted[tier],
			ResponseRate: p,
		})
		plan.ExpectedResponses += float64(contacted[tier]) * p
	}
	if len(plan.Allocations) > 0 {
		plan.ConfidenceScore = Confidence(plan.Allocations, bidsNeeded, c.exactLimit)
	}
	return plan
}
