// Package planner turns a bid request into a per-tier contact plan. Every
// function here is pure and safe for concurrent use.
package planner

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// ErrInvalidInput is returned for requests that can never produce a plan.
var ErrInvalidInput = eris.New("planner: invalid input")

// DefaultExactLimit is the contact volume below which confidence is computed
// by exact convolution instead of the normal approximation.
const DefaultExactLimit = 30

// DefaultBaselines is the minimum contact volume per urgency class.
func DefaultBaselines() map[model.Urgency]int {
	return map[model.Urgency]int{
		model.UrgencyEmergency: 5,
		model.UrgencyUrgent:    10,
		model.UrgencyStandard:  15,
		model.UrgencyGroup:     20,
		model.UrgencyFlexible:  10,
	}
}

// Options configures a Calculator.
type Options struct {
	Baselines  map[model.Urgency]int
	ExactLimit int
}

// Calculator computes contact plans. It holds configuration only.
type Calculator struct {
	baselines  map[model.Urgency]int
	exactLimit int
}

// NewCalculator creates a Calculator, filling unset options with defaults.
func NewCalculator(opts Options) *Calculator {
	baselines := DefaultBaselines()
	for u, n := range opts.Baselines {
		baselines[u] = n
	}
	limit := opts.ExactLimit
	if limit <= 0 {
		limit = DefaultExactLimit
	}
	return &Calculator{baselines: baselines, exactLimit: limit}
}

// Baseline returns the minimum contact volume for an urgency class.
func (c *Calculator) Baseline(u model.Urgency) (int, bool) {
	n, ok := c.baselines[u]
	return n, ok
}

// ComputePlan allocates contacts greedily from the best tier down until the
// target volume is met or every tier is exhausted.
//
// The target is max(baseline(urgency), ceil(bidsNeeded / lowest response
// rate among tiers with capacity)). When no tier has capacity the plan is
// returned with NoCapacity set rather than as an error.
func (c *Calculator) ComputePlan(bidsNeeded int, urgency model.Urgency, tiers []model.TierStat) (model.ContactPlan, error) {
	if bidsNeeded <= 0 {
		return model.ContactPlan{}, eris.Wrapf(ErrInvalidInput, "bids needed must be positive, got %d", bidsNeeded)
	}
	baseline, ok := c.baselines[urgency]
	if !ok {
		return model.ContactPlan{}, eris.Wrapf(ErrInvalidInput, "unknown urgency %q", urgency)
	}
	sorted, err := validateTiers(tiers)
	if err != nil {
		return model.ContactPlan{}, err
	}

	target := targetVolume(bidsNeeded, baseline, sorted)

	plan := model.ContactPlan{Target: target}
	remaining := target
	for _, t := range sorted {
		if remaining == 0 {
			break
		}
		n := min(remaining, t.Available)
		if n == 0 {
			continue
		}
		plan.Allocations = append(plan.Allocations, model.TierAllocation{
			Tier:         t.Tier,
			Contacts:     n,
			ResponseRate: t.ResponseRate,
		})
		remaining -= n
	}
	plan.Shortfall = remaining

	if len(plan.Allocations) == 0 {
		plan.NoCapacity = true
		return plan, nil
	}

	for _, a := range plan.Allocations {
		plan.ExpectedResponses += float64(a.Contacts) * a.ResponseRate
	}
	plan.ConfidenceScore = Confidence(plan.Allocations, bidsNeeded, c.exactLimit)
	return plan, nil
}

func validateTiers(tiers []model.TierStat) ([]model.TierStat, error) {
	if len(tiers) == 0 {
		return nil, eris.Wrap(ErrInvalidInput, "tier list is empty")
	}
	seen := make(map[int]bool, len(tiers))
	for _, t := range tiers {
		if math.IsNaN(t.ResponseRate) || t.ResponseRate <= 0 || t.ResponseRate > 1 {
			return nil, eris.Wrapf(ErrInvalidInput, "tier %d response rate %v outside (0,1]", t.Tier, t.ResponseRate)
		}
		if t.Available < 0 {
			return nil, eris.Wrapf(ErrInvalidInput, "tier %d has negative availability", t.Tier)
		}
		if seen[t.Tier] {
			return nil, eris.Wrapf(ErrInvalidInput, "duplicate tier %d", t.Tier)
		}
		seen[t.Tier] = true
	}

	sorted := append([]model.TierStat(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tier < sorted[j].Tier })
	return sorted, nil
}

func targetVolume(bidsNeeded, baseline int, tiers []model.TierStat) int {
	minRate := 0.0
	for _, t := range tiers {
		if t.Available == 0 {
			continue
		}
		if minRate == 0 || t.ResponseRate < minRate {
			minRate = t.ResponseRate
		}
	}
	if minRate == 0 {
		// No capacity anywhere: fall back to the full tier list.
		for _, t := range tiers {
			if minRate == 0 || t.ResponseRate < minRate {
				minRate = t.ResponseRate
			}
		}
	}

	// Shave float noise so 4/0.5 stays 8 instead of rounding up to 9.
	need := int(math.Ceil(float64(bidsNeeded)/minRate - 1e-9))
	return max(baseline, need)
}
