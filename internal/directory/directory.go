// Package directory supplies per-tier candidate pools and historical response
// rates for a project category.
package directory

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/outreach-cli/internal/model"
)

// ErrUnknownCategory is returned when a category has no tier data at all.
var ErrUnknownCategory = eris.New("directory: unknown project category")

// Directory is the read side of the contractor directory.
type Directory interface {
	// TierStats returns one entry per tier known for the category, ordered
	// by tier. Available counts every active contractor in the tier.
	TierStats(ctx context.Context, category string) ([]model.TierStat, error)
	// Candidates returns up to limit contractors from one tier in rank
	// order, skipping any whose ID is in exclude.
	Candidates(ctx context.Context, category string, tier, limit int, exclude map[string]bool) ([]model.Contractor, error)
}

var folder = cases.Fold()

// NormalizeCategory folds case and collapses whitespace so "Kitchen  Remodel"
// and "kitchen remodel" address the same pool.
func NormalizeCategory(s string) string {
	return strings.Join(strings.Fields(folder.String(s)), " ")
}

// TierRate is a historical response rate for one category and tier.
type TierRate struct {
	Category     string  `json:"category" yaml:"category"`
	Tier         int     `json:"tier" yaml:"tier"`
	ResponseRate float64 `json:"response_rate" yaml:"response_rate"`
}

func (r TierRate) validate() error {
	if r.Tier < 1 {
		return eris.Errorf("directory: %s tier %d: tier must be >= 1", r.Category, r.Tier)
	}
	if r.ResponseRate <= 0 || r.ResponseRate > 1 {
		return eris.Errorf("directory: %s tier %d: response rate %v outside (0,1]", r.Category, r.Tier, r.ResponseRate)
	}
	return nil
}

// rankCandidates orders a tier's pool and applies exclusion and limit.
func rankCandidates(pool []model.Contractor, limit int, exclude map[string]bool) []model.Contractor {
	sorted := make([]model.Contractor, 0, len(pool))
	for _, c := range pool {
		if !exclude[c.ID] {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].ID < sorted[j].ID
	})
	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func excludedIDs(exclude map[string]bool) []string {
	ids := make([]string, 0, len(exclude))
	for id, ok := range exclude {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
