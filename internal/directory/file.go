package directory

import (
	"context"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/outreach-cli/internal/model"
)

// FileDirectory serves tier data from a YAML document held in memory.
//
//	categories:
//	  roofing:
//	    tiers:
//	      - {tier: 1, response_rate: 0.9}
//	    contractors:
//	      - {id: r-1, name: Acme Roofing, email: bids@acme.test, tier: 1, rank: 1}
type FileDirectory struct {
	categories map[string]*fileCategory
}

type fileDocument struct {
	Categories map[string]fileCategory `yaml:"categories"`
}

type fileCategory struct {
	Tiers []struct {
		Tier         int     `yaml:"tier"`
		ResponseRate float64 `yaml:"response_rate"`
	} `yaml:"tiers"`
	Contractors []model.Contractor `yaml:"contractors"`
}

// LoadFile reads and validates a YAML directory.
func LoadFile(path string) (*FileDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "directory: read %s", path)
	}
	return ParseFile(data)
}

// ParseFile builds a FileDirectory from YAML bytes.
func ParseFile(data []byte) (*FileDirectory, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "directory: parse yaml")
	}

	d := &FileDirectory{categories: make(map[string]*fileCategory, len(doc.Categories))}
	for name, cat := range doc.Categories {
		key := NormalizeCategory(name)
		if _, dup := d.categories[key]; dup {
			return nil, eris.Errorf("directory: category %q declared twice", key)
		}
		rates := make(map[int]bool, len(cat.Tiers))
		for _, t := range cat.Tiers {
			if err := (TierRate{Category: key, Tier: t.Tier, ResponseRate: t.ResponseRate}).validate(); err != nil {
				return nil, err
			}
			if rates[t.Tier] {
				return nil, eris.Errorf("directory: %s tier %d declared twice", key, t.Tier)
			}
			rates[t.Tier] = true
		}
		seen := make(map[string]bool, len(cat.Contractors))
		for i := range cat.Contractors {
			c := &cat.Contractors[i]
			if c.ID == "" {
				return nil, eris.Errorf("directory: %s contractor %d has no id", key, i)
			}
			if seen[c.ID] {
				return nil, eris.Errorf("directory: %s contractor %s listed twice", key, c.ID)
			}
			seen[c.ID] = true
			if !rates[c.Tier] {
				return nil, eris.Errorf("directory: %s contractor %s in undeclared tier %d", key, c.ID, c.Tier)
			}
			c.Category = key
		}
		sort.Slice(cat.Tiers, func(i, j int) bool { return cat.Tiers[i].Tier < cat.Tiers[j].Tier })
		d.categories[key] = &cat
	}
	return d, nil
}

// Categories lists the known categories in sorted order.
func (d *FileDirectory) Categories() []string {
	out := make([]string, 0, len(d.categories))
	for k := range d.categories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *FileDirectory) TierStats(_ context.Context, category string) ([]model.TierStat, error) {
	cat, ok := d.categories[NormalizeCategory(category)]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownCategory, "category %q", category)
	}

	counts := make(map[int]int)
	for _, c := range cat.Contractors {
		counts[c.Tier]++
	}
	stats := make([]model.TierStat, 0, len(cat.Tiers))
	for _, t := range cat.Tiers {
		stats = append(stats, model.TierStat{
			Tier:         t.Tier,
			Available:    counts[t.Tier],
			ResponseRate: t.ResponseRate,
		})
	}
	return stats, nil
}

func (d *FileDirectory) Candidates(_ context.Context, category string, tier, limit int, exclude map[string]bool) ([]model.Contractor, error) {
	cat, ok := d.categories[NormalizeCategory(category)]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownCategory, "category %q", category)
	}

	var pool []model.Contractor
	for _, c := range cat.Contractors {
		if c.Tier == tier {
			pool = append(pool, c)
		}
	}
	return rankCandidates(pool, limit, exclude), nil
}
