package campaign

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
)

// waveResult tallies one dispatch wave by tier.
type waveResult struct {
	contacted map[int]int
	attempted map[int]int
	rates     map[int]float64
	failed    int
	lastErr   string
}

func newWaveResult() waveResult {
	return waveResult{
		contacted: make(map[int]int),
		attempted: make(map[int]int),
		rates:     make(map[int]float64),
	}
}

// errorText is the campaign LastError after a wave: the wave-level error if
// any, otherwise the last per-contact failure.
func (r waveResult) errorText(err error) string {
	if err != nil {
		return err.Error()
	}
	return r.lastErr
}

// tierPool tracks how many directory candidates per tier this campaign has
// not yet attempted.
type tierPool struct {
	tiers []int
	left  map[int]int
}

func newTierPool(stats []model.TierStat, existing []model.Contact) *tierPool {
	p := &tierPool{left: make(map[int]int, len(stats))}
	for _, s := range stats {
		p.tiers = append(p.tiers, s.Tier)
		p.left[s.Tier] = s.Available
	}
	sort.Ints(p.tiers)
	for _, c := range existing {
		p.take(c.Tier)
	}
	return p
}

func (p *tierPool) take(tier int) {
	if p.left[tier] > 0 {
		p.left[tier]--
	}
}

// backfillTier returns the first tier at or after failed that still has
// capacity.
func (p *tierPool) backfillTier(failed int) (int, bool) {
	for _, t := range p.tiers {
		if t >= failed && p.left[t] > 0 {
			return t, true
		}
	}
	return 0, false
}

// runWave selects candidates for allocs, persists them as pending contacts,
// dispatches them and backfills failures once. Contractors already attached
// to the campaign are never selected again.
func (o *Orchestrator) runWave(ctx context.Context, c *model.Campaign, allocs []model.TierAllocation, wave int) (waveResult, error) {
	res := newWaveResult()
	log := o.logger(c.ID).With(zap.Int("wave", wave))
	category := c.Request.ProjectCategory

	stats, err := o.directory.TierStats(ctx, category)
	if err != nil {
		return res, eris.Wrap(err, "campaign: wave tier stats")
	}
	for _, s := range stats {
		res.rates[s.Tier] = s.ResponseRate
	}

	existing, err := o.store.ListContacts(ctx, c.ID)
	if err != nil {
		return res, eris.Wrap(err, "campaign: list contacts")
	}
	exclude := make(map[string]bool, len(existing))
	for _, ct := range existing {
		exclude[ct.ContractorID] = true
	}
	pool := newTierPool(stats, existing)

	var batch []model.Contact
	for _, a := range allocs {
		if a.Contacts <= 0 {
			continue
		}
		cands, err := o.directory.Candidates(ctx, category, a.Tier, a.Contacts, exclude)
		if err != nil {
			return res, eris.Wrapf(err, "campaign: candidates for tier %d", a.Tier)
		}
		if len(cands) < a.Contacts {
			log.Warn("campaign: tier short of candidates",
				zap.Int("tier", a.Tier),
				zap.Int("planned", a.Contacts),
				zap.Int("found", len(cands)),
			)
		}
		for _, k := range cands {
			exclude[k.ID] = true
			pool.take(a.Tier)
			batch = append(batch, newContact(c.ID, k, a.Tier, wave, false))
		}
	}

	failed := o.sendBatch(ctx, c, batch, &res)
	if len(failed) == 0 {
		return res, ctx.Err()
	}

	var backfill []model.Contact
	for _, f := range failed {
		tier, ok := pool.backfillTier(f.Tier)
		if !ok {
			continue
		}
		cands, err := o.directory.Candidates(ctx, category, tier, 1, exclude)
		if err != nil {
			log.Warn("campaign: backfill candidates", zap.Int("tier", tier), zap.Error(err))
			continue
		}
		if len(cands) == 0 {
			continue
		}
		exclude[cands[0].ID] = true
		pool.take(tier)
		backfill = append(backfill, newContact(c.ID, cands[0], tier, wave, true))
	}
	if len(backfill) > 0 {
		log.Info("campaign: backfilling failed contacts",
			zap.Int("failed", len(failed)),
			zap.Int("backfill", len(backfill)),
		)
		o.sendBatch(ctx, c, backfill, &res)
	}
	return res, ctx.Err()
}

// sendBatch persists and dispatches a batch, records each outcome and
// returns the non-backfill contacts that failed.
func (o *Orchestrator) sendBatch(ctx context.Context, c *model.Campaign, batch []model.Contact, res *waveResult) []model.Contact {
	if len(batch) == 0 || ctx.Err() != nil {
		return nil
	}
	log := o.logger(c.ID)

	if err := o.store.SaveContacts(ctx, batch); err != nil {
		log.Error("campaign: save contacts", zap.Error(err))
		res.lastErr = err.Error()
		return nil
	}

	var failed []model.Contact
	for _, r := range o.fanout.Send(ctx, c.Request, batch) {
		ct := r.Contact
		ct.Attempts = r.Attempts
		res.attempted[ct.Tier]++
		if r.Err != nil {
			ct.Status = model.ContactFailed
			ct.Error = r.Err.Error()
			res.failed++
			res.lastErr = "dispatch " + ct.ContractorID + ": " + r.Err.Error()
			if !ct.Backfill {
				failed = append(failed, ct)
			}
		} else {
			ct.Status = model.ContactDispatched
			ct.ReceiptID = r.Receipt.ID
			res.contacted[ct.Tier]++
		}
		if err := o.store.UpdateContact(context.WithoutCancel(ctx), &ct); err != nil {
			log.Warn("campaign: update contact", zap.String("contact_id", ct.ID), zap.Error(err))
		}
	}
	return failed
}

func newContact(campaignID string, k model.Contractor, tier, wave int, backfill bool) model.Contact {
	return model.Contact{
		ID:           uuid.NewString(),
		CampaignID:   campaignID,
		ContractorID: k.ID,
		Tier:         tier,
		Wave:         wave,
		Backfill:     backfill,
		Status:       model.ContactPending,
		Contractor:   k,
	}
}
