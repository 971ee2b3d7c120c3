package campaign

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/directory"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/planner"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

type tierFixture struct {
	tier      int
	available int
	rate      float64
}

// scenarioTiers is the emergency roofing example: 10 @ 0.9, 30 @ 0.5,
// 100 @ 0.33.
func scenarioTiers() []tierFixture {
	return []tierFixture{{1, 10, 0.9}, {2, 30, 0.5}, {3, 100, 0.33}}
}

func contractorID(tier, i int) string {
	return fmt.Sprintf("t%d-%03d", tier, i)
}

func buildDirectory(t *testing.T, tiers []tierFixture) *directory.FileDirectory {
	t.Helper()
	var b strings.Builder
	b.WriteString("categories:\n  roofing:\n    tiers:\n")
	for _, ts := range tiers {
		fmt.Fprintf(&b, "      - {tier: %d, response_rate: %v}\n", ts.tier, ts.rate)
	}
	b.WriteString("    contractors:\n")
	for _, ts := range tiers {
		for i := 0; i < ts.available; i++ {
			fmt.Fprintf(&b, "      - {id: %s, name: Contractor %s, tier: %d, rank: %d}\n",
				contractorID(ts.tier, i), contractorID(ts.tier, i), ts.tier, i)
		}
	}
	if !strings.Contains(b.String(), "- {id:") {
		b.WriteString("      []\n")
	}
	d, err := directory.ParseFile([]byte(b.String()))
	require.NoError(t, err)
	return d
}

// fakeDispatcher accepts everything except the configured contractors.
type fakeDispatcher struct {
	mu     sync.Mutex
	reject map[string]bool
	calls  []string
	block  chan struct{}
}

func newFakeDispatcher(reject ...string) *fakeDispatcher {
	d := &fakeDispatcher{reject: map[string]bool{}}
	for _, id := range reject {
		d.reject[id] = true
	}
	return d
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, c model.Contact, _ model.BidRequest) (model.DispatchReceipt, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return model.DispatchReceipt{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c.ContractorID)
	if d.reject[c.ContractorID] {
		return model.DispatchReceipt{}, fmt.Errorf("mailbox rejected: %w", dispatch.ErrPermanent)
	}
	return model.DispatchReceipt{ID: "rcpt-" + c.ContractorID, Channel: "test", AcceptedAt: time.Now()}, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// recordingScheduler captures Schedule and Cancel calls.
type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

func (s *recordingScheduler) Schedule(_ context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, c.ID)
	return nil
}

func (s *recordingScheduler) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *recordingScheduler) cancelledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

type harness struct {
	store *store.SQLiteStore
	disp  *fakeDispatcher
	sched *recordingScheduler
	orch  *Orchestrator
	mgr   *Manager
	clock time.Time
}

func newHarness(t *testing.T, tiers []tierFixture, disp *fakeDispatcher, opts Options) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "campaigns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	if disp == nil {
		disp = newFakeDispatcher()
	}
	policy := resilience.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	fan := dispatch.NewFanout(disp, policy, 4)

	h := &harness{
		store: st,
		disp:  disp,
		sched: &recordingScheduler{},
		clock: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	h.orch = NewOrchestrator(st, buildDirectory(t, tiers), planner.NewCalculator(planner.Options{}), fan, opts)
	h.orch.now = h.now
	h.orch.SetScheduler(h.sched)
	h.mgr = NewManager(h.orch)
	return h
}

func (h *harness) now() time.Time { return h.clock }

// at moves the clock to a fraction of c's window.
func (h *harness) at(c *model.Campaign, fraction float64) {
	h.clock = c.CheckpointAt(fraction)
}

func emergencyRequest() model.BidRequest {
	return model.BidRequest{
		BidsNeeded:      4,
		TimelineHours:   24,
		Urgency:         model.UrgencyEmergency,
		ProjectCategory: "Roofing",
		Title:           "Storm damage",
	}
}

func (h *harness) create(t *testing.T) *model.Campaign {
	t.Helper()
	c, err := h.orch.CreateCampaign(context.Background(), emergencyRequest())
	require.NoError(t, err)
	return c
}
