package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/planner"
)

var (
	planCategory string
	planBids     int
	planUrgency  string
	planJSON     bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the contact plan for a bid request without dispatching",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("plan"); err != nil {
			return err
		}

		urgency, ok := model.ParseUrgency(planUrgency)
		if !ok {
			return eris.Errorf("plan: unknown urgency %q", planUrgency)
		}

		env := &outreachEnv{}
		defer env.Close()
		dir, err := env.initDirectory(ctx)
		if err != nil {
			return err
		}
		calc, err := newCalculator()
		if err != nil {
			return err
		}

		stats, err := dir.TierStats(ctx, planCategory)
		if err != nil {
			return eris.Wrapf(err, "plan: tier stats for %q", planCategory)
		}
		plan, err := calc.ComputePlan(planBids, urgency, stats)
		if err != nil {
			return eris.Wrap(err, "plan")
		}

		if planJSON {
			return writeJSON(os.Stdout, plan)
		}
		formatPlan(os.Stdout, plan)
		return nil
	},
}

func newCalculator() (*planner.Calculator, error) {
	baselines, err := urgencyBaselines(cfg.Campaign.UrgencyBaselines)
	if err != nil {
		return nil, err
	}
	return planner.NewCalculator(planner.Options{
		Baselines:  baselines,
		ExactLimit: cfg.Campaign.ExactConfidenceLimit,
	}), nil
}

// formatPlan writes a per-tier allocation table followed by plan totals.
func formatPlan(out io.Writer, p model.ContactPlan) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIER\tCONTACTS\tRESPONSE_RATE\tEXPECTED")
	_, _ = fmt.Fprintln(w, "----\t--------\t-------------\t--------")
	for _, a := range p.Allocations {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%.2f\t%.2f\n",
			a.Tier, a.Contacts, a.ResponseRate, float64(a.Contacts)*a.ResponseRate)
	}
	_ = w.Flush()

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total contacts:\t%d\n", p.TotalContacts())
	_, _ = fmt.Fprintf(w, "Target:\t%d\n", p.Target)
	if p.Shortfall > 0 {
		_, _ = fmt.Fprintf(w, "Shortfall:\t%d\n", p.Shortfall)
	}
	_, _ = fmt.Fprintf(w, "Expected responses:\t%.2f\n", p.ExpectedResponses)
	_, _ = fmt.Fprintf(w, "Confidence:\t%.1f%%\n", p.ConfidenceScore*100)
	if p.NoCapacity {
		_, _ = fmt.Fprintln(w, "No tier has capacity for this category.")
	}
	_ = w.Flush()
}

func init() {
	planCmd.Flags().StringVar(&planCategory, "category", "", "project category (required)")
	planCmd.Flags().IntVar(&planBids, "bids", 3, "bids needed")
	planCmd.Flags().StringVar(&planUrgency, "urgency", string(model.UrgencyStandard), "urgency class")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
	_ = planCmd.MarkFlagRequired("category")
	rootCmd.AddCommand(planCmd)
}
