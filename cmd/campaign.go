package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Create and inspect outreach campaigns",
	Long:  "Commands that drive campaigns against the configured store. Checkpoints for campaigns created here are armed by the Temporal scheduler, or by the next `serve` when the timer scheduler is configured.",
}

// openCampaignEnv wires the engine for a one-shot command. Only the durable
// scheduler is attached; in-process timers would die with the command.
func openCampaignEnv(cmd *cobra.Command) (*outreachEnv, error) {
	return initEnv(cmd.Context(), "serve", cfg.Scheduler.Driver == "temporal")
}

// -- campaign create --

var createReq model.BidRequest
var createUrgency string

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Plan and dispatch a new campaign",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := openCampaignEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		req := createReq
		req.Urgency = model.Urgency(createUrgency)
		c, err := env.Orchestrator.CreateCampaign(cmd.Context(), req)
		if err != nil {
			return eris.Wrap(err, "campaign create")
		}
		return writeJSON(os.Stdout, c.View())
	},
}

// -- campaign status --

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign-id>",
	Short: "Show a campaign's status and check-in history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCampaignEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Orchestrator.Status(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "campaign status")
		}
		return writeJSON(os.Stdout, view)
	},
}

// -- campaign cancel --

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign-id>",
	Short: "Cancel a live campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCampaignEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Orchestrator.CancelCampaign(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "campaign cancel")
		}
		return writeJSON(os.Stdout, c.View())
	},
}

// -- campaign responses --

var campaignResponsesCmd = &cobra.Command{
	Use:   "responses <campaign-id> <total>",
	Short: "Record the cumulative response count for a campaign",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		total, err := strconv.Atoi(args[1])
		if err != nil {
			return eris.Wrapf(err, "campaign responses: invalid total %q", args[1])
		}

		env, err := openCampaignEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Orchestrator.RecordResponses(cmd.Context(), args[0], total)
		if err != nil {
			return eris.Wrap(err, "campaign responses")
		}
		return writeJSON(os.Stdout, c.View())
	},
}

// -- campaign checkin --

var checkinFraction float64

var campaignCheckinCmd = &cobra.Command{
	Use:   "checkin <campaign-id>",
	Short: "Evaluate a checkpoint now",
	Long:  "Runs the check-in for one timeline fraction immediately. Already-recorded fractions are skipped, so this is safe to repeat.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCampaignEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Manager.Evaluate(cmd.Context(), args[0], checkinFraction)
		if err != nil {
			return eris.Wrap(err, "campaign checkin")
		}
		return writeJSON(os.Stdout, out)
	},
}

// -- campaign list --

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		active, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		campaigns, err := st.ListCampaigns(ctx, store.CampaignFilter{
			Status:     model.CampaignStatus(status),
			ActiveOnly: active,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "campaign list")
		}

		if len(campaigns) == 0 {
			fmt.Fprintln(os.Stderr, "No campaigns found.")
			return nil
		}

		formatCampaignList(os.Stdout, campaigns)
		return nil
	},
}

// formatCampaignList writes a tabular summary of campaigns.
func formatCampaignList(out io.Writer, campaigns []model.Campaign) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tSTATUS\tRISK\tBIDS\tCONTACTED\tESC\tDEADLINE")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t----\t----\t---------\t---\t--------")

	for i := range campaigns {
		c := &campaigns[i]
		risk := ""
		if c.AtRisk {
			risk = "yes"
		}
		category := c.Request.ProjectCategory
		if len(category) > 24 {
			category = category[:21] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			truncateID(c.ID),
			category,
			c.Status,
			risk,
			c.ResponsesReceived,
			c.Request.BidsNeeded,
			c.ContactedTotal(),
			c.EscalationCount,
			c.DeadlineAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	f := campaignCreateCmd.Flags()
	f.StringVar(&createReq.ProjectCategory, "category", "", "project category (required)")
	f.IntVar(&createReq.BidsNeeded, "bids", 3, "bids needed")
	f.Float64Var(&createReq.TimelineHours, "timeline", 72, "hours until the bid deadline")
	f.StringVar(&createUrgency, "urgency", string(model.UrgencyStandard), "urgency class")
	f.StringVar(&createReq.Title, "title", "", "project title")
	f.StringVar(&createReq.Description, "description", "", "project description")
	f.StringVar(&createReq.Location, "location", "", "project location")
	_ = campaignCreateCmd.MarkFlagRequired("category")

	campaignCheckinCmd.Flags().Float64Var(&checkinFraction, "fraction", 1.0, "timeline fraction to evaluate (1 is the deadline check)")

	campaignListCmd.Flags().String("status", "", "filter by status")
	campaignListCmd.Flags().Bool("active", false, "only non-terminal campaigns")
	campaignListCmd.Flags().Int("limit", 50, "maximum campaigns to list")

	campaignCmd.AddCommand(campaignCreateCmd)
	campaignCmd.AddCommand(campaignStatusCmd)
	campaignCmd.AddCommand(campaignCancelCmd)
	campaignCmd.AddCommand(campaignResponsesCmd)
	campaignCmd.AddCommand(campaignCheckinCmd)
	campaignCmd.AddCommand(campaignListCmd)
	rootCmd.AddCommand(campaignCmd)
}
