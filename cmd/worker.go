package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that evaluates campaign checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// The worker only evaluates; campaigns it escalates are already
		// scheduled, so no scheduler is attached here.
		env, err := initEnv(ctx, "worker", false)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := worker.New(c, cfg.Scheduler.TaskQueue, worker.Options{})
		workflow.Register(w, &workflow.Activities{Evaluator: env.Manager})

		zap.L().Info("starting checkpoint worker",
			zap.String("task_queue", cfg.Scheduler.TaskQueue),
			zap.String("namespace", cfg.Scheduler.TemporalNamespace),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
