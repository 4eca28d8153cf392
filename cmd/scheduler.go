package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic jobs until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := scheduler.New(cfg.Schedule, env.jobs())
		if err != nil {
			return err
		}
		zap.L().Info("scheduler started", zap.Int("jobs", sched.Len()))
		return sched.Run(ctx)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run periodic jobs on demand",
}

var jobsRunCmd = &cobra.Command{
	Use:       "run <name>",
	Short:     fmt.Sprintf("Run one job now (%s)", strings.Join(scheduler.JobNames, ", ")),
	Args:      cobra.ExactArgs(1),
	ValidArgs: scheduler.JobNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.jobs().Run(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Job %s completed.\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsRunCmd)
	rootCmd.AddCommand(schedulerCmd, jobsCmd)
}
