package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/bizsync"
	"github.com/sells-group/bizdir/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and inspect directory syncs",
}

// -- sync run --

var syncRunSources []string

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch, normalize, write and deduplicate every enabled source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Sync.Run(ctx, model.TriggerCLI, bizsync.RunOpts{Sources: syncRunSources})
		var unknown *bizsync.UnknownSourceError
		if errors.As(err, &unknown) {
			return eris.Errorf("unknown sources %v; configured: %v", unknown.Names, sourceNames(env.Sync))
		}
		formatSyncRun(os.Stdout, run)
		if err != nil {
			return eris.Wrap(err, "sync run")
		}
		zap.L().Info("sync complete", zap.String("run_id", run.ID))
		return nil
	},
}

// -- sync status --

var syncStatusLimit int

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := bizsync.NewSyncLog(st).Recent(ctx, syncStatusLimit)
		if err != nil {
			return eris.Wrap(err, "sync status")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No sync runs found.")
			return nil
		}
		formatSyncRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	syncRunCmd.Flags().StringSliceVar(&syncRunSources, "sources", nil, "comma-separated source names (default: all enabled)")
	syncStatusCmd.Flags().IntVar(&syncStatusLimit, "limit", 10, "number of runs to show")
	syncCmd.AddCommand(syncRunCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}

func formatSyncRuns(out io.Writer, runs []model.SyncRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTARTED\tTRIGGER\tSTATUS\tFETCHED\tWRITTEN\tFAILED\tDEDUPED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t-------\t------\t-------\t-------\t------\t-------\t--------\t-----")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID,
			r.StartedAt.Format("2006-01-02 15:04"),
			r.Trigger,
			r.Status,
			r.Fetched,
			r.Written,
			r.Failed,
			r.Deduplicated,
			durationOf(r),
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}

func formatSyncRun(out io.Writer, r model.SyncRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", durationOf(r))
	_, _ = fmt.Fprintf(w, "Fetched:\t%d\n", r.Fetched)
	_, _ = fmt.Fprintf(w, "Normalized:\t%d\n", r.Normalized)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", r.Skipped)
	_, _ = fmt.Fprintf(w, "Written:\t%d\n", r.Written)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", r.Failed)
	_, _ = fmt.Fprintf(w, "Deduplicated:\t%d\n", r.Deduplicated)
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	for _, s := range r.Sources {
		line := fmt.Sprintf("fetched=%d normalized=%d skipped=%d", s.Fetched, s.Normalized, s.Skipped)
		if s.Error != "" {
			line += " error=" + s.Error
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\n", s.Name, line)
	}
	_ = w.Flush()
}

func sourceNames(e *bizsync.Engine) []string {
	names := make([]string, 0, len(e.Sources()))
	for _, s := range e.Sources() {
		names = append(names, s.Name)
	}
	return names
}

func durationOf(r model.SyncRun) string {
	return (time.Duration(r.DurationSecs * float64(time.Second))).Round(time.Second).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
