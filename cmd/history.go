package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/history"
	"github.com/httprunner/RecoveryAgent/pkg/report"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagDevice  string
		flagOutcome string
		flagLimit   int
		flagJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "Show past builds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeFn, err := bootstrap(cmd.Context(), recoveryagent.BootstrapOptions{WithoutOrchestrator: true})
			if err != nil {
				return err
			}
			defer closeFn()

			var builds []history.Build
			if len(args) == 1 {
				b, err := rt.History.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				builds = []history.Build{*b}
			} else {
				builds, err = rt.History.Recent(cmd.Context(), history.Filter{Device: flagDevice, Outcome: flagOutcome, Limit: flagLimit})
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if flagJSON || len(args) == 1 {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(builds)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tDEVICE\tRECOVERY\tTIMESTAMP\tOUTCOME\tSTAGE\tELAPSED\tREPORT")
			for _, b := range builds {
				elapsed := "-"
				if !b.FinishedAt.IsZero() {
					elapsed = b.FinishedAt.Sub(b.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", b.JobID, b.Device, b.RecoveryKind,
					b.Timestamp, b.Outcome, b.FailedStage, elapsed, b.ReportStatus)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&flagDevice, "device", "", "Only builds of this codename")
	cmd.Flags().StringVar(&flagOutcome, "outcome", "", "Only builds with this outcome (succeeded, failed, cancelled)")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum rows")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON")
	return cmd
}

func newReportCmd() *cobra.Command {
	var flagShow string

	cmd := &cobra.Command{
		Use:   "report [job-id]...",
		Short: "Regenerate a build report from history, or print a stored one",
		Long: `With job ids, write a new aggregated report for those builds from the
build history; this is how an incomplete report is repaired. With --show,
print a stored report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeFn, err := bootstrap(cmd.Context(), recoveryagent.BootstrapOptions{WithoutOrchestrator: true})
			if err != nil {
				return err
			}
			defer closeFn()
			out := cmd.OutOrStdout()

			if flagShow != "" {
				f, err := rt.Store.Open(filepath.Base(flagShow))
				if err != nil {
					return err
				}
				defer f.Close()
				rep, err := report.Load(f)
				if err != nil {
					return err
				}
				return rep.Encode(out)
			}
			if len(args) == 0 {
				return errors.New("job ids or --show is required")
			}

			results := make([]report.BuildResult, 0, len(args))
			for _, id := range args {
				b, err := rt.History.Get(cmd.Context(), id)
				if err != nil {
					return errors.Wrapf(err, "job %s", id)
				}
				results = append(results, recoveryagent.ResultFromHistory(*b))
			}
			now := artifacts.NewTimestampAllocator(rt.Store).ReserveReport(time.Now())
			rep, err := report.Generate(results, now)
			if err != nil {
				return err
			}
			art, err := report.Save(rt.Store, rep)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := rt.History.SetReport(cmd.Context(), args[0], art.Path, recoveryagent.ReportComplete); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "report: %s\n", art.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagShow, "show", "", "Print the stored report with this file name")
	return cmd
}
