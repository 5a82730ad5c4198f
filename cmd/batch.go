package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	recoveryagent "github.com/httprunner/RecoveryAgent"
)

func newBatchCmd() *cobra.Command {
	var (
		flagRecoveries    []string
		flagOptions       map[string]string
		flagMaxBuilds     int
		flagSkipToolCheck bool
	)

	cmd := &cobra.Command{
		Use:   "batch <codename>...",
		Short: "Build several devices and write one aggregated report",
		Long:  "Build every codename for every --recovery kind, bounded by --max-builds, then write a single build_report_{timestamp}.json.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, closeFn, err := bootstrap(ctx, recoveryagent.BootstrapOptions{
				MaxConcurrentBuilds: flagMaxBuilds,
				SkipToolCheck:       flagSkipToolCheck,
			})
			if err != nil {
				return err
			}
			defer closeFn()

			var reqs []recoveryagent.BuildRequest
			for _, codename := range args {
				for _, kind := range flagRecoveries {
					reqs = append(reqs, recoveryagent.BuildRequest{Device: codename, Recovery: kind, Options: flagOptions})
				}
			}
			configs, err := recoveryagent.BuildConfigs(rt.Registry, reqs)
			if err != nil {
				return err
			}
			res, err := rt.Orchestrator.RunBatch(ctx, configs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, job := range res.Jobs {
				snap := job.Snapshot()
				fmt.Fprintf(out, "%-12s %-10s %-16s %s\n", snap.Device, snap.Recovery, snap.Timestamp, job.Outcome())
			}
			if res.ReportErr != nil {
				return errors.Wrap(res.ReportErr, "batch report")
			}
			fmt.Fprintf(out, "report: %s (%d/%d succeeded)\n", res.Artifact.Path, res.Succeeded(), len(res.Jobs))
			if res.Succeeded() != len(res.Jobs) {
				return errors.Errorf("%d of %d builds did not succeed", len(res.Jobs)-res.Succeeded(), len(res.Jobs))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&flagRecoveries, "recovery", "r", []string{"twrp"}, "Recovery kinds to build for every device")
	cmd.Flags().StringToStringVarP(&flagOptions, "opt", "o", nil, "Build option key=value applied to every build")
	cmd.Flags().IntVar(&flagMaxBuilds, "max-builds", 0, "Concurrent builds (0 uses $RECOVERY_MAX_CONCURRENT_BUILDS)")
	cmd.Flags().BoolVar(&flagSkipToolCheck, "skip-tool-check", false, "Do not check for required host tools")
	return cmd
}
