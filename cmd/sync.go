package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
	"github.com/httprunner/RecoveryAgent/pkg/sources"
)

func newSyncCmd() *cobra.Command {
	var (
		flagRecovery string
		flagVersion  string
	)

	cmd := &cobra.Command{
		Use:   "sync <codename>",
		Short: "Synchronize recovery, device and kernel sources without building",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, closeFn, err := bootstrap(ctx, recoveryagent.BootstrapOptions{
				WithoutHistory:      true,
				WithoutOrchestrator: true,
			})
			if err != nil {
				return err
			}
			defer closeFn()

			kind, err := recovery.ParseKind(flagRecovery)
			if err != nil {
				return err
			}
			rec, err := rt.Registry.Lookup(args[0])
			if err != nil {
				return err
			}
			set, err := rt.Synchronizer.Ensure(ctx, rec, kind, sources.WithRecoveryVersion(flagVersion))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tree := range set.Trees() {
				fmt.Fprintf(out, "%-8s %-10s %s@%s -> %s (%s)\n", tree.Role, tree.Action, tree.URL, tree.Ref, tree.Path, tree.Revision)
			}
			state := "unchanged"
			if set.RoomserviceChanged {
				state = "written"
			}
			fmt.Fprintf(out, "roomservice %s %s\n", set.Roomservice, state)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagRecovery, "recovery", "r", "twrp", "Recovery kind: twrp or orangefox")
	cmd.Flags().StringVar(&flagVersion, "recovery-version", "", "Recovery branch version (default 12.1)")
	return cmd
}
