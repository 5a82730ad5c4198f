package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	"github.com/httprunner/RecoveryAgent/pkg/device"
)

func newDevicesCmd() *cobra.Command {
	var flagCustomOnly bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List supported devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeFn, err := bootstrap(cmd.Context(), recoveryagent.BootstrapOptions{
				WithoutHistory:      true,
				WithoutOrchestrator: true,
			})
			if err != nil {
				return err
			}
			defer closeFn()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODENAME\tMANUFACTURER\tNAME\tSOC\tANDROID\tSOURCE")
			for _, rec := range rt.Registry.List() {
				if flagCustomOnly && !rec.Custom {
					continue
				}
				source := "builtin"
				if rec.Custom {
					source = "custom"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.Codename, rec.Manufacturer, rec.Name, rec.SoC, rec.PlatformVersion, source)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&flagCustomOnly, "custom", false, "Only list custom registrations")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var rec device.Record

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a custom device tree",
		Long:  "Register a device by its tree (and optional kernel) repository. Only the locator syntax is checked; the first fetch happens on the first build.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeFn, err := bootstrap(cmd.Context(), recoveryagent.BootstrapOptions{
				WithoutHistory:      true,
				WithoutOrchestrator: true,
			})
			if err != nil {
				return err
			}
			defer closeFn()

			rec.Codename = strings.TrimSpace(rec.Codename)
			if err := rt.Registry.Register(rec); err != nil {
				return err
			}
			stored, err := rt.Registry.Lookup(rec.Codename)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s %s), tree %s@%s\n",
				stored.Codename, stored.Manufacturer, stored.Name, stored.Tree.URL, stored.Tree.Ref)
			return nil
		},
	}

	cmd.Flags().StringVar(&rec.Codename, "codename", "", "Device codename")
	cmd.Flags().StringVar(&rec.Manufacturer, "manufacturer", "", "Manufacturer")
	cmd.Flags().StringVar(&rec.Name, "name", "", "Marketing name")
	cmd.Flags().StringVar(&rec.Arch, "arch", "arm64", "CPU architecture (arm64, arm, x86_64)")
	cmd.Flags().StringVar(&rec.SoC, "soc", "", "SoC")
	cmd.Flags().StringVar(&rec.PlatformVersion, "android", "", "Android platform version")
	cmd.Flags().StringVar(&rec.Tree.URL, "tree-url", "", "Device tree repository")
	cmd.Flags().StringVar(&rec.Tree.Ref, "tree-ref", "", "Device tree branch, tag or commit")
	cmd.Flags().StringVar(&rec.Kernel.URL, "kernel-url", "", "Kernel repository")
	cmd.Flags().StringVar(&rec.Kernel.Ref, "kernel-ref", "", "Kernel branch, tag or commit")
	_ = cmd.MarkFlagRequired("codename")
	_ = cmd.MarkFlagRequired("tree-url")
	return cmd
}
