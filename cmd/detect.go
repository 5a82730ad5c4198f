package main

import (
	"fmt"

	"github.com/spf13/cobra"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	adbprovider "github.com/httprunner/RecoveryAgent/providers/adb"
)

func newDetectCmd() *cobra.Command {
	var flagSerial string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Identify the device attached over adb",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := adbprovider.NewDefault()
			if err != nil {
				return err
			}
			info, err := provider.Detect(cmd.Context(), flagSerial)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "serial:       %s\n", info.Serial)
			fmt.Fprintf(out, "codename:     %s\n", info.Codename)
			fmt.Fprintf(out, "manufacturer: %s\n", info.Manufacturer)
			fmt.Fprintf(out, "model:        %s\n", info.Model)
			fmt.Fprintf(out, "android:      %s (%s)\n", info.AndroidVersion, info.Arch())

			rt, closeFn, err := bootstrap(cmd.Context(), recoveryagent.BootstrapOptions{
				WithoutHistory:      true,
				WithoutOrchestrator: true,
			})
			if err != nil {
				return err
			}
			defer closeFn()
			if rt.Registry.Contains(info.Codename) {
				fmt.Fprintf(out, "supported:    yes, run `recoveryagent build %s`\n", info.Codename)
			} else {
				fmt.Fprintln(out, "supported:    no, register its device tree with `recoveryagent register`")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSerial, "serial", "", "adb serial when several devices are attached")
	return cmd
}
