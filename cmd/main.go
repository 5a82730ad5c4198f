package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/RecoveryAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "recoveryagent",
	Short: "Build TWRP and OrangeFox recovery images",
	Long: `recoveryagent synchronizes recovery and device sources, runs the native
build and stores every image, flashable zip, build log and report under a
workspace. Settings come from the environment (.env is loaded) and flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(rootLogLevel))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var (
	rootWorkspace string
	rootLogLevel  string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootWorkspace, "workspace", "", "Workspace root overriding $RECOVERY_WORKSPACE")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(
		newBuildCmd(),
		newBatchCmd(),
		newDevicesCmd(),
		newRegisterCmd(),
		newSyncCmd(),
		newHistoryCmd(),
		newReportCmd(),
		newDetectCmd(),
		newServeCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("recoveryagent command failed")
	}
}
