package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	adbprovider "github.com/httprunner/RecoveryAgent/providers/adb"
)

func newBuildCmd() *cobra.Command {
	var (
		flagRecovery      string
		flagOptions       map[string]string
		flagDetect        bool
		flagSerial        string
		flagBuildCommand  string
		flagSkipToolCheck bool
		flagQuiet         bool
	)

	cmd := &cobra.Command{
		Use:   "build [codename]",
		Short: "Build one recovery image",
		Long: `Build a recovery image for one device. The codename may come from an
attached device with --detect. Interrupting before the native build starts
cancels the job; once compiling, the build runs to completion.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			codename := ""
			if len(args) == 1 {
				codename = args[0]
			}
			if flagDetect {
				detected, err := detectCodename(ctx, flagSerial)
				if err != nil {
					return err
				}
				codename = detected
			}
			if codename == "" {
				return errors.New("a codename argument or --detect is required")
			}

			rt, closeFn, err := bootstrap(ctx, recoveryagent.BootstrapOptions{
				BuildCommand:  flagBuildCommand,
				SkipToolCheck: flagSkipToolCheck,
			})
			if err != nil {
				return err
			}
			defer closeFn()

			req := recoveryagent.BuildRequest{Device: codename, Recovery: flagRecovery, Options: flagOptions}
			cfg, err := req.Config(rt.Registry)
			if err != nil {
				return err
			}
			job, err := rt.Orchestrator.Submit(ctx, cfg)
			if err != nil {
				return err
			}
			log.Info().Str("job_id", job.ID()).Str("device", codename).
				Str("recovery", cfg.Kind().String()).Str("timestamp", job.Timestamp()).Msg("build submitted")

			out := cmd.OutOrStdout()
			if flagQuiet {
				<-job.Done()
			} else {
				followJob(out, rt.Orchestrator, job)
			}

			fmt.Fprintf(out, "build %s: %s\n", job.ID(), job.Outcome())
			printArtifacts(out, job.Artifacts())
			if path, status := job.Report(); path != "" {
				fmt.Fprintf(out, "report: %s (%s)\n", path, status)
			}
			return jobError(job)
		},
	}

	cmd.Flags().StringVarP(&flagRecovery, "recovery", "r", "twrp", "Recovery kind: twrp or orangefox")
	cmd.Flags().StringToStringVarP(&flagOptions, "opt", "o", nil, "Build option key=value (enable-a2dp, flashable-zip, recovery-version, maintainer, fox-build-type, ...)")
	cmd.Flags().BoolVar(&flagDetect, "detect", false, "Take the codename from the attached adb device")
	cmd.Flags().StringVar(&flagSerial, "serial", "", "adb serial when several devices are attached")
	cmd.Flags().StringVar(&flagBuildCommand, "build-command", "", "Native build command overriding $RECOVERY_BUILD_COMMAND")
	cmd.Flags().BoolVar(&flagSkipToolCheck, "skip-tool-check", false, "Do not check for required host tools")
	cmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "Do not print stage progress")
	return cmd
}

func detectCodename(ctx context.Context, serial string) (string, error) {
	provider, err := adbprovider.NewDefault()
	if err != nil {
		return "", err
	}
	info, err := provider.Detect(ctx, serial)
	if err != nil {
		return "", err
	}
	log.Info().Str("serial", info.Serial).Str("codename", info.Codename).
		Str("model", info.Model).Msg("detected attached device")
	return info.Codename, nil
}
