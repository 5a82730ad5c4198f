package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	"github.com/httprunner/RecoveryAgent/pkg/server"
)

func newServeCmd() *cobra.Command {
	var (
		flagAddr          string
		flagMaxBuilds     int
		flagSkipToolCheck bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Serve build submission, status, cancellation, progress streams (server-sent events) and device registration over HTTP.",
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

			// builds outlive requests but stop with the process
			srv, err := server.New(server.Config{
				Orchestrator: rt.Orchestrator,
				Registry:     rt.Registry,
				History:      rt.History,
				BaseContext:  ctx,
			})
			if err != nil {
				return err
			}

			addr := firstNonEmpty(flagAddr, recoveryagent.EnvString(recoveryagent.EnvServeAddr, ":8080"))
			group, gctx := errgroup.WithContext(ctx)
			recoveryagent.GroupGoSafe(gctx, group, "http-api", func(context.Context) error {
				return srv.Listen(addr)
			})
			group.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				log.Info().Msg("shutting down http api")
				return srv.Shutdown(shutdownCtx)
			})
			return group.Wait()
		},
	}
	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address overriding $RECOVERY_SERVE_ADDR (default :8080)")
	cmd.Flags().IntVar(&flagMaxBuilds, "max-builds", 0, "Concurrent builds (0 uses $RECOVERY_MAX_CONCURRENT_BUILDS)")
	cmd.Flags().BoolVar(&flagSkipToolCheck, "skip-tool-check", false, "Do not check for required host tools")
	return cmd
}
