package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func bootstrap(ctx context.Context, opts recoveryagent.BootstrapOptions) (*recoveryagent.Runtime, func(), error) {
	opts.Workspace = firstNonEmpty(opts.Workspace, rootWorkspace)
	rt, err := recoveryagent.Bootstrap(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown failed")
		}
	}
	return rt, closeFn, nil
}

// followJob prints progress until the job finishes.
func followJob(w io.Writer, orch *recoveryagent.Orchestrator, job *recoveryagent.BuildJob) {
	events, stop, err := orch.Subscribe(job.ID())
	if err != nil {
		<-job.Done()
		return
	}
	defer stop()
	for ev := range events {
		if ev.Type == recoveryagent.EventOutcome {
			fmt.Fprintf(w, "[%3d%%] %s %s: %s\n", ev.Percent, ev.Device, ev.StageName, ev.Outcome)
			continue
		}
		fmt.Fprintf(w, "[%3d%%] %s %s\n", ev.Percent, ev.Device, ev.StageName)
	}
	<-job.Done()
}

func printArtifacts(w io.Writer, arts []artifacts.Artifact) {
	for _, a := range arts {
		fmt.Fprintf(w, "  %-6s %s (%d bytes)\n         sha256 %s\n", a.Kind, a.Path, a.SizeBytes, a.SHA256)
	}
}

func jobError(job *recoveryagent.BuildJob) error {
	outcome := job.Outcome()
	switch outcome.State {
	case recoveryagent.OutcomeSucceeded:
		return nil
	case recoveryagent.OutcomeFailed:
		return fmt.Errorf("build %s failed at %s: %s", job.ID(), outcome.Stage, firstLine(outcome.Reason))
	default:
		return fmt.Errorf("build %s %s", job.ID(), outcome.State)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
