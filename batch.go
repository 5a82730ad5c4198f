package recoveryagent

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
	"github.com/httprunner/RecoveryAgent/pkg/report"
)

// BatchResult is the outcome of RunBatch. ReportErr is set when the jobs
// finished but the aggregated report could not be written.
type BatchResult struct {
	Jobs      []*BuildJob
	Report    *report.BuildReport
	Artifact  artifacts.Artifact
	ReportErr error
}

// Succeeded counts jobs that ended succeeded.
func (b *BatchResult) Succeeded() int {
	n := 0
	for _, job := range b.Jobs {
		if job.Outcome().State == OutcomeSucceeded {
			n++
		}
	}
	return n
}

// RunBatch builds every config, bounded by MaxConcurrentBuilds, and writes
// one aggregated report. All configs are validated before any job starts.
func (o *Orchestrator) RunBatch(ctx context.Context, configs []recovery.BuildConfig) (*BatchResult, error) {
	if len(configs) == 0 {
		return nil, errors.New("batch has no builds")
	}
	for _, cfg := range configs {
		if err := cfg.Validate(o.cfg.Devices); err != nil {
			return nil, err
		}
	}

	jobs := make([]*BuildJob, len(configs))
	var g errgroup.Group
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			job, err := o.Submit(ctx, cfg)
			if err != nil {
				return errors.Wrapf(err, "submit %s", cfg.Device().Codename)
			}
			jobs[i] = job
			<-job.Done()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &BatchResult{Jobs: jobs}
	results := make([]report.BuildResult, 0, len(jobs))
	for _, job := range jobs {
		results = append(results, o.result(job, job.Outcome().State))
	}
	rep, err := report.GenerateBatch(results, o.timestamps.ReserveReport(o.now()))
	if err == nil {
		res.Report = rep
		res.Artifact, err = report.Save(o.cfg.Store, rep)
	}
	if err != nil {
		res.ReportErr = err
		log.Error().Err(err).Int("builds", len(jobs)).Msg("batch report failed")
		return res, nil
	}
	log.Info().Int("builds", len(jobs)).Int("succeeded", res.Succeeded()).
		Str("report", res.Artifact.Path).Msg("batch finished")
	return res, nil
}
