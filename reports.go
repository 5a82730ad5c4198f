package recoveryagent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/RecoveryAgent/pkg/report"
)

// result converts a job into report input. outcome overrides the job's
// state for a report written just before the outcome is settled.
func (o *Orchestrator) result(job *BuildJob, outcome OutcomeState) report.BuildResult {
	snap := job.Snapshot()
	started, finished := job.timing()
	return report.BuildResult{
		JobID:        snap.ID,
		Device:       snap.Device,
		Manufacturer: snap.Manufacturer,
		RecoveryKind: snap.Recovery.String(),
		Timestamp:    snap.Timestamp,
		Outcome:      string(outcome),
		FailedStage:  snap.FailedStage,
		Reason:       snap.Reason,
		StartedAt:    started,
		FinishedAt:   finished,
		Options:      snap.Options,
		Artifacts:    snap.Artifacts,
		BuilderHost:  o.cfg.BuilderHost,
	}
}

func (o *Orchestrator) saveReport(job *BuildJob) {
	o.saveReportAs(job, job.Outcome().State)
}

// saveReportAs writes the single-job report. On failure the report is
// marked incomplete and retried in the background.
func (o *Orchestrator) saveReportAs(job *BuildJob, outcome OutcomeState) {
	if err := o.writeReport(job, outcome); err != nil {
		job.setReport("", ReportIncomplete)
		job.logf("report failed: %v", err)
		log.Error().Err(err).Str("job_id", job.id).Msg("build report failed")
		o.record(job.id, "report stored", func(rctx context.Context) error {
			return o.cfg.Recorder.ReportStored(rctx, job.id, "", ReportIncomplete)
		})
		o.retryReportLater(job, outcome)
	}
}

func (o *Orchestrator) writeReport(job *BuildJob, outcome OutcomeState) error {
	rep, err := report.Generate([]report.BuildResult{o.result(job, outcome)}, o.now())
	if err != nil {
		return err
	}
	art, err := report.Save(o.cfg.Store, rep)
	if err != nil {
		return err
	}
	job.setReport(art.Path, ReportComplete)
	job.logf("report written to %s", art.Path)
	log.Info().Str("job_id", job.id).Str("report", art.Path).Msg("build report written")
	o.record(job.id, "report stored", func(rctx context.Context) error {
		return o.cfg.Recorder.ReportStored(rctx, job.id, art.Path, ReportComplete)
	})
	return nil
}

func (o *Orchestrator) retryReportLater(job *BuildJob, outcome OutcomeState) {
	if o.cfg.ReportRetries == 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		backoff := o.cfg.ReportRetryBackoff
		for attempt := 1; attempt <= o.cfg.ReportRetries; attempt++ {
			select {
			case <-o.closing:
				return
			case <-time.After(backoff):
			}
			err := o.writeReport(job, outcome)
			if err == nil {
				return
			}
			log.Warn().Err(err).Str("job_id", job.id).Int("attempt", attempt).Msg("report retry failed")
			backoff = nextBackoff(backoff, 10*time.Minute)
		}
	}()
}

// RetryReport regenerates the report of a finished job whose report is
// incomplete. A complete report is left as is.
func (o *Orchestrator) RetryReport(ctx context.Context, jobID string) (string, error) {
	job, err := o.Job(jobID)
	if err != nil {
		return "", err
	}
	select {
	case <-job.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", errors.Wrapf(ErrJobNotDone, "job %s", jobID)
	}
	if path, status := job.Report(); status == ReportComplete {
		return path, nil
	}
	if err := o.writeReport(job, job.Outcome().State); err != nil {
		return "", err
	}
	path, _ := job.Report()
	return path, nil
}
