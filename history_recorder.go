package recoveryagent

import (
	"context"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/history"
	"github.com/httprunner/RecoveryAgent/pkg/report"
)

// HistoryRecorder persists jobs into the sqlite build history.
type HistoryRecorder struct {
	store *history.Store
	host  string
}

func NewHistoryRecorder(store *history.Store, host string) *HistoryRecorder {
	return &HistoryRecorder{store: store, host: host}
}

func (r *HistoryRecorder) JobCreated(ctx context.Context, job JobSnapshot) error {
	return r.store.InsertBuild(ctx, history.Build{
		JobID:        job.ID,
		Device:       job.Device,
		Manufacturer: job.Manufacturer,
		RecoveryKind: job.Recovery.String(),
		Timestamp:    job.Timestamp,
		Outcome:      string(job.Outcome),
		StartedAt:    job.CreatedAt,
		Options:      job.Options,
		Host:         r.host,
		ReportStatus: job.ReportStatus,
	})
}

func (r *HistoryRecorder) StageReached(ctx context.Context, job JobSnapshot) error {
	if job.Stage != StageEnvironmentReady.String() {
		return nil
	}
	return r.store.UpdateOutcome(ctx, job.ID, string(OutcomeRunning))
}

func (r *HistoryRecorder) ArtifactsCommitted(ctx context.Context, jobID string, arts []artifacts.Artifact) error {
	return r.store.AddArtifacts(ctx, jobID, arts)
}

func (r *HistoryRecorder) JobFinished(ctx context.Context, job JobSnapshot) error {
	return r.store.FinishBuild(ctx, job.ID, string(job.Outcome), job.FailedStage, job.Reason, job.FinishedAt)
}

func (r *HistoryRecorder) ReportStored(ctx context.Context, jobID, path, status string) error {
	return r.store.SetReport(ctx, jobID, path, status)
}

// ResultFromHistory turns a history row back into report input, so reports
// can be regenerated after the process that ran the build is gone.
func ResultFromHistory(b history.Build) report.BuildResult {
	return report.BuildResult{
		JobID:        b.JobID,
		Device:       b.Device,
		Manufacturer: b.Manufacturer,
		RecoveryKind: b.RecoveryKind,
		Timestamp:    b.Timestamp,
		Outcome:      b.Outcome,
		FailedStage:  b.FailedStage,
		Reason:       b.Reason,
		StartedAt:    b.StartedAt,
		FinishedAt:   b.FinishedAt,
		Options:      b.Options,
		Artifacts:    b.Artifacts,
		BuilderHost:  b.Host,
	}
}
