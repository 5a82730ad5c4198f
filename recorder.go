package recoveryagent

import (
	"context"

	"github.com/pkg/errors"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
)

// BuildRecorder receives callbacks from the orchestrator to persist job
// state. Recorder errors are logged and never fail a build.
type BuildRecorder interface {
	JobCreated(ctx context.Context, job JobSnapshot) error
	StageReached(ctx context.Context, job JobSnapshot) error
	ArtifactsCommitted(ctx context.Context, jobID string, arts []artifacts.Artifact) error
	JobFinished(ctx context.Context, job JobSnapshot) error
	ReportStored(ctx context.Context, jobID, path, status string) error
}

type noopRecorder struct{}

func (noopRecorder) JobCreated(context.Context, JobSnapshot) error   { return nil }
func (noopRecorder) StageReached(context.Context, JobSnapshot) error { return nil }
func (noopRecorder) ArtifactsCommitted(context.Context, string, []artifacts.Artifact) error {
	return nil
}
func (noopRecorder) JobFinished(context.Context, JobSnapshot) error { return nil }
func (noopRecorder) ReportStored(context.Context, string, string, string) error {
	return nil
}

// MultiRecorder forwards every callback to each recorder in order.
type MultiRecorder []BuildRecorder

// NewMultiRecorder drops nil entries.
func NewMultiRecorder(recorders ...BuildRecorder) MultiRecorder {
	out := make(MultiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m MultiRecorder) each(fn func(BuildRecorder) error) error {
	var errs []error
	for _, r := range m {
		if err := fn(r); err != nil {
			errs = append(errs, err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Errorf("%d recorders failed, first: %v", len(errs), errs[0])
	}
}

func (m MultiRecorder) JobCreated(ctx context.Context, job JobSnapshot) error {
	return m.each(func(r BuildRecorder) error { return r.JobCreated(ctx, job) })
}

func (m MultiRecorder) StageReached(ctx context.Context, job JobSnapshot) error {
	return m.each(func(r BuildRecorder) error { return r.StageReached(ctx, job) })
}

func (m MultiRecorder) ArtifactsCommitted(ctx context.Context, jobID string, arts []artifacts.Artifact) error {
	return m.each(func(r BuildRecorder) error { return r.ArtifactsCommitted(ctx, jobID, arts) })
}

func (m MultiRecorder) JobFinished(ctx context.Context, job JobSnapshot) error {
	return m.each(func(r BuildRecorder) error { return r.JobFinished(ctx, job) })
}

func (m MultiRecorder) ReportStored(ctx context.Context, jobID, path, status string) error {
	return m.each(func(r BuildRecorder) error { return r.ReportStored(ctx, jobID, path, status) })
}
