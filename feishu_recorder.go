package recoveryagent

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/feishu"
)

// bitableWriter is the part of feishu.Client the recorder uses.
type bitableWriter interface {
	CreateRecord(ctx context.Context, ref feishu.BitableRef, fields map[string]any) (string, error)
	UpdateRecord(ctx context.Context, ref feishu.BitableRef, recordID string, fields map[string]any) error
}

// FeishuRecorder mirrors every job into one bitable row.
type FeishuRecorder struct {
	client bitableWriter
	ref    feishu.BitableRef
	fields feishu.BuildFields
	host   string

	mu   sync.Mutex
	rows map[string]*feishuRow
}

type feishuRow struct {
	recordID  string
	artifacts []string
}

// NewFeishuRecorder parses the bitable URL; fields default to
// feishu.BuildFieldsFromEnv.
func NewFeishuRecorder(client *feishu.Client, bitableURL, host string) (*FeishuRecorder, error) {
	if client == nil {
		return nil, errors.New("feishu client is nil")
	}
	ref, err := feishu.ParseBitableURL(bitableURL)
	if err != nil {
		return nil, err
	}
	return newFeishuRecorder(client, ref, feishu.BuildFieldsFromEnv(), host), nil
}

func newFeishuRecorder(client bitableWriter, ref feishu.BitableRef, fields feishu.BuildFields, host string) *FeishuRecorder {
	return &FeishuRecorder{client: client, ref: ref, fields: fields, host: host, rows: make(map[string]*feishuRow)}
}

func (r *FeishuRecorder) row(snap JobSnapshot) feishu.BuildRow {
	return feishu.BuildRow{
		JobID:       snap.ID,
		Device:      snap.Device,
		Recovery:    snap.Recovery.DisplayName(),
		Timestamp:   snap.Timestamp,
		Status:      string(snap.Outcome),
		Stage:       snap.Stage,
		FailedStage: snap.FailedStage,
		Reason:      snap.Reason,
		StartedAt:   snap.StartedAt,
		FinishedAt:  snap.FinishedAt,
		Host:        r.host,
	}
}

func (r *FeishuRecorder) JobCreated(ctx context.Context, job JobSnapshot) error {
	row := r.row(job)
	row.StartedAt = job.CreatedAt
	id, err := r.client.CreateRecord(ctx, r.ref, r.fields.Fields(row))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rows[job.ID] = &feishuRow{recordID: id}
	r.mu.Unlock()
	return nil
}

func (r *FeishuRecorder) update(ctx context.Context, jobID string, row feishu.BuildRow) error {
	r.mu.Lock()
	state, ok := r.rows[jobID]
	var id string
	if ok {
		id = state.recordID
		row.Artifacts = append([]string(nil), state.artifacts...)
	}
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("no bitable row for job %s", jobID)
	}
	return r.client.UpdateRecord(ctx, r.ref, id, r.fields.Fields(row))
}

func (r *FeishuRecorder) StageReached(ctx context.Context, job JobSnapshot) error {
	return r.update(ctx, job.ID, feishu.BuildRow{Status: string(job.Outcome), Stage: job.Stage, StartedAt: job.StartedAt})
}

func (r *FeishuRecorder) ArtifactsCommitted(ctx context.Context, jobID string, arts []artifacts.Artifact) error {
	r.mu.Lock()
	if state, ok := r.rows[jobID]; ok {
		for _, a := range arts {
			state.artifacts = append(state.artifacts, filepath.Base(a.Path)+" "+a.SHA256)
		}
	}
	r.mu.Unlock()
	return r.update(ctx, jobID, feishu.BuildRow{})
}

func (r *FeishuRecorder) JobFinished(ctx context.Context, job JobSnapshot) error {
	err := r.update(ctx, job.ID, r.row(job))
	r.mu.Lock()
	delete(r.rows, job.ID)
	r.mu.Unlock()
	return err
}

// ReportStored is not mirrored; the row already carries the outcome.
func (r *FeishuRecorder) ReportStored(context.Context, string, string, string) error {
	return nil
}
