// Package report aggregates finished builds into build_report_{ts}.json.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
)

// Outcome values as serialized in reports.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// ArtifactEntry is one committed artifact.
type ArtifactEntry struct {
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// BuildResult is the input per finished job.
type BuildResult struct {
	JobID        string
	Device       string
	Manufacturer string
	RecoveryKind string
	Timestamp    string
	Outcome      string
	FailedStage  string
	Reason       string
	StartedAt    time.Time
	FinishedAt   time.Time
	Options      map[string]string
	Artifacts    []artifacts.Artifact
	BuilderHost  string
}

// Build is the serialized form of a BuildResult.
type Build struct {
	JobID          string            `json:"job_id"`
	Device         string            `json:"device"`
	Manufacturer   string            `json:"manufacturer,omitempty"`
	RecoveryKind   string            `json:"recovery_kind"`
	Timestamp      string            `json:"timestamp"`
	Outcome        string            `json:"outcome"`
	FailedStage    string            `json:"failed_stage,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	Options        map[string]string `json:"options,omitempty"`
	BuilderHost    string            `json:"builder_host,omitempty"`
	Artifacts      []ArtifactEntry   `json:"artifacts"`
}

// BuildReport is immutable once generated.
type BuildReport struct {
	GeneratedAt      time.Time `json:"generated_at"`
	Timestamp        string    `json:"timestamp"`
	TotalBuilds      int       `json:"total_builds"`
	SuccessfulBuilds int       `json:"successful_builds"`
	FailedBuilds     int       `json:"failed_builds"`
	CancelledBuilds  int       `json:"cancelled_builds"`
	Builds           []Build   `json:"builds"`
}

// ReportFailure marks a report that could not be generated or stored. It
// never changes a build outcome.
type ReportFailure struct {
	Timestamp string
	Err       error
}

func (e *ReportFailure) Error() string {
	return fmt.Sprintf("build report %s: %v", e.Timestamp, e.Err)
}

func (e *ReportFailure) Unwrap() error { return e.Err }

// Generate aggregates results. A single-job report takes the job's
// timestamp; a report over several jobs the generation time.
func Generate(results []BuildResult, now time.Time) (*BuildReport, error) {
	ts := artifacts.FormatTimestamp(now)
	if len(results) == 1 && results[0].Timestamp != "" {
		ts = results[0].Timestamp
	}
	return generate(results, now, ts)
}

// GenerateBatch is Generate for a batch run: the report is always named
// after now, even when the batch holds a single job.
func GenerateBatch(results []BuildResult, now time.Time) (*BuildReport, error) {
	return generate(results, now, artifacts.FormatTimestamp(now))
}

func generate(results []BuildResult, now time.Time, timestamp string) (*BuildReport, error) {
	if len(results) == 0 {
		return nil, &ReportFailure{Timestamp: timestamp, Err: errors.New("no builds to report")}
	}
	rep := &BuildReport{
		GeneratedAt: now,
		Timestamp:   timestamp,
		Builds:      make([]Build, 0, len(results)),
	}
	for _, r := range results {
		if r.Device == "" || r.RecoveryKind == "" {
			return nil, &ReportFailure{Timestamp: rep.Timestamp, Err: errors.Errorf("job %s has no device identity", r.JobID)}
		}
		b := Build{
			JobID:        r.JobID,
			Device:       r.Device,
			Manufacturer: r.Manufacturer,
			RecoveryKind: r.RecoveryKind,
			Timestamp:    r.Timestamp,
			Outcome:      r.Outcome,
			FailedStage:  r.FailedStage,
			Reason:       r.Reason,
			StartedAt:    r.StartedAt,
			FinishedAt:   r.FinishedAt,
			Options:      r.Options,
			BuilderHost:  r.BuilderHost,
			Artifacts:    make([]ArtifactEntry, 0, len(r.Artifacts)),
		}
		if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() {
			b.ElapsedSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()
		}
		for _, a := range r.Artifacts {
			b.Artifacts = append(b.Artifacts, ArtifactEntry{
				Kind:      string(a.Kind),
				Path:      a.Path,
				SizeBytes: a.SizeBytes,
				SHA256:    a.SHA256,
			})
		}
		switch r.Outcome {
		case OutcomeSucceeded:
			rep.SuccessfulBuilds++
		case OutcomeFailed:
			rep.FailedBuilds++
		case OutcomeCancelled:
			rep.CancelledBuilds++
		default:
			return nil, &ReportFailure{Timestamp: rep.Timestamp, Err: errors.Errorf("job %s is not finished (outcome %q)", r.JobID, r.Outcome)}
		}
		rep.Builds = append(rep.Builds, b)
	}
	rep.TotalBuilds = len(rep.Builds)
	sort.SliceStable(rep.Builds, func(i, j int) bool {
		if rep.Builds[i].Device != rep.Builds[j].Device {
			return rep.Builds[i].Device < rep.Builds[j].Device
		}
		return rep.Builds[i].Timestamp < rep.Builds[j].Timestamp
	})
	return rep, nil
}

// FileName is build_report_{timestamp}.json.
func (r *BuildReport) FileName() string {
	return artifacts.ReportFileName(r.Timestamp)
}

// Encode writes the report as indented JSON.
func (r *BuildReport) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Committer stores named report files.
type Committer interface {
	CommitFile(name string, r io.Reader) (artifacts.Artifact, error)
}

// Save stores r under r.FileName(). A name that is already taken fails
// with a ReportFailure; r is never modified.
func Save(store Committer, r *BuildReport) (artifacts.Artifact, error) {
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return artifacts.Artifact{}, &ReportFailure{Timestamp: r.Timestamp, Err: errors.Wrap(err, "encode report")}
	}
	art, err := store.CommitFile(r.FileName(), &buf)
	if err != nil {
		return artifacts.Artifact{}, &ReportFailure{Timestamp: r.Timestamp, Err: err}
	}
	return art, nil
}

// Load decodes a stored report.
func Load(rd io.Reader) (*BuildReport, error) {
	var r BuildReport
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode build report")
	}
	return &r, nil
}
