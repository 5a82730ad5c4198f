package feishu

import (
	"strings"
	"time"

	"github.com/httprunner/RecoveryAgent/internal/env"
)

// BuildFields maps build attributes to bitable column names.
type BuildFields struct {
	JobID       string
	Device      string
	Recovery    string
	Timestamp   string
	Status      string
	Stage       string
	FailedStage string
	Reason      string
	StartedAt   string
	FinishedAt  string
	Elapsed     string
	Artifacts   string
	Host        string
}

// DefaultBuildFields are the column names of the build table template.
var DefaultBuildFields = BuildFields{
	JobID:       "JobID",
	Device:      "Device",
	Recovery:    "Recovery",
	Timestamp:   "Timestamp",
	Status:      "Status",
	Stage:       "Stage",
	FailedStage: "FailedStage",
	Reason:      "Reason",
	StartedAt:   "StartedAt",
	FinishedAt:  "FinishedAt",
	Elapsed:     "ElapsedSeconds",
	Artifacts:   "Artifacts",
	Host:        "BuilderHost",
}

// BuildFieldsFromEnv lets FEISHU_BUILD_FIELD_{NAME} rename single columns.
func BuildFieldsFromEnv() BuildFields {
	f := DefaultBuildFields
	override := func(dst *string, key string) {
		*dst = env.String("FEISHU_BUILD_FIELD_"+key, *dst)
	}
	override(&f.JobID, "JOB_ID")
	override(&f.Device, "DEVICE")
	override(&f.Recovery, "RECOVERY")
	override(&f.Timestamp, "TIMESTAMP")
	override(&f.Status, "STATUS")
	override(&f.Stage, "STAGE")
	override(&f.FailedStage, "FAILED_STAGE")
	override(&f.Reason, "REASON")
	override(&f.StartedAt, "STARTED_AT")
	override(&f.FinishedAt, "FINISHED_AT")
	override(&f.Elapsed, "ELAPSED")
	override(&f.Artifacts, "ARTIFACTS")
	override(&f.Host, "HOST")
	return f
}

// BuildRow is one build as written to the table.
type BuildRow struct {
	JobID       string
	Device      string
	Recovery    string
	Timestamp   string
	Status      string
	Stage       string
	FailedStage string
	Reason      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Artifacts   []string
	Host        string
}

// Fields renders row using the column names of f. Empty values are
// skipped so partial updates never blank existing cells.
func (f BuildFields) Fields(row BuildRow) map[string]any {
	out := map[string]any{}
	put := func(col string, v any) {
		if strings.TrimSpace(col) == "" {
			return
		}
		switch val := v.(type) {
		case string:
			if val == "" {
				return
			}
		case time.Time:
			if val.IsZero() {
				return
			}
			v = val.UnixMilli()
		}
		out[col] = v
	}
	put(f.JobID, row.JobID)
	put(f.Device, row.Device)
	put(f.Recovery, row.Recovery)
	put(f.Timestamp, row.Timestamp)
	put(f.Status, row.Status)
	put(f.Stage, row.Stage)
	put(f.FailedStage, row.FailedStage)
	put(f.Reason, truncateReason(row.Reason))
	put(f.StartedAt, row.StartedAt)
	put(f.FinishedAt, row.FinishedAt)
	if !row.StartedAt.IsZero() && !row.FinishedAt.IsZero() && f.Elapsed != "" {
		out[f.Elapsed] = row.FinishedAt.Sub(row.StartedAt).Seconds()
	}
	put(f.Artifacts, strings.Join(row.Artifacts, "\n"))
	put(f.Host, row.Host)
	return out
}

func truncateReason(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
