package report

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

func sampleResults(t *testing.T, store *artifacts.Store) []BuildResult {
	t.Helper()
	id := artifacts.Identity{Codename: "beryllium", Recovery: recovery.KindTWRP, Timestamp: "20240113_103045"}
	img, err := store.Commit(id, artifacts.KindImage, strings.NewReader("image"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	start := time.Date(2024, 1, 13, 10, 30, 45, 0, time.Local)
	return []BuildResult{
		{
			JobID: "job-1", Device: "beryllium", Manufacturer: "Xiaomi", RecoveryKind: "twrp",
			Timestamp: id.Timestamp, Outcome: OutcomeSucceeded,
			StartedAt: start, FinishedAt: start.Add(90 * time.Second),
			Artifacts: []artifacts.Artifact{img},
		},
		{
			JobID: "job-2", Device: "begonia", Manufacturer: "Xiaomi", RecoveryKind: "orange_fox",
			Timestamp: "20240113_103046", Outcome: OutcomeFailed, FailedStage: "Compiled", Reason: "ld: error",
			StartedAt: start, FinishedAt: start.Add(30 * time.Second),
		},
	}
}

func TestGenerateBatch(t *testing.T) {
	store, _ := artifacts.NewStore(t.TempDir())
	now := time.Date(2024, 1, 13, 11, 0, 0, 0, time.Local)
	rep, err := Generate(sampleResults(t, store), now)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rep.TotalBuilds != 2 || rep.SuccessfulBuilds != 1 || rep.FailedBuilds != 1 {
		t.Fatalf("unexpected counts %#v", rep)
	}
	if rep.Timestamp != "20240113_110000" || rep.FileName() != "build_report_20240113_110000.json" {
		t.Fatalf("unexpected batch timestamp %s", rep.Timestamp)
	}
	if rep.Builds[0].Device != "begonia" || rep.Builds[1].ElapsedSeconds != 90 {
		t.Fatalf("unexpected builds %#v", rep.Builds)
	}
	if len(rep.Builds[1].Artifacts) != 1 || rep.Builds[1].Artifacts[0].Kind != "img" {
		t.Fatalf("unexpected artifacts %#v", rep.Builds[1].Artifacts)
	}
}

func TestGenerateSingleUsesJobTimestamp(t *testing.T) {
	store, _ := artifacts.NewStore(t.TempDir())
	results := sampleResults(t, store)[:1]
	rep, err := Generate(results, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rep.Timestamp != "20240113_103045" {
		t.Fatalf("single report should reuse job timestamp, got %s", rep.Timestamp)
	}
}

func TestGenerateBatchUsesGenerationTime(t *testing.T) {
	store, _ := artifacts.NewStore(t.TempDir())
	results := sampleResults(t, store)[:1]
	now := time.Date(2024, 1, 13, 12, 0, 0, 0, time.Local)
	rep, err := GenerateBatch(results, now)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if rep.Timestamp != "20240113_120000" || rep.Builds[0].Timestamp != "20240113_103045" {
		t.Fatalf("batch report timestamps = %s / %s", rep.Timestamp, rep.Builds[0].Timestamp)
	}
}

func TestGenerateRejectsUnfinished(t *testing.T) {
	_, err := Generate([]BuildResult{{JobID: "x", Device: "sweet", RecoveryKind: "twrp", Outcome: "running"}}, time.Now())
	var rf *ReportFailure
	if !errors.As(err, &rf) {
		t.Fatalf("expected ReportFailure, got %v", err)
	}
	if _, err := Generate(nil, time.Now()); !errors.As(err, &rf) {
		t.Fatalf("expected ReportFailure for empty input, got %v", err)
	}
}

func TestSaveRefusesTakenName(t *testing.T) {
	store, _ := artifacts.NewStore(t.TempDir())
	results := sampleResults(t, store)
	now := time.Date(2024, 1, 13, 11, 0, 0, 0, time.Local)

	first, _ := Generate(results, now)
	a1, err := Save(store, first)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(a1.Path) != "build_report_20240113_110000.json" {
		t.Fatalf("report path = %s", a1.Path)
	}
	second, _ := Generate(results, now)
	_, err = Save(store, second)
	var rf *ReportFailure
	if !errors.As(err, &rf) || !errors.Is(err, artifacts.ErrArtifactExists) {
		t.Fatalf("expected ReportFailure wrapping ErrArtifactExists, got %v", err)
	}
	if second.Timestamp != "20240113_110000" {
		t.Fatalf("Save modified the report timestamp to %s", second.Timestamp)
	}

	data, err := os.ReadFile(a1.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	loaded, err := Load(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TotalBuilds != 2 || loaded.Builds[1].Artifacts[0].SHA256 == "" {
		t.Fatalf("unexpected loaded report %#v", loaded)
	}
}
