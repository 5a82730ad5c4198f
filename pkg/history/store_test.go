package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuildLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 13, 10, 30, 45, 0, time.Local)

	err := store.InsertBuild(ctx, Build{
		JobID: "job-1", Device: "beryllium", Manufacturer: "Xiaomi", RecoveryKind: "twrp",
		Timestamp: "20240113_103045", Outcome: "pending", StartedAt: start,
		Options: map[string]string{"enable-a2dp": "true"},
	})
	if err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}
	arts := []artifacts.Artifact{
		{Kind: artifacts.KindImage, Path: "/tmp/a/twrp_beryllium_20240113_103045.img", SizeBytes: 10, SHA256: "aa", CreatedAt: start},
		{Kind: artifacts.KindLog, Path: "/tmp/a/twrp_beryllium_20240113_103045_build.log", SizeBytes: 5, SHA256: "bb", CreatedAt: start},
	}
	if err := store.AddArtifacts(ctx, "job-1", arts); err != nil {
		t.Fatalf("AddArtifacts: %v", err)
	}
	if err := store.AddArtifacts(ctx, "job-1", arts[:1]); err != nil {
		t.Fatalf("AddArtifacts again: %v", err)
	}
	if err := store.FinishBuild(ctx, "job-1", "succeeded", "", "", start.Add(time.Minute)); err != nil {
		t.Fatalf("FinishBuild: %v", err)
	}
	if err := store.SetReport(ctx, "job-1", "/tmp/a/build_report_20240113_103045.json", ReportComplete); err != nil {
		t.Fatalf("SetReport: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Outcome != "succeeded" || got.ReportStatus != ReportComplete || got.Options["enable-a2dp"] != "true" {
		t.Fatalf("unexpected build %#v", got)
	}
	if len(got.Artifacts) != 2 || got.Artifacts[0].Identity.Codename != "beryllium" {
		t.Fatalf("unexpected artifacts %#v", got.Artifacts)
	}
	if !got.FinishedAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("finished at %v", got.FinishedAt)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 13, 10, 0, 0, 0, time.Local)
	for i, dev := range []string{"sweet", "lmi", "sweet"} {
		err := store.InsertBuild(ctx, Build{
			JobID: dev + string(rune('a'+i)), Device: dev, RecoveryKind: "twrp",
			Timestamp: artifacts.FormatTimestamp(base.Add(time.Duration(i) * time.Minute)),
			Outcome:   "failed", StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertBuild: %v", err)
		}
	}
	builds, err := store.Recent(ctx, Filter{Device: "sweet"})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(builds) != 2 || builds[0].JobID != "sweetc" {
		t.Fatalf("unexpected builds %#v", builds)
	}
	builds, err = store.Recent(ctx, Filter{Limit: 1})
	if err != nil || len(builds) != 1 {
		t.Fatalf("limit not applied: %v %d", err, len(builds))
	}
}

func TestFormatSQLForLog(t *testing.T) {
	got := FormatSQLForLog("UPDATE builds SET reason=? WHERE job_id=?", "it's broken", 7)
	if got != "UPDATE builds SET reason='it''s broken' WHERE job_id=7" {
		t.Fatalf("unexpected %s", got)
	}
	if !strings.Contains(FormatSQLForLog("SELECT 1", "x"), "extra args") {
		t.Fatal("extra args should be appended")
	}
}
