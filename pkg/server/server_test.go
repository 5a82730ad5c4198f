package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	"github.com/httprunner/RecoveryAgent/internal/workspace"
	"github.com/httprunner/RecoveryAgent/pkg/device"
	"github.com/httprunner/RecoveryAgent/pkg/native"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
	"github.com/httprunner/RecoveryAgent/pkg/sources"
)

type treeSync struct{ root string }

func (s treeSync) Ensure(ctx context.Context, rec device.Record, kind recovery.Kind, opts ...sources.EnsureOption) (sources.SourceSet, error) {
	recDir := filepath.Join(s.root, "src", string(kind))
	devDir := filepath.Join(s.root, "dev", rec.Codename)
	for _, dir := range []string{recDir, devDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sources.SourceSet{}, err
		}
	}
	if err := os.WriteFile(filepath.Join(devDir, "twrp_"+rec.Codename+".mk"), nil, 0o644); err != nil {
		return sources.SourceSet{}, err
	}
	return sources.SourceSet{
		Recovery: &sources.Tree{Role: sources.RoleRecovery, Path: recDir, Action: sources.ActionUpToDate},
		Device:   &sources.Tree{Role: sources.RoleDevice, Path: devDir, Action: sources.ActionUpToDate},
	}, nil
}

type imageBuilder struct{}

func (imageBuilder) Build(ctx context.Context, inv native.Invocation) (native.Result, error) {
	dir := filepath.Join(inv.OutDir, "target", "product", inv.Device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return native.Result{}, err
	}
	img := filepath.Join(dir, "recovery.img")
	if err := os.WriteFile(img, []byte("ANDROID!"), 0o644); err != nil {
		return native.Result{}, err
	}
	return native.Result{Produced: []string{img}}, nil
}

func newTestServer(t *testing.T) (*Server, *recoveryagent.Orchestrator) {
	t.Helper()
	layout, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	registry, err := device.NewRegistry(device.Options{CustomPath: layout.CustomDevices()})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	orch, err := recoveryagent.NewOrchestrator(recoveryagent.Config{
		Layout:        layout,
		Devices:       registry,
		Synchronizer:  treeSync{root: layout.Root},
		Builder:       imageBuilder{},
		RequiredTools: []string{},
		BuilderHost:   "test-host",
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	srv, err := New(Config{Orchestrator: orch, Registry: registry})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, orch
}

func do(t *testing.T, srv *Server, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func TestDevicesEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := do(t, srv, http.MethodGet, "/api/devices", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"codename":"beryllium"`) {
		t.Fatalf("GET /api/devices = %d %s", code, body)
	}

	custom := `{"codename":"mydev","manufacturer":"Acme","name":"Acme One","arch":"arm64","tree":{"url":"https://github.com/acme/device_acme_mydev","ref":"main"}}`
	if code, body := do(t, srv, http.MethodPost, "/api/devices", custom); code != http.StatusCreated {
		t.Fatalf("register = %d %s", code, body)
	}
	if code, _ := do(t, srv, http.MethodPost, "/api/devices", custom); code != http.StatusConflict {
		t.Fatalf("duplicate register = %d, want 409", code)
	}
	bad := `{"codename":"bad dev","tree":{"url":"ftp://example.com/x"}}`
	if code, _ := do(t, srv, http.MethodPost, "/api/devices", bad); code != http.StatusBadRequest {
		t.Fatalf("invalid register = %d, want 400", code)
	}
}

func TestSubmitBuildAndStream(t *testing.T) {
	srv, orch := newTestServer(t)

	if code, _ := do(t, srv, http.MethodPost, "/api/builds", `{"device":"beryllium","recovery":"lineage"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown kind = %d, want 400", code)
	}
	if code, _ := do(t, srv, http.MethodPost, "/api/builds", `{"device":"nosuch","recovery":"twrp"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown device = %d, want 400", code)
	}

	code, body := do(t, srv, http.MethodPost, "/api/builds", `{"device":"beryllium","recovery":"twrp","options":{"flashable-zip":"false"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("submit = %d %s", code, body)
	}
	var snap recoveryagent.JobSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	job, err := orch.Job(snap.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if outcome, err := job.Wait(ctx); err != nil || outcome.State != recoveryagent.OutcomeSucceeded {
		t.Fatalf("outcome = %v, %v", outcome, err)
	}

	code, body = do(t, srv, http.MethodGet, "/api/builds/"+snap.ID+"?log=1", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"outcome":"succeeded"`) || !strings.Contains(string(body), `"log"`) {
		t.Fatalf("GET build = %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodGet, "/api/builds/"+snap.ID+"/events", "")
	if code != http.StatusOK || !strings.Contains(string(body), "event: outcome") || !strings.Contains(string(body), `"stage":"Reported"`) {
		t.Fatalf("events = %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodPost, "/api/builds/"+snap.ID+"/cancel", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"accepted":false`) {
		t.Fatalf("cancel finished = %d %s", code, body)
	}
	if code, _ := do(t, srv, http.MethodGet, "/api/builds/missing", ""); code != http.StatusNotFound {
		t.Fatalf("missing build = %d, want 404", code)
	}
	if code, _ := do(t, srv, http.MethodGet, "/api/history", ""); code != http.StatusNotFound {
		t.Fatalf("history without store = %d, want 404", code)
	}
}
