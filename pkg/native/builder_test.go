package native

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShellBuilderSuccessCollectsImages(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "out")
	b := &ShellBuilder{
		Shell:   "sh",
		Command: `echo "building {target}"; mkdir -p "$OUT_DIR/target/product/{device}"; printf img > "$OUT_DIR/target/product/{device}/recovery.img"; echo "$TW_DEVICE_VERSION"`,
	}
	var output bytes.Buffer
	res, err := b.Build(context.Background(), Invocation{
		Target:  "twrp_beryllium-eng",
		Device:  "beryllium",
		Env:     map[string]string{"TW_DEVICE_VERSION": "12.1"},
		WorkDir: work,
		OutDir:  out,
		Output:  &output,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code %d", res.ExitCode)
	}
	if !strings.Contains(output.String(), "building twrp_beryllium-eng\n12.1\n") {
		t.Fatalf("unexpected output %q", output.String())
	}
	want := filepath.Join(out, "target", "product", "beryllium", "recovery.img")
	if len(res.Produced) != 1 || res.Produced[0] != want {
		t.Fatalf("unexpected produced %v", res.Produced)
	}
}

func TestShellBuilderNonzeroExitKeepsTail(t *testing.T) {
	b := &ShellBuilder{Shell: "sh", Command: `for i in 1 2 3 4 5; do echo "line $i"; done; echo "ld: undefined reference" >&2; exit 3`, TailLines: 2}
	res, err := b.Build(context.Background(), Invocation{Target: "t", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("nonzero exit must not be an invocation error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code %d", res.ExitCode)
	}
	if len(res.Tail) != 2 || res.Tail[1] != "ld: undefined reference" {
		t.Fatalf("unexpected tail %q", res.Tail)
	}
}

func TestWriteEnvScriptIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds", "build_env_twrp.sh")
	env := BaseEnv("arm64")
	changed, err := WriteEnvScript(path, env)
	if err != nil || !changed {
		t.Fatalf("first write: changed=%v err=%v", changed, err)
	}
	changed, err = WriteEnvScript(path, env)
	if err != nil || changed {
		t.Fatalf("second write: changed=%v err=%v", changed, err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `export ARCH="arm64"`) {
		t.Fatalf("unexpected script %s", data)
	}
}

func TestCheckToolsReportsMissing(t *testing.T) {
	err := CheckTools([]string{"sh", "definitely-not-a-real-tool-xyz"})
	missing, ok := err.(*MissingToolsError)
	if !ok || len(missing.Tools) != 1 {
		t.Fatalf("unexpected error %v", err)
	}
}
