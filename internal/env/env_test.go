package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTypedGetters(t *testing.T) {
	t.Setenv("RA_TEST_STRING", "  value ")
	t.Setenv("RA_TEST_INT", "7")
	t.Setenv("RA_TEST_BAD_INT", "seven")
	t.Setenv("RA_TEST_BOOL", "yes")
	t.Setenv("RA_TEST_DURATION", "90s")
	t.Setenv("RA_TEST_LIST", "git, make,,zip ")
	t.Setenv("RA_TEST_EMPTY_LIST", "")

	if got := String("RA_TEST_STRING", "x"); got != "value" {
		t.Fatalf("String = %q", got)
	}
	if got := String("RA_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String fallback = %q", got)
	}
	if got := Int("RA_TEST_INT", 1); got != 7 {
		t.Fatalf("Int = %d", got)
	}
	if got := Int("RA_TEST_BAD_INT", 3); got != 3 {
		t.Fatalf("Int fallback = %d", got)
	}
	if !Bool("RA_TEST_BOOL", false) {
		t.Fatal("Bool expected true")
	}
	if got := Duration("RA_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("Duration = %s", got)
	}
	list := List("RA_TEST_LIST", nil)
	if len(list) != 3 || list[0] != "git" || list[2] != "zip" {
		t.Fatalf("List = %#v", list)
	}
	if got := List("RA_TEST_EMPTY_LIST", []string{"x"}); len(got) != 0 {
		t.Fatalf("explicitly empty list should override fallback, got %#v", got)
	}
	if got := List("RA_TEST_LIST_UNSET", []string{"x"}); len(got) != 1 {
		t.Fatalf("unset list should use fallback, got %#v", got)
	}
}

func TestFindDotEnvWalksUp(t *testing.T) {
	root := t.TempDir()
	want := filepath.Join(root, ".env")
	if err := os.WriteFile(want, []byte("RECOVERY_WORKSPACE=/srv/recovery\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	nested := filepath.Join(root, "builds", "twrp_beryllium_20240113_103045")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, err := findDotEnv(nested)
	if err != nil || got != want {
		t.Fatalf("findDotEnv = %q, %v; want %q", got, err, want)
	}
}

func TestResolveDotEnvPrefersExplicitFile(t *testing.T) {
	explicit := filepath.Join(t.TempDir(), "recovery.env")
	if err := os.WriteFile(explicit, []byte("RECOVERY_MAX_CONCURRENT_BUILDS=2\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(FileKey, explicit)
	if got, err := resolveDotEnv(); err != nil || got != explicit {
		t.Fatalf("resolveDotEnv = %q, %v", got, err)
	}

	t.Setenv(FileKey, filepath.Join(t.TempDir(), "missing.env"))
	if _, err := resolveDotEnv(); err == nil {
		t.Fatal("a missing explicit env file should be an error")
	}
}
