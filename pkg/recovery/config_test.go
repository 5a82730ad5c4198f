package recovery

import (
	"errors"
	"testing"

	"github.com/httprunner/RecoveryAgent/pkg/device"
)

func newRegistry(t *testing.T) *device.Registry {
	t.Helper()
	reg, err := device.NewRegistry(device.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestNewBuildConfigValid(t *testing.T) {
	reg := newRegistry(t)
	cfg, err := NewBuildConfig(reg, "beryllium", KindTWRP, DefaultOptions(KindTWRP))
	if err != nil {
		t.Fatalf("NewBuildConfig: %v", err)
	}
	if cfg.Device().Codename != "beryllium" || cfg.Kind() != KindTWRP {
		t.Fatalf("unexpected config: %#v", cfg)
	}
	src, err := cfg.ProjectSource()
	if err != nil {
		t.Fatalf("ProjectSource: %v", err)
	}
	if src.Ref != "twrp-12.1" {
		t.Fatalf("unexpected project ref %s", src.Ref)
	}
	if err := cfg.Validate(reg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNewBuildConfigRejectsUnknownDevice(t *testing.T) {
	reg := newRegistry(t)
	_, err := NewBuildConfig(reg, "nosuchdevice", KindTWRP, DefaultOptions(KindTWRP))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("expected wrapped ErrNotFound, got %v", err)
	}
}

func TestNewBuildConfigRejectsUnknownKind(t *testing.T) {
	reg := newRegistry(t)
	_, err := NewBuildConfig(reg, "beryllium", Kind("magisk"), Options{Version: "1"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if err := (BuildConfig{}).Validate(reg); err == nil {
		t.Fatal("zero BuildConfig must be invalid")
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(KindOrangeFox, map[string]string{
		"enable-a2dp":      "false",
		"recovery-version": "11.0",
		"fox-build-type":   "Beta",
		"maintainer":       "tester",
	})
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if opts.EnableA2DP || opts.Version != "11.0" || opts.FoxBuildType != "Beta" || !opts.FlashableZip {
		t.Fatalf("unexpected options: %#v", opts)
	}
	env := opts.Env(KindOrangeFox)
	if env["FOX_VERSION"] != "11.0" || env["OF_MAINTAINER"] != "tester" || env["OF_ENABLE_A2DP"] != "0" {
		t.Fatalf("unexpected env: %#v", env)
	}
}

func TestParseOptionsRejectsUnknownAndForeignKeys(t *testing.T) {
	cases := []struct {
		kind Kind
		raw  map[string]string
	}{
		{KindTWRP, map[string]string{"enable-turbo": "true"}},
		{KindTWRP, map[string]string{"fox-build-type": "Beta"}},
		{KindTWRP, map[string]string{"enable-a2dp": "maybe"}},
		{KindTWRP, map[string]string{"recovery-version": "../etc"}},
		{KindOrangeFox, map[string]string{"fox-build-type": "Nightly"}},
	}
	for _, tc := range cases {
		if _, err := ParseOptions(tc.kind, tc.raw); err == nil {
			t.Fatalf("expected rejection for %s %#v", tc.kind, tc.raw)
		}
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{"TWRP": KindTWRP, "orangefox": KindOrangeFox, "orange_fox": KindOrangeFox} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := ParseKind("cwm"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
