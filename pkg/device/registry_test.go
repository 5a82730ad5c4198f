package device

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func lavender() Record {
	return Record{
		Codename:        "lavender",
		Manufacturer:    "Xiaomi",
		Name:            "Redmi Note 7",
		Arch:            "arm64",
		SoC:             "sdm660",
		PlatformVersion: "9",
		Tree:            SourceRef{URL: "https://github.com/example/device_xiaomi_lavender.git", Ref: "android-9"},
		Kernel:          SourceRef{URL: "git@github.com:example/kernel_xiaomi_lavender.git", Ref: "main"},
	}
}

func TestRegistryBuiltinLookup(t *testing.T) {
	reg, err := NewRegistry(Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rec, err := reg.Lookup("beryllium")
	if err != nil {
		t.Fatalf("lookup beryllium: %v", err)
	}
	if rec.Manufacturer != "Xiaomi" || rec.SoC != "sdm845" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if rec.Tree.URL != "https://github.com/TWRP-Team/device_xiaomi_beryllium" {
		t.Fatalf("unexpected tree url %s", rec.Tree.URL)
	}
	if _, err := reg.Lookup("nosuchdevice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := len(reg.List()); got != len(Builtin()) {
		t.Fatalf("expected %d devices, got %d", len(Builtin()), got)
	}
}

func TestRegistryRejectsDuplicateCodename(t *testing.T) {
	reg, err := NewRegistry(Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	dup := lavender()
	dup.Codename = "beryllium"
	if err := reg.Register(dup); !errors.Is(err, ErrDuplicateCodename) {
		t.Fatalf("expected ErrDuplicateCodename, got %v", err)
	}
	if err := reg.Register(lavender()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(lavender()); !errors.Is(err, ErrDuplicateCodename) {
		t.Fatalf("expected ErrDuplicateCodename on second register, got %v", err)
	}
	count := 0
	for _, rec := range reg.List() {
		if rec.Codename == "lavender" {
			count++
			if !rec.Custom {
				t.Fatal("registered device should be marked custom")
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one lavender record, got %d", count)
	}
}

func TestRegistryRejectsInvalidSource(t *testing.T) {
	reg, err := NewRegistry(Options{SkipBuiltin: true})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cases := map[string]Record{
		"empty url":  {Codename: "a1", Tree: SourceRef{}},
		"bad scheme": {Codename: "a2", Tree: SourceRef{URL: "ftp://example.com/tree.git"}},
		"no host":    {Codename: "a3", Tree: SourceRef{URL: "https:///tree.git"}},
		"no path":    {Codename: "a4", Tree: SourceRef{URL: "https://github.com/"}},
		"bad ref":    {Codename: "a5", Tree: SourceRef{URL: "https://github.com/x/y", Ref: "a..b"}},
		"bad kernel": {Codename: "a6", Tree: SourceRef{URL: "https://github.com/x/y"}, Kernel: SourceRef{URL: "not a url"}},
		"bad device": {Codename: "bad name", Tree: SourceRef{URL: "https://github.com/x/y"}},
	}
	for name, rec := range cases {
		if err := reg.Register(rec); !errors.Is(err, ErrInvalidSource) {
			t.Fatalf("%s: expected ErrInvalidSource, got %v", name, err)
		}
	}
	if len(reg.List()) != 0 {
		t.Fatalf("invalid registrations must not be visible: %#v", reg.List())
	}
}

func TestRegistryConcurrentRegistrationFirstWriterWins(t *testing.T) {
	reg, err := NewRegistry(Options{SkipBuiltin: true})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- reg.Register(lavender())
		}()
	}
	wg.Wait()
	close(results)
	success, dup := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrDuplicateCodename):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 || dup != workers-1 {
		t.Fatalf("expected 1 winner and %d duplicates, got %d/%d", workers-1, success, dup)
	}
}

func TestRegistryPersistsCustomDevices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom_devices.yaml")
	reg, err := NewRegistry(Options{CustomPath: path})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Register(lavender()); err != nil {
		t.Fatalf("register: %v", err)
	}

	reloaded, err := NewRegistry(Options{CustomPath: path})
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	rec, err := reloaded.Lookup("lavender")
	if err != nil {
		t.Fatalf("lookup after reload: %v", err)
	}
	if !rec.Custom || rec.Kernel.URL != lavender().Kernel.URL {
		t.Fatalf("unexpected reloaded record: %#v", rec)
	}
}

func TestRegistryCatalogOverridesBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	override := Builtin()[0]
	override.Tree.Ref = "android-13"
	if err := SaveCatalog(path, []Record{override}); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}
	reg, err := NewRegistry(Options{CatalogPath: path})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rec, err := reg.Lookup(override.Codename)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Tree.Ref != "android-13" || rec.Custom {
		t.Fatalf("catalog entry not applied: %#v", rec)
	}
}
