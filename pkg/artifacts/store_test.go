package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

func testIdentity() Identity {
	return Identity{Codename: "beryllium", Recovery: recovery.KindTWRP, Timestamp: "20240113_103045"}
}

func TestFileNameConvention(t *testing.T) {
	id := testIdentity()
	cases := map[Kind]string{
		KindImage: "twrp_beryllium_20240113_103045.img",
		KindZip:   "twrp_beryllium_20240113_103045.zip",
		KindLog:   "twrp_beryllium_20240113_103045_build.log",
	}
	for kind, want := range cases {
		got, err := FileName(id, kind)
		if err != nil {
			t.Fatalf("FileName(%s): %v", kind, err)
		}
		if got != want {
			t.Fatalf("FileName(%s) = %s, want %s", kind, got, want)
		}
		parsed, parsedKind, err := ParseFileName(got)
		if err != nil || parsed != id || parsedKind != kind {
			t.Fatalf("ParseFileName(%s) = %#v %s %v", got, parsed, parsedKind, err)
		}
	}

	fox := Identity{Codename: "RMX1971", Recovery: recovery.KindOrangeFox, Timestamp: "20240113_103045"}
	if name, _ := FileName(fox, KindImage); name != "orange_fox_RMX1971_20240113_103045.img" {
		t.Fatalf("unexpected orange fox name %s", name)
	}
	if _, err := FileName(Identity{Codename: "x", Recovery: recovery.KindTWRP, Timestamp: "2024-01-13"}, KindImage); err == nil {
		t.Fatal("expected error for malformed timestamp")
	}
}

func TestCommitRecordsDigest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	payload := bytes.Repeat([]byte("recovery"), 4096)
	art, err := store.Commit(testIdentity(), KindImage, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sum := sha256.Sum256(payload)
	if art.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("digest mismatch: %s", art.SHA256)
	}
	if art.SizeBytes != int64(len(payload)) || !filepath.IsAbs(art.Path) {
		t.Fatalf("unexpected artifact %#v", art)
	}
	if err := store.Verify(art); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the final file, got %d entries", len(entries))
	}
}

func TestCommitNeverOverwrites(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Commit(testIdentity(), KindImage, strings.NewReader("first")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_, err = store.Commit(testIdentity(), KindImage, strings.NewReader("second"))
	var wf *WriteFailure
	if !errors.As(err, &wf) || !errors.Is(err, ErrArtifactExists) {
		t.Fatalf("expected WriteFailure wrapping ErrArtifactExists, got %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(store.Dir(), "twrp_beryllium_20240113_103045.img"))
	if string(data) != "first" {
		t.Fatalf("artifact was overwritten: %q", data)
	}
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, errors.New("disk on fire")
	}
	r.n--
	return copy(p, "partial"), nil
}

func TestCommitFailureLeavesNothing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, err = store.Commit(testIdentity(), KindZip, &failingReader{n: 2})
	var wf *WriteFailure
	if !errors.As(err, &wf) {
		t.Fatalf("expected WriteFailure, got %v", err)
	}
	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 0 {
		t.Fatalf("partial write is visible: %v", entries)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	art, err := store.Commit(testIdentity(), KindLog, strings.NewReader("log line\n"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := os.WriteFile(art.Path, []byte("tampered\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := store.Verify(art); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestListOrdersByKind(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	id := testIdentity()
	for _, kind := range []Kind{KindLog, KindZip, KindImage} {
		if _, err := store.Commit(id, kind, strings.NewReader(string(kind))); err != nil {
			t.Fatalf("Commit %s: %v", kind, err)
		}
	}
	other := id
	other.Timestamp = "20240113_103046"
	if _, err := store.Commit(other, KindImage, strings.NewReader("other")); err != nil {
		t.Fatalf("Commit other: %v", err)
	}
	list, err := store.List(id)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].Kind != KindImage || list[1].Kind != KindZip || list[2].Kind != KindLog {
		t.Fatalf("unexpected list %#v", list)
	}
}

func TestTimestampAllocatorDistinct(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	alloc := NewTimestampAllocator(store)
	now := time.Date(2024, 1, 13, 10, 30, 45, 0, time.Local)

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := alloc.Reserve("beryllium", recovery.KindTWRP, now)
			mu.Lock()
			seen[ts] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 8 {
		t.Fatalf("expected 8 distinct timestamps, got %d", len(seen))
	}

	if got := alloc.Reserve("sweet", recovery.KindTWRP, now); got != "20240113_103053" {
		t.Fatalf("other device should get the next free second, got %s", got)
	}
}

func TestTimestampAllocatorSkipsNamesOnDisk(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	alloc := NewTimestampAllocator(store)
	now := time.Date(2024, 1, 13, 10, 30, 45, 0, time.Local)

	if _, err := store.Commit(Identity{Codename: "lmi", Recovery: recovery.KindTWRP, Timestamp: "20240113_103045"}, KindImage, strings.NewReader("x")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := store.CommitFile(ReportFileName("20240113_103046"), strings.NewReader("{}")); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}
	if got := alloc.Reserve("lmi", recovery.KindTWRP, now); got != "20240113_103047" {
		t.Fatalf("timestamps on disk should be skipped, got %s", got)
	}
	if got := FormatTimestamp(alloc.ReserveReport(now)); got != "20240113_103048" {
		t.Fatalf("report time should follow the last reservation, got %s", got)
	}
}

func TestStoreRemove(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	art, err := store.Commit(testIdentity(), KindImage, strings.NewReader("image"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := store.Remove(art); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if store.Exists(filepath.Base(art.Path)) {
		t.Fatalf("artifact still present after Remove")
	}
	if err := store.Remove(Artifact{Path: filepath.Join(t.TempDir(), "x.img")}); err == nil {
		t.Fatalf("removing a file outside the store should fail")
	}
}

func TestWriteFlashableZip(t *testing.T) {
	var buf bytes.Buffer
	image := []byte("ANDROID!fake-recovery-image")
	info := PackageInfo{Codename: "beryllium", Recovery: recovery.KindTWRP, Version: "12.1", Timestamp: "20240113_103045"}
	if err := WriteFlashableZip(&buf, bytes.NewReader(image), info); err != nil {
		t.Fatalf("WriteFlashableZip: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}
	for _, name := range []string{zipImageEntry, zipBinaryEntry, zipScriptEntry, zipManifestName} {
		if files[name] == nil {
			t.Fatalf("zip is missing %s", name)
		}
	}
	rc, err := files[zipImageEntry].Open()
	if err != nil {
		t.Fatalf("open image entry: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, image) {
		t.Fatalf("image entry corrupted")
	}
}
