package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/httprunner/RecoveryAgent/pkg/device"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

// stubFetcher keeps working copies in memory and creates directories on
// clone so callers can inspect the filesystem.
type stubFetcher struct {
	mu       sync.Mutex
	copies   map[string]LocalState
	remote   map[string]string
	fail     map[string]error
	clones   atomic.Int32
	forwards atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	cloned   map[string]int

	// entered receives the url of every clone; gate holds clones until it
	// is closed or the clone's ctx ends.
	entered chan string
	gate    chan struct{}
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{copies: map[string]LocalState{}, remote: map[string]string{}, fail: map[string]error{}, cloned: map[string]int{}}
}

func (f *stubFetcher) setRemote(url, ref, rev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[url+"@"+ref] = rev
}

func (f *stubFetcher) Inspect(ctx context.Context, dest string) (LocalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copies[dest], nil
}

func (f *stubFetcher) RemoteRevision(ctx context.Context, url, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return "", err
	}
	rev, ok := f.remote[url+"@"+ref]
	if !ok {
		return "", ErrRefNotFound
	}
	return rev, nil
}

func (f *stubFetcher) Clone(ctx context.Context, url, ref, dest string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.entered != nil {
		f.entered <- url
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	rev, err := f.RemoteRevision(ctx, url, ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	f.clones.Add(1)
	f.mu.Lock()
	f.cloned[url]++
	f.copies[dest] = LocalState{Exists: true, URL: url, Ref: ref, Revision: rev}
	f.mu.Unlock()
	return rev, nil
}

func (f *stubFetcher) FastForward(ctx context.Context, dest, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.copies[dest]
	rev := f.remote[st.URL+"@"+ref]
	st.Revision = rev
	f.copies[dest] = st
	f.forwards.Add(1)
	return rev, nil
}

const twrpManifest = "https://github.com/minimal-manifest-twrp/platform_manifest_twrp_aosp.git"

func testRecord() device.Record {
	return device.Record{
		Codename:     "beryllium",
		Manufacturer: "Xiaomi",
		Tree:         device.SourceRef{URL: "https://github.com/TWRP-Team/device_xiaomi_beryllium", Ref: "android-12.1"},
		Kernel:       device.SourceRef{URL: "git@github.com:kernels/kernel_xiaomi_sdm845.git", Ref: "main"},
	}
}

func newTestSync(t *testing.T, f Fetcher) (*Synchronizer, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewSynchronizer(Config{
		SourcesDir:     filepath.Join(root, "sources"),
		RoomserviceDir: filepath.Join(root, "roomservice"),
		Fetcher:        f,
	})
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	return s, root
}

func sunfishRecord() device.Record {
	return device.Record{
		Codename:     "sunfish",
		Manufacturer: "Google",
		Tree:         device.SourceRef{URL: "https://github.com/TWRP-Team/device_google_sunfish", Ref: "android-12.1"},
	}
}

func seedRemotes(f *stubFetcher) {
	rec := testRecord()
	f.setRemote(twrpManifest, "twrp-12.1", "r1")
	f.setRemote(rec.Tree.URL, rec.Tree.Ref, "d1")
	f.setRemote(rec.Kernel.URL, rec.Kernel.Ref, "k1")
	other := sunfishRecord()
	f.setRemote(other.Tree.URL, other.Tree.Ref, "s1")
}

func (f *stubFetcher) cloneCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cloned[url]
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := newStubFetcher()
	seedRemotes(f)
	s, _ := newTestSync(t, f)
	ctx := context.Background()

	first, err := s.Ensure(ctx, testRecord(), recovery.KindTWRP)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(first.Trees()) != 3 || first.Device.Action != ActionCloned || !first.RoomserviceChanged {
		t.Fatalf("unexpected first set %#v", first)
	}
	second, err := s.Ensure(ctx, testRecord(), recovery.KindTWRP)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, tree := range second.Trees() {
		if tree.Action != ActionUpToDate {
			t.Fatalf("tree %s action %s, want up to date", tree.Role, tree.Action)
		}
	}
	if second.RoomserviceChanged {
		t.Fatal("roomservice rewritten without coordinate change")
	}
	if f.clones.Load() != 3 || f.forwards.Load() != 0 {
		t.Fatalf("clones=%d forwards=%d", f.clones.Load(), f.forwards.Load())
	}
	if first.Device.Revision != second.Device.Revision {
		t.Fatal("resolved revisions differ")
	}
}

func TestEnsureFastForwardsAndRewritesRoomservice(t *testing.T) {
	f := newStubFetcher()
	seedRemotes(f)
	s, _ := newTestSync(t, f)
	ctx := context.Background()
	rec := testRecord()

	if _, err := s.Ensure(ctx, rec, recovery.KindTWRP); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	f.setRemote(rec.Tree.URL, rec.Tree.Ref, "d2")
	set, err := s.Ensure(ctx, rec, recovery.KindTWRP)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if set.Device.Action != ActionUpdated || set.Device.Revision != "d2" || !set.RoomserviceChanged {
		t.Fatalf("unexpected set %#v", set.Device)
	}

	m, err := LoadRoomservice(s.RoomserviceDir(), "beryllium")
	if err != nil {
		t.Fatalf("LoadRoomservice: %v", err)
	}
	if len(m.Projects) != 2 {
		t.Fatalf("expected device and kernel projects, got %#v", m.Projects)
	}
	dev := m.Projects[0]
	if dev.Path != "device/xiaomi/beryllium" || dev.Revision != "d2" || dev.Upstream != "android-12.1" {
		t.Fatalf("unexpected device project %#v", dev)
	}
	if got := m.Locator(dev); got != rec.Tree.URL {
		t.Fatalf("locator %s", got)
	}
	if got := m.Locator(m.Projects[1]); got != rec.Kernel.URL {
		t.Fatalf("kernel locator %s", got)
	}
}

func TestEnsureReclonesMismatchedCopy(t *testing.T) {
	f := newStubFetcher()
	seedRemotes(f)
	s, _ := newTestSync(t, f)
	rec := testRecord()
	path := s.DevicePath(rec.Codename)
	f.copies[path] = LocalState{Exists: true, URL: "https://example.com/other.git", Ref: "old", Revision: "x"}
	if err := os.MkdirAll(filepath.Join(path, "stale"), 0o755); err != nil {
		t.Fatal(err)
	}

	set, err := s.Ensure(context.Background(), rec, recovery.KindTWRP)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if set.Device.Action != ActionRecloned || set.Device.Revision != "d1" {
		t.Fatalf("unexpected device tree %#v", set.Device)
	}
	if _, err := os.Stat(filepath.Join(path, "stale")); !os.IsNotExist(err) {
		t.Fatal("mismatched working copy was not removed")
	}
}

func TestEnsureReportsSyncFailure(t *testing.T) {
	f := newStubFetcher()
	seedRemotes(f)
	rec := testRecord()
	rec.Tree.Ref = "android-99"
	s, _ := newTestSync(t, f)

	_, err := s.Ensure(context.Background(), rec, recovery.KindTWRP)
	var sf *SyncFailure
	if !errors.As(err, &sf) {
		t.Fatalf("expected SyncFailure, got %v", err)
	}
	if sf.Cause != CauseRefNotFound || sf.Tree != RoleDevice || sf.Retryable() {
		t.Fatalf("unexpected failure %#v", sf)
	}

	f.fail[twrpManifest] = errors.New("fatal: unable to access: Could not resolve host: github.com")
	_, err = s.Ensure(context.Background(), testRecord(), recovery.KindTWRP)
	if !errors.As(err, &sf) || sf.Cause != CauseTransport || !sf.Retryable() {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestEnsureSerializesSameDevice(t *testing.T) {
	f := newStubFetcher()
	f.delay = 20 * time.Millisecond
	seedRemotes(f)
	s, _ := newTestSync(t, f)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Ensure(context.Background(), testRecord(), recovery.KindTWRP)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	if f.maxSeen.Load() != 1 {
		t.Fatalf("same device fetched concurrently: %d", f.maxSeen.Load())
	}
	if f.clones.Load() != 3 {
		t.Fatalf("expected a single clone per tree, got %d", f.clones.Load())
	}
}

func TestEnsureSharedRecoveryTreeOutlivesCancelledCaller(t *testing.T) {
	f := newStubFetcher()
	seedRemotes(f)
	f.entered = make(chan string, 16)
	f.gate = make(chan struct{})
	s, _ := newTestSync(t, f)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := s.Ensure(ctxA, testRecord(), recovery.KindTWRP)
		errA <- err
	}()
	if url := <-f.entered; url != twrpManifest {
		t.Fatalf("first clone = %s, want the recovery manifest", url)
	}

	type result struct {
		set SourceSet
		err error
	}
	resB := make(chan result, 1)
	go func() {
		set, err := s.Ensure(context.Background(), sunfishRecord(), recovery.KindTWRP)
		resB <- result{set, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}
	close(f.gate)

	select {
	case res := <-resB:
		if res.err != nil {
			t.Fatalf("other device failed: %v", res.err)
		}
		if res.set.Recovery == nil || res.set.Recovery.Revision != "r1" || res.set.Device.Revision != "s1" {
			t.Fatalf("unexpected source set %+v", res.set)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("other device did not finish")
	}
	if got := f.cloneCount(twrpManifest); got != 1 {
		t.Fatalf("recovery tree cloned %d times, want 1", got)
	}
}

func TestEnsureDistinctDevicesShareRecoveryAndRunInParallel(t *testing.T) {
	f := newStubFetcher()
	f.delay = 50 * time.Millisecond
	seedRemotes(f)
	s, _ := newTestSync(t, f)

	records := []device.Record{testRecord(), sunfishRecord()}
	sets := make([]SourceSet, len(records))
	errs := make([]error, len(records))
	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(i int, rec device.Record) {
			defer wg.Done()
			sets[i], errs[i] = s.Ensure(context.Background(), rec, recovery.KindTWRP)
		}(i, rec)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Ensure(%s): %v", records[i].Codename, err)
		}
	}
	if sets[0].Recovery.Path != sets[1].Recovery.Path {
		t.Fatalf("recovery trees differ: %s vs %s", sets[0].Recovery.Path, sets[1].Recovery.Path)
	}
	if sets[0].Device.Path == sets[1].Device.Path {
		t.Fatalf("device trees share %s", sets[0].Device.Path)
	}
	if got := f.cloneCount(twrpManifest); got != 1 {
		t.Fatalf("recovery tree cloned %d times, want 1", got)
	}
	if f.maxSeen.Load() < 2 {
		t.Fatalf("distinct devices never fetched concurrently")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want Cause
	}{
		{"fatal: write error: No space left on device", CauseDiskFull},
		{"warning: Could not find remote branch foo to clone.", CauseRefNotFound},
		{"fatal: Remote branch android-99 not found in upstream origin", CauseRefNotFound},
		{"fatal: couldn't find remote ref refs/heads/x", CauseRefNotFound},
		{"ssh: connect to host github.com port 22: Connection timed out", CauseTransport},
	}
	for _, tc := range cases {
		if got := classify(errors.New(tc.msg)); got != tc.want {
			t.Fatalf("classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
	if !strings.Contains(newSyncFailure(RoleKernel, "u", "r", ErrRefNotFound).Error(), "kernel") {
		t.Fatal("failure message should name the tree")
	}
}
