// Package sources keeps recovery project, device and kernel working copies
// in sync and records the coordinates used in roomservice fragments.
package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/httprunner/RecoveryAgent/pkg/device"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

// Role names a tree within a SourceSet.
type Role string

const (
	RoleRecovery Role = "recovery"
	RoleDevice   Role = "device"
	RoleCustom   Role = "custom"
	RoleKernel   Role = "kernel"
)

// Action is what Ensure did to a tree.
type Action string

const (
	ActionCloned   Action = "cloned"
	ActionRecloned Action = "recloned"
	ActionUpdated  Action = "updated"
	ActionUpToDate Action = "up_to_date"
)

// Tree is one synchronized working copy.
type Tree struct {
	Role     Role   `json:"role"`
	URL      string `json:"url"`
	Ref      string `json:"ref"`
	Revision string `json:"revision"`
	Path     string `json:"path"`
	Action   Action `json:"action"`
}

// SourceSet is the result of Ensure. Kernel is nil when the device has no
// separate kernel tree.
type SourceSet struct {
	Recovery *Tree `json:"recovery"`
	Device   *Tree `json:"device"`
	Kernel   *Tree `json:"kernel,omitempty"`
	// Roomservice is the fragment path; RoomserviceChanged tells whether
	// this call rewrote it.
	Roomservice        string `json:"roomservice"`
	RoomserviceChanged bool   `json:"roomservice_changed"`
}

// Trees lists the non-nil trees in recovery, device, kernel order.
func (s SourceSet) Trees() []*Tree {
	out := make([]*Tree, 0, 3)
	for _, t := range []*Tree{s.Recovery, s.Device, s.Kernel} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Config for NewSynchronizer.
type Config struct {
	SourcesDir     string
	RoomserviceDir string
	Fetcher        Fetcher
}

// Synchronizer is safe for concurrent use. Calls for the same codename are
// serialized; calls touching the same working tree share one fetch.
type Synchronizer struct {
	sourcesDir     string
	roomserviceDir string
	fetcher        Fetcher

	trees   singleflight.Group
	devices keyedMutex
}

func NewSynchronizer(cfg Config) (*Synchronizer, error) {
	if cfg.SourcesDir == "" || cfg.RoomserviceDir == "" {
		return nil, errors.New("sources and roomservice dirs are required")
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewGitFetcher()
	}
	return &Synchronizer{
		sourcesDir:     cfg.SourcesDir,
		roomserviceDir: cfg.RoomserviceDir,
		fetcher:        cfg.Fetcher,
	}, nil
}

// RoomserviceDir is where fragments are written.
func (s *Synchronizer) RoomserviceDir() string { return s.roomserviceDir }

type ensureOptions struct {
	version string
}

// EnsureOption customizes Ensure.
type EnsureOption func(*ensureOptions)

// WithRecoveryVersion selects the recovery branch version (default per kind).
func WithRecoveryVersion(version string) EnsureOption {
	return func(o *ensureOptions) { o.version = version }
}

// Ensure brings every tree of rec for kind up to date and refreshes the
// device's roomservice fragment.
func (s *Synchronizer) Ensure(ctx context.Context, rec device.Record, kind recovery.Kind, opts ...EnsureOption) (SourceSet, error) {
	var o ensureOptions
	for _, opt := range opts {
		opt(&o)
	}
	project, err := kind.ProjectSource(o.version)
	if err != nil {
		return SourceSet{}, err
	}

	unlock, err := s.devices.lock(ctx, rec.Codename)
	if err != nil {
		return SourceSet{}, errors.Wrapf(err, "wait for sync of %s", rec.Codename)
	}
	defer unlock()

	var set SourceSet
	set.Recovery, err = s.ensureTree(ctx, RoleRecovery, project, s.RecoveryPath(kind, project.Ref))
	if err != nil {
		return SourceSet{}, err
	}
	role := RoleDevice
	if rec.Custom {
		role = RoleCustom
	}
	set.Device, err = s.ensureTree(ctx, role, rec.Tree, s.DevicePath(rec.Codename))
	if err != nil {
		return SourceSet{}, err
	}
	if rec.HasKernel() {
		set.Kernel, err = s.ensureTree(ctx, RoleKernel, rec.Kernel, s.KernelPath(rec.Codename))
		if err != nil {
			return SourceSet{}, err
		}
	}

	manifest := buildManifest(rec.Codename, rec.Vendor(), set)
	data, err := encodeManifest(rec.Codename, set, manifest)
	if err != nil {
		return SourceSet{}, errors.Wrap(err, "encode roomservice")
	}
	set.RoomserviceChanged, err = writeRoomservice(s.roomserviceDir, rec.Codename, data)
	if err != nil {
		return SourceSet{}, err
	}
	set.Roomservice = filepath.Join(s.roomserviceDir, RoomserviceFileName(rec.Codename))

	log.Info().Str("device", rec.Codename).Str("kind", string(kind)).
		Str("recovery", string(set.Recovery.Action)).Str("tree", string(set.Device.Action)).
		Bool("roomservice_changed", set.RoomserviceChanged).Msg("sources ready")
	return set, nil
}

// RecoveryPath is sources/{kind}/{ref}.
func (s *Synchronizer) RecoveryPath(kind recovery.Kind, ref string) string {
	return filepath.Join(s.sourcesDir, string(kind), sanitize(ref))
}

// DevicePath is sources/device_trees/device_{codename}.
func (s *Synchronizer) DevicePath(codename string) string {
	return filepath.Join(s.sourcesDir, "device_trees", "device_"+codename)
}

// KernelPath is sources/kernels/kernel_{codename}.
func (s *Synchronizer) KernelPath(codename string) string {
	return filepath.Join(s.sourcesDir, "kernels", "kernel_"+codename)
}

// ensureTree shares one fetch among all callers of the same path. The
// fetch runs detached from any single caller, so a caller whose ctx ends
// stops waiting without failing the others.
func (s *Synchronizer) ensureTree(ctx context.Context, role Role, src device.SourceRef, path string) (*Tree, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.trees.DoChan(path, func() (interface{}, error) {
		return s.syncTree(shared, role, src, path)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		t := *res.Val.(*Tree)
		t.Role = role
		return &t, nil
	case <-ctx.Done():
		return nil, newSyncFailure(role, src.URL, src.Ref, ctx.Err())
	}
}

func (s *Synchronizer) syncTree(ctx context.Context, role Role, src device.SourceRef, path string) (*Tree, error) {
	tree := &Tree{Role: role, URL: src.URL, Ref: src.Ref, Path: path}
	fail := func(err error) (*Tree, error) {
		return nil, newSyncFailure(role, src.URL, src.Ref, err)
	}

	state, err := s.fetcher.Inspect(ctx, path)
	if err != nil {
		return fail(err)
	}

	if state.Exists && state.URL == src.URL && state.Ref == src.Ref {
		remote, err := s.fetcher.RemoteRevision(ctx, src.URL, src.Ref)
		if err != nil {
			return fail(err)
		}
		if remote == state.Revision {
			tree.Revision = state.Revision
			tree.Action = ActionUpToDate
			return tree, nil
		}
		rev, err := s.fetcher.FastForward(ctx, path, src.Ref)
		if err != nil {
			return fail(err)
		}
		tree.Revision = rev
		tree.Action = ActionUpdated
		log.Info().Str("path", path).Str("from", state.Revision).Str("to", rev).Msg("working copy fast-forwarded")
		return tree, nil
	}

	tree.Action = ActionCloned
	if state.Exists {
		log.Warn().Str("path", path).Str("have", state.URL+"@"+state.Ref).
			Str("want", src.URL+"@"+src.Ref).Msg("working copy does not match, re-cloning")
		if err := os.RemoveAll(path); err != nil {
			return fail(errors.Wrap(err, "remove mismatched working copy"))
		}
		tree.Action = ActionRecloned
	}
	rev, err := s.fetcher.Clone(ctx, src.URL, src.Ref, path)
	if err != nil {
		return fail(err)
	}
	tree.Revision = rev
	return tree, nil
}

func sanitize(ref string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(ref)
}

// keyedMutex is a per-key lock that honors context cancellation.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]chan struct{})
	}
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
