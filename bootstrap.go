package recoveryagent

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/RecoveryAgent/internal/env"
	"github.com/httprunner/RecoveryAgent/internal/observability"
	"github.com/httprunner/RecoveryAgent/internal/workspace"
	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/device"
	"github.com/httprunner/RecoveryAgent/pkg/feishu"
	"github.com/httprunner/RecoveryAgent/pkg/history"
	"github.com/httprunner/RecoveryAgent/pkg/native"
	"github.com/httprunner/RecoveryAgent/pkg/sources"
)

// BootstrapOptions override environment settings. Zero values fall back to
// the environment.
type BootstrapOptions struct {
	Workspace           string
	MaxConcurrentBuilds int
	BuildCommand        string
	SkipToolCheck       bool
	// WithoutHistory skips opening the sqlite history.
	WithoutHistory bool
	// WithoutOrchestrator is for commands that only need the registry,
	// sources or history.
	WithoutOrchestrator bool
	ServiceName         string
}

// Runtime bundles the components a command needs.
type Runtime struct {
	Layout       workspace.Layout
	Registry     *device.Registry
	Synchronizer *sources.Synchronizer
	Store        *artifacts.Store
	History      *history.Store
	Orchestrator *Orchestrator

	closers []func(context.Context) error
}

// Bootstrap wires the workspace, registry, synchronizer, store, history,
// optional artifact mirror, optional Feishu recorder and tracing from the
// environment.
func Bootstrap(ctx context.Context, opts BootstrapOptions) (rt *Runtime, err error) {
	if err := env.Ensure(); err != nil {
		log.Warn().Err(err).Msg("load .env failed")
	}
	root := firstNonEmpty(opts.Workspace, env.String(EnvWorkspace, ""), workspace.DefaultRoot())
	layout, err := workspace.New(root)
	if err != nil {
		return nil, err
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	rt = &Runtime{Layout: layout}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	service := firstNonEmpty(opts.ServiceName, "recoveryagent")
	shutdown, err := observability.InitTracingFromEnv(service)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, shutdown)

	rt.Registry, err = device.NewRegistry(device.Options{
		CatalogPath: env.String(EnvDeviceCatalog, ""),
		CustomPath:  layout.CustomDevices(),
	})
	if err != nil {
		return nil, err
	}

	fetcher := sources.NewGitFetcher()
	fetcher.Depth = env.Int(EnvGitDepth, 0)
	rt.Synchronizer, err = sources.NewSynchronizer(sources.Config{
		SourcesDir:     layout.Sources(),
		RoomserviceDir: layout.Roomservice(),
		Fetcher:        fetcher,
	})
	if err != nil {
		return nil, err
	}

	rt.Store, err = artifacts.NewStore(layout.Artifacts())
	if err != nil {
		return nil, err
	}

	if !opts.WithoutHistory {
		rt.History, err = history.Open(firstNonEmpty(env.String(EnvHistoryDB, ""), layout.HistoryDB()))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return rt.History.Close() })
	}
	if opts.WithoutOrchestrator {
		return rt, nil
	}

	host := BuilderHost()
	recorders := []BuildRecorder{}
	if rt.History != nil {
		recorders = append(recorders, NewHistoryRecorder(rt.History, host))
	}
	if bitableURL := env.String(EnvBuildBitableURL, ""); bitableURL != "" {
		client, err := feishu.NewClientFromEnv()
		if err != nil {
			return nil, errors.Wrap(err, "feishu build recorder")
		}
		rec, err := NewFeishuRecorder(client, bitableURL, host)
		if err != nil {
			return nil, errors.Wrap(err, "feishu build recorder")
		}
		recorders = append(recorders, rec)
		log.Info().Str("table", rec.ref.TableID).Msg("feishu build recorder enabled")
	}

	var mirror artifacts.Mirror
	mirrorCfg := MirrorConfigFromEnv()
	if mirrorCfg.Enabled() {
		m, err := artifacts.NewMinioMirror(mirrorCfg)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", mirrorCfg.Bucket).Msg("artifact mirror disabled")
		} else {
			mirror = m
			log.Info().Str("endpoint", mirrorCfg.Endpoint).Str("bucket", mirrorCfg.Bucket).Msg("artifact mirror enabled")
		}
	}

	requiredTools := env.List(EnvRequiredTools, native.DefaultRequiredTools)
	if opts.SkipToolCheck {
		requiredTools = []string{}
	}
	maxBuilds := opts.MaxConcurrentBuilds
	if maxBuilds <= 0 {
		maxBuilds = env.Int(EnvMaxConcurrentBuilds, 1)
	}

	rt.Orchestrator, err = NewOrchestrator(Config{
		Layout:              layout,
		Devices:             rt.Registry,
		Synchronizer:        rt.Synchronizer,
		Builder:             native.NewShellBuilder(firstNonEmpty(opts.BuildCommand, env.String(EnvBuildCommand, ""))),
		Store:               rt.Store,
		Mirror:              mirror,
		Recorder:            NewMultiRecorder(recorders...),
		MaxConcurrentBuilds: maxBuilds,
		SyncRetries:         env.Int(EnvSyncRetries, 2),
		SyncRetryBackoff:    env.Duration(EnvSyncRetryBackoff, 0),
		ReportRetries:       env.Int(EnvReportRetries, 3),
		ReportRetryBackoff:  env.Duration(EnvReportRetryBackoff, 0),
		RequiredTools:       requiredTools,
		KeepScratch:         env.Bool(EnvKeepScratch, false),
		RetainJobs:          env.Int(EnvRetainJobs, 0),
		BuilderHost:         host,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("workspace", layout.Root).Int("max_builds", maxBuilds).
		Int("recorders", len(recorders)).Msg("recovery agent ready")
	return rt, nil
}

// MirrorConfigFromEnv reads RECOVERY_MIRROR_*.
func MirrorConfigFromEnv() artifacts.MirrorConfig {
	return artifacts.MirrorConfig{
		Endpoint:  env.String(EnvMirrorEndpoint, ""),
		AccessKey: env.String(EnvMirrorAccessKey, ""),
		SecretKey: env.String(EnvMirrorSecretKey, ""),
		Region:    env.String(EnvMirrorRegion, ""),
		Bucket:    env.String(EnvMirrorBucket, ""),
		Prefix:    env.String(EnvMirrorPrefix, ""),
		UseSSL:    env.Bool(EnvMirrorUseSSL, true),
	}
}

// Close stops the orchestrator and releases resources in reverse order.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if r.Orchestrator != nil {
		r.Orchestrator.Close()
	}
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
