package recoveryagent

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/httprunner/RecoveryAgent/internal/observability"
	"github.com/httprunner/RecoveryAgent/internal/workspace"
	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/device"
	"github.com/httprunner/RecoveryAgent/pkg/native"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
	"github.com/httprunner/RecoveryAgent/pkg/sources"
)

// SourceSynchronizer brings the trees of one device up to date.
type SourceSynchronizer interface {
	Ensure(ctx context.Context, rec device.Record, kind recovery.Kind, opts ...sources.EnsureOption) (sources.SourceSet, error)
}

// Config controls Orchestrator behavior. Zero values get defaults in
// NewOrchestrator.
type Config struct {
	Layout       workspace.Layout
	Devices      recovery.DeviceLookup
	Synchronizer SourceSynchronizer
	Builder      native.Builder
	Store        *artifacts.Store
	Mirror       artifacts.Mirror
	Recorder     BuildRecorder

	MaxConcurrentBuilds int
	SyncRetries         int
	SyncRetryBackoff    time.Duration
	ReportRetries       int
	ReportRetryBackoff  time.Duration
	// RequiredTools are checked before a build; nil means
	// native.DefaultRequiredTools.
	RequiredTools []string
	// KeepScratch keeps builds/{prefix}/ after a job finished.
	KeepScratch bool
	// RetainJobs is how many finished jobs with a stored report stay in
	// memory. Older ones are only in the build history.
	RetainJobs  int
	BuilderHost string
	Now         func() time.Time
}

// Orchestrator accepts build configurations and drives each job through
// the stage pipeline on its own goroutine.
type Orchestrator struct {
	cfg        Config
	sem        chan struct{}
	timestamps *artifacts.TimestampAllocator
	events     *eventBroker

	mu    sync.RWMutex
	jobs  map[string]*BuildJob
	order []string

	wg      sync.WaitGroup
	closed  atomic.Bool
	closing chan struct{}
	once    sync.Once
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Layout.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	if cfg.Devices == nil {
		return nil, errors.New("device registry is required")
	}
	if err := cfg.Layout.Ensure(); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		store, err := artifacts.NewStore(cfg.Layout.Artifacts())
		if err != nil {
			return nil, err
		}
		cfg.Store = store
	}
	if cfg.Synchronizer == nil {
		syncer, err := sources.NewSynchronizer(sources.Config{
			SourcesDir:     cfg.Layout.Sources(),
			RoomserviceDir: cfg.Layout.Roomservice(),
		})
		if err != nil {
			return nil, err
		}
		cfg.Synchronizer = syncer
	}
	if cfg.Builder == nil {
		cfg.Builder = native.NewShellBuilder("")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}
	if cfg.SyncRetries < 0 {
		cfg.SyncRetries = 0
	}
	if cfg.SyncRetryBackoff <= 0 {
		cfg.SyncRetryBackoff = 10 * time.Second
	}
	if cfg.ReportRetries < 0 {
		cfg.ReportRetries = 0
	}
	if cfg.ReportRetryBackoff <= 0 {
		cfg.ReportRetryBackoff = 30 * time.Second
	}
	if cfg.RetainJobs <= 0 {
		cfg.RetainJobs = 100
	}
	if cfg.RequiredTools == nil {
		cfg.RequiredTools = native.DefaultRequiredTools
	}
	if cfg.BuilderHost == "" {
		cfg.BuilderHost = BuilderHost()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrentBuilds),
		timestamps: artifacts.NewTimestampAllocator(cfg.Store),
		events:     newEventBroker(),
		jobs:       make(map[string]*BuildJob),
		closing:    make(chan struct{}),
	}, nil
}

// Store is where artifacts and reports are committed.
func (o *Orchestrator) Store() *artifacts.Store { return o.cfg.Store }

// Layout is the workspace this orchestrator builds in.
func (o *Orchestrator) Layout() workspace.Layout { return o.cfg.Layout }

func (o *Orchestrator) now() time.Time { return o.cfg.Now() }

// Submit validates cfg, creates a Queued job and starts driving it. An
// invalid configuration fails here and creates no job. The job runs until
// it finishes, ctx is cancelled before compilation starts, or Cancel is
// called; ctx must therefore outlive the request that submitted it.
func (o *Orchestrator) Submit(ctx context.Context, cfg recovery.BuildConfig) (*BuildJob, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if err := cfg.Validate(o.cfg.Devices); err != nil {
		return nil, err
	}
	rec := cfg.Device()
	now := o.now()
	ts := o.timestamps.Reserve(rec.Codename, cfg.Kind(), now)
	job := newBuildJob(uuid.NewString(), cfg, ts, now)

	if ctx == nil {
		ctx = context.Background()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	job.setCancel(cancel)

	scratch := filepath.Join(o.cfg.Layout.Builds(), job.Identity().Prefix())
	job.logf("accepted %s build for %s (%s) as %s", cfg.Kind().DisplayName(), rec.Codename, rec.Name, ts)
	if err := job.openLog(scratch); err != nil {
		cancel()
		return nil, &WriteFailure{Path: scratch, Err: err}
	}

	o.mu.Lock()
	o.jobs[job.id] = job
	o.order = append(o.order, job.id)
	o.mu.Unlock()

	log.Info().Str("job_id", job.id).Str("device", rec.Codename).
		Str("recovery", cfg.Kind().String()).Str("timestamp", ts).Msg("build job accepted")
	o.record(job.id, "job created", func(rctx context.Context) error {
		return o.cfg.Recorder.JobCreated(rctx, job.Snapshot())
	})
	o.publishStage(job, "queued")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.runJob(jobCtx, job)
	}()
	return job, nil
}

// Run submits cfg and waits for the job to finish.
func (o *Orchestrator) Run(ctx context.Context, cfg recovery.BuildConfig) (*BuildJob, error) {
	job, err := o.Submit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	<-job.Done()
	return job, nil
}

// Cancel records a cancellation request. It is accepted only while the job
// has not started native compilation; otherwise false is returned and the
// job continues.
func (o *Orchestrator) Cancel(jobID string) (bool, error) {
	job, err := o.Job(jobID)
	if err != nil {
		return false, err
	}
	ok, why := job.requestCancel()
	if !ok {
		job.logf("cancellation ignored: %s", why)
		log.Info().Str("job_id", jobID).Str("reason", why).Msg("cancel request ignored")
		return false, nil
	}
	job.logf("cancellation requested")
	log.Info().Str("job_id", jobID).Msg("cancel request accepted")
	return true, nil
}

func (o *Orchestrator) Job(jobID string) (*BuildJob, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	return job, nil
}

// Jobs lists known jobs in submission order.
func (o *Orchestrator) Jobs() []*BuildJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*BuildJob, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.jobs[id])
	}
	return out
}

// Active lists jobs that have not finished, oldest first.
func (o *Orchestrator) Active() []*BuildJob {
	var out []*BuildJob
	for _, job := range o.Jobs() {
		if !job.Outcome().State.Terminal() {
			out = append(out, job)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Subscribe streams progress events of jobID, or of every job when jobID
// is empty. Call the returned func to stop; a job stream also ends by
// itself after the outcome event.
func (o *Orchestrator) Subscribe(jobID string) (<-chan ProgressEvent, func(), error) {
	if jobID != "" {
		if _, err := o.Job(jobID); err != nil {
			return nil, nil, err
		}
	}
	ch, cancel := o.events.subscribe(jobID)
	return ch, cancel, nil
}

// Wait blocks until every submitted job and background retry is done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close refuses new jobs, waits for running ones and ends all streams.
func (o *Orchestrator) Close() {
	o.once.Do(func() {
		o.closed.Store(true)
		close(o.closing)
	})
	o.wg.Wait()
	o.events.close()
}

type stageStep struct {
	stage Stage
	run   func(ctx context.Context, job *BuildJob, st *buildState) error
}

func (o *Orchestrator) steps() []stageStep {
	return []stageStep{
		{StageEnvironmentReady, o.prepareEnvironment},
		{StageSourcesReady, o.synchronizeSources},
		{StageTreeResolved, o.resolveTree},
		{StageCompiled, o.compile},
		{StagePackaged, o.packageImage},
		{StageChecksummed, o.checksum},
		{StageReported, o.reportBuild},
	}
}

func (o *Orchestrator) runJob(ctx context.Context, job *BuildJob) {
	rec := job.config.Device()
	logger := log.With().Str("job_id", job.id).Str("device", rec.Codename).
		Str("recovery", job.config.Kind().String()).Logger()

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		o.finalize(job, &buildState{}, Outcome{State: OutcomeCancelled})
		return
	}
	defer func() { <-o.sem }()

	ctx, span := observability.StartSpan(ctx, "recovery.build",
		attribute.String("recovery.job_id", job.id),
		attribute.String("recovery.device", rec.Codename),
		attribute.String("recovery.kind", job.config.Kind().String()),
		attribute.String("recovery.timestamp", job.timestamp),
	)
	defer span.End()

	job.start(o.now())
	logger.Info().Msg("build job started")

	st := &buildState{}
	for _, step := range o.steps() {
		if step.stage <= StageCompiled && o.cancelled(ctx, job) {
			logger.Info().Str("stage", job.Stage().String()).Msg("build job cancelled")
			o.finalize(job, st, Outcome{State: OutcomeCancelled})
			return
		}
		stageCtx := ctx
		if step.stage >= StageCompiled {
			stageCtx = context.WithoutCancel(ctx)
		}
		if err := o.runStage(stageCtx, job, st, step); err != nil {
			if errors.Is(err, errCancelRequest) || (step.stage < StageCompiled && o.cancelled(ctx, job)) {
				logger.Info().Err(err).Str("stage", step.stage.String()).Msg("build job cancelled")
				o.finalize(job, st, Outcome{State: OutcomeCancelled})
				return
			}
			span.SetStatus(codes.Error, err.Error())
			logger.Error().Err(err).Str("stage", step.stage.String()).Msg("build job failed")
			o.finalize(job, st, Outcome{State: OutcomeFailed, Stage: step.stage, Reason: err.Error()})
			return
		}
		if err := job.advance(step.stage); err != nil {
			o.finalize(job, st, Outcome{State: OutcomeFailed, Stage: step.stage, Reason: err.Error()})
			return
		}
		if !(step.stage == StageReported && st.finalLogged) {
			job.logf("stage %s reached", step.stage)
		}
		o.publishStage(job, "")
		o.record(job.id, "stage reached", func(rctx context.Context) error {
			return o.cfg.Recorder.StageReached(rctx, job.Snapshot())
		})
	}
	logger.Info().Msg("build job succeeded")
	o.finalize(job, st, Outcome{State: OutcomeSucceeded})
}

// cancelled reports the cancellation intent: an explicit request or an
// expired caller context.
func (o *Orchestrator) cancelled(ctx context.Context, job *BuildJob) bool {
	return job.cancelRequested() || ctx.Err() != nil
}

// runStage executes one transition and turns panics into failures.
func (o *Orchestrator) runStage(ctx context.Context, job *BuildJob, st *buildState, step stageStep) (err error) {
	ctx, span := observability.StartSpan(ctx, "recovery.stage."+step.stage.String(),
		attribute.String("recovery.job_id", job.id))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.id).Str("stage", step.stage.String()).
				Interface("panic", r).Bytes("stack", debug.Stack()).Msg("stage panicked")
			err = errors.Errorf("panic in stage %s: %v", step.stage, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	start := time.Now()
	err = step.run(ctx, job, st)
	log.Debug().Str("job_id", job.id).Str("stage", step.stage.String()).
		Dur("elapsed", time.Since(start)).Err(err).Msg("stage finished")
	return err
}

// finalize settles the outcome, commits the log, writes the report when
// the pipeline did not already and releases subscribers.
func (o *Orchestrator) finalize(job *BuildJob, st *buildState, outcome Outcome) {
	st.cleanupStaged()
	switch outcome.State {
	case OutcomeFailed:
		job.logf("build failed at %s: %s", outcome.Stage, outcome.Reason)
	case OutcomeCancelled:
		job.logf("build cancelled at %s", job.Stage())
	default:
		if !st.finalLogged {
			job.logf("build succeeded")
		}
	}
	if !st.finishedAt.IsZero() {
		job.finish(outcome, st.finishedAt)
	} else {
		job.finish(outcome, o.now())
	}

	if !job.hasArtifact(artifacts.KindLog) {
		if err := o.commitLog(job); err != nil {
			log.Error().Err(err).Str("job_id", job.id).Msg("commit build log failed")
		}
	}
	if !st.reported {
		o.saveReport(job)
	}

	o.record(job.id, "job finished", func(rctx context.Context) error {
		return o.cfg.Recorder.JobFinished(rctx, job.Snapshot())
	})
	o.publishOutcome(job)
	o.cleanupScratch(job)
	o.prune()
	close(job.done)
}

// prune forgets the oldest finished jobs whose report is stored once more
// than RetainJobs of them are held, together with their event history.
func (o *Orchestrator) prune() {
	o.mu.Lock()
	var archived []string
	for _, id := range o.order {
		if o.jobs[id].archivable() {
			archived = append(archived, id)
		}
	}
	excess := len(archived) - o.cfg.RetainJobs
	if excess <= 0 {
		o.mu.Unlock()
		return
	}
	evict := archived[:excess]
	drop := make(map[string]bool, excess)
	for _, id := range evict {
		drop[id] = true
		delete(o.jobs, id)
	}
	order := make([]string, 0, len(o.order)-excess)
	for _, id := range o.order {
		if !drop[id] {
			order = append(order, id)
		}
	}
	o.order = order
	o.mu.Unlock()

	o.events.forget(evict...)
	log.Debug().Strs("job_ids", evict).Msg("finished jobs evicted")
}

func (o *Orchestrator) cleanupScratch(job *BuildJob) {
	if _, err := job.closeLog(); err != nil {
		log.Warn().Err(err).Str("job_id", job.id).Msg("close job log failed")
	}
	if o.cfg.KeepScratch {
		return
	}
	job.mu.Lock()
	dir := job.scratchDir
	job.mu.Unlock()
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("job_id", job.id).Str("dir", dir).Msg("remove scratch dir failed")
	}
}

func (o *Orchestrator) publishStage(job *BuildJob, msg string) {
	stage := job.Stage()
	rec := job.config.Device()
	o.events.publish(ProgressEvent{
		Type:      EventStage,
		JobID:     job.id,
		Device:    rec.Codename,
		Recovery:  job.config.Kind().String(),
		Stage:     stage,
		StageName: stage.String(),
		Percent:   stage.Percent(),
		Outcome:   job.Outcome().State,
		Message:   msg,
		Time:      o.now(),
	})
}

func (o *Orchestrator) publishOutcome(job *BuildJob) {
	stage := job.Stage()
	outcome := job.Outcome()
	rec := job.config.Device()
	o.events.publish(ProgressEvent{
		Type:      EventOutcome,
		JobID:     job.id,
		Device:    rec.Codename,
		Recovery:  job.config.Kind().String(),
		Stage:     stage,
		StageName: stage.String(),
		Percent:   stage.Percent(),
		Outcome:   outcome.State,
		Message:   outcome.Reason,
		Time:      o.now(),
	})
}

// record runs a recorder callback detached from the job context. Failures
// are logged only.
func (o *Orchestrator) record(jobID, what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Str("callback", what).Msg("build recorder failed")
	}
}
