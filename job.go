package recoveryagent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
	"github.com/httprunner/RecoveryAgent/pkg/sources"
)

// OutcomeState is the lifecycle state of a job.
type OutcomeState string

const (
	OutcomePending   OutcomeState = "pending"
	OutcomeRunning   OutcomeState = "running"
	OutcomeSucceeded OutcomeState = "succeeded"
	OutcomeFailed    OutcomeState = "failed"
	OutcomeCancelled OutcomeState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s OutcomeState) Terminal() bool {
	return s == OutcomeSucceeded || s == OutcomeFailed || s == OutcomeCancelled
}

// Outcome of a job. Stage and Reason are set for failures only.
type Outcome struct {
	State  OutcomeState `json:"state"`
	Stage  Stage        `json:"-"`
	Reason string       `json:"reason,omitempty"`
}

func (o Outcome) String() string {
	if o.State == OutcomeFailed {
		return fmt.Sprintf("failed{%s}: %s", o.Stage, o.Reason)
	}
	return string(o.State)
}

// LogLine is one entry of a job log.
type LogLine struct {
	Time  time.Time `json:"time"`
	Stage Stage     `json:"-"`
	Text  string    `json:"text"`
}

func (l LogLine) format() string {
	return fmt.Sprintf("%s [%s] %s\n", l.Time.Format("2006-01-02T15:04:05.000Z07:00"), l.Stage, l.Text)
}

// Report status values.
const (
	ReportPending    = "pending"
	ReportComplete   = "complete"
	ReportIncomplete = "incomplete"
)

// maxRetainedLines bounds the in-memory log; the full log goes to the
// build log artifact.
const maxRetainedLines = 5000

// BuildJob is one accepted build. Only the orchestrator worker driving it
// mutates it; the stage cursor may be read from any goroutine.
type BuildJob struct {
	id        string
	config    recovery.BuildConfig
	timestamp string
	createdAt time.Time

	cursor atomic.Int32

	mu           sync.Mutex
	outcome      Outcome
	lines        []LogLine
	dropped      int
	logFile      *os.File
	logPath      string
	scratchDir   string
	startedAt    time.Time
	finishedAt   time.Time
	arts         []artifacts.Artifact
	sources      *sources.SourceSet
	compiling    bool
	cancelled    bool
	cancelFn     context.CancelFunc
	reportPath   string
	reportStatus string

	done chan struct{}
}

func newBuildJob(id string, cfg recovery.BuildConfig, timestamp string, now time.Time) *BuildJob {
	return &BuildJob{
		id:           id,
		config:       cfg,
		timestamp:    timestamp,
		createdAt:    now,
		outcome:      Outcome{State: OutcomePending},
		reportStatus: ReportPending,
		done:         make(chan struct{}),
	}
}

func (j *BuildJob) ID() string                   { return j.id }
func (j *BuildJob) Config() recovery.BuildConfig { return j.config }
func (j *BuildJob) Timestamp() string            { return j.timestamp }

// Stage is an atomic read of the stage cursor.
func (j *BuildJob) Stage() Stage { return Stage(j.cursor.Load()) }

// Done is closed once the outcome is terminal and the job is finalized.
func (j *BuildJob) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finished or ctx is done.
func (j *BuildJob) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.Outcome(), nil
	case <-ctx.Done():
		return j.Outcome(), ctx.Err()
	}
}

// Identity is shared by every artifact of the job.
func (j *BuildJob) Identity() artifacts.Identity {
	return artifacts.Identity{
		Codename:  j.config.Device().Codename,
		Recovery:  j.config.Kind(),
		Timestamp: j.timestamp,
	}
}

func (j *BuildJob) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Log returns the retained log lines in emission order.
func (j *BuildJob) Log() []LogLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]LogLine, len(j.lines))
	copy(out, j.lines)
	return out
}

// Artifacts returns the committed artifacts.
func (j *BuildJob) Artifacts() []artifacts.Artifact {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]artifacts.Artifact, len(j.arts))
	copy(out, j.arts)
	return out
}

// Sources returns the synchronized trees once SourcesReady was reached.
func (j *BuildJob) Sources() *sources.SourceSet {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sources
}

func (j *BuildJob) Report() (path, status string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reportPath, j.reportStatus
}

// archivable is true once the outcome is terminal and the report stored.
func (j *BuildJob) archivable() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome.State.Terminal() && j.reportStatus == ReportComplete
}

// JobSnapshot is a consistent copy of a job for display and recorders.
type JobSnapshot struct {
	ID           string               `json:"job_id"`
	Device       string               `json:"device"`
	Manufacturer string               `json:"manufacturer"`
	Recovery     recovery.Kind        `json:"recovery_kind"`
	Timestamp    string               `json:"timestamp"`
	Stage        string               `json:"stage"`
	Percent      int                  `json:"percent"`
	Outcome      OutcomeState         `json:"outcome"`
	FailedStage  string               `json:"failed_stage,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Options      map[string]string    `json:"options"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    time.Time            `json:"started_at,omitempty"`
	FinishedAt   time.Time            `json:"finished_at,omitempty"`
	Artifacts    []artifacts.Artifact `json:"artifacts"`
	ReportPath   string               `json:"report_path,omitempty"`
	ReportStatus string               `json:"report_status"`
}

func (j *BuildJob) Snapshot() JobSnapshot {
	stage := j.Stage()
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.config.Device()
	snap := JobSnapshot{
		ID:           j.id,
		Device:       rec.Codename,
		Manufacturer: rec.Manufacturer,
		Recovery:     j.config.Kind(),
		Timestamp:    j.timestamp,
		Stage:        stage.String(),
		Percent:      stage.Percent(),
		Outcome:      j.outcome.State,
		Reason:       j.outcome.Reason,
		Options:      j.config.Options().Map(j.config.Kind()),
		CreatedAt:    j.createdAt,
		StartedAt:    j.startedAt,
		FinishedAt:   j.finishedAt,
		Artifacts:    append([]artifacts.Artifact(nil), j.arts...),
		ReportPath:   j.reportPath,
		ReportStatus: j.reportStatus,
	}
	if j.outcome.State == OutcomeFailed {
		snap.FailedStage = j.outcome.Stage.String()
	}
	return snap
}

// logf appends a line tagged with the current stage.
func (j *BuildJob) logf(format string, args ...any) {
	j.appendLine(fmt.Sprintf(format, args...), time.Now())
}

// logAt writes a line tagged with stage instead of the current cursor.
func (j *BuildJob) logAt(stage Stage, format string, args ...any) {
	j.appendLineAt(stage, fmt.Sprintf(format, args...), time.Now())
}

func (j *BuildJob) appendLine(text string, now time.Time) {
	j.appendLineAt(j.Stage(), text, now)
}

func (j *BuildJob) appendLineAt(stage Stage, text string, now time.Time) {
	line := LogLine{Time: now, Stage: stage, Text: text}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, line)
	if len(j.lines) > maxRetainedLines {
		drop := len(j.lines) - maxRetainedLines
		j.lines = append(j.lines[:0], j.lines[drop:]...)
		j.dropped += drop
	}
	if j.logFile != nil {
		if _, err := j.logFile.WriteString(line.format()); err != nil {
			log.Warn().Err(err).Str("job_id", j.id).Msg("write job log failed")
		}
	}
}

// openLog starts the scratch log file and writes the lines emitted so far.
func (j *BuildJob) openLog(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create job scratch dir")
	}
	path := dir + string(os.PathSeparator) + "build.log"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open job log")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, line := range j.lines {
		if _, err := f.WriteString(line.format()); err != nil {
			f.Close()
			return errors.Wrap(err, "write job log")
		}
	}
	j.logFile = f
	j.logPath = path
	j.scratchDir = dir
	return nil
}

// closeLog flushes and detaches the scratch log, returning its path.
func (j *BuildJob) closeLog() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logFile == nil {
		return j.logPath, nil
	}
	f := j.logFile
	j.logFile = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return j.logPath, errors.Wrap(err, "sync job log")
	}
	return j.logPath, errors.Wrap(f.Close(), "close job log")
}

func (j *BuildJob) hasArtifact(kind artifacts.Kind) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, a := range j.arts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func (j *BuildJob) addArtifacts(arts ...artifacts.Artifact) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.arts = append(j.arts, arts...)
}

func (j *BuildJob) setSources(set sources.SourceSet) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sources = &set
}

func (j *BuildJob) setCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelFn = cancel
}

func (j *BuildJob) start(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.startedAt = now
	j.outcome = Outcome{State: OutcomeRunning}
}

func (j *BuildJob) timing() (started, finished time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt, j.finishedAt
}

// advance moves the cursor forward. Going backwards or repeating a stage
// is a programming error.
func (j *BuildJob) advance(to Stage) error {
	from := Stage(j.cursor.Load())
	if to != from+1 {
		return errors.Errorf("illegal stage transition %s -> %s", from, to)
	}
	j.cursor.Store(int32(to))
	return nil
}

// requestCancel records the cancellation intent. It is refused once the
// native build has started or the job finished.
func (j *BuildJob) requestCancel() (bool, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.outcome.State.Terminal():
		return false, "job already finished"
	case j.compiling || !j.Stage().Cancellable():
		return false, "native compilation already started"
	}
	j.cancelled = true
	if j.cancelFn != nil {
		j.cancelFn()
	}
	return true, ""
}

func (j *BuildJob) cancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// beginCompile flips the job into the non-cancellable phase unless a
// cancellation got in first.
func (j *BuildJob) beginCompile() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return false
	}
	j.compiling = true
	return true
}

func (j *BuildJob) finish(outcome Outcome, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcome = outcome
	j.finishedAt = now
	if j.startedAt.IsZero() {
		j.startedAt = now
	}
}

func (j *BuildJob) setReport(path, status string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if path != "" {
		j.reportPath = path
	}
	j.reportStatus = status
}

// lineWriter turns streamed output into job log lines.
type lineWriter struct {
	job     *BuildJob
	partial bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial.Write(p)
	for {
		data := w.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		text := string(bytes.TrimRight(data[:idx], "\r"))
		w.partial.Next(idx + 1)
		w.job.appendLine(text, time.Now())
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if w.partial.Len() > 0 {
		w.job.appendLine(w.partial.String(), time.Now())
		w.partial.Reset()
	}
}
