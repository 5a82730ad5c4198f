package recoveryagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/native"
	"github.com/httprunner/RecoveryAgent/pkg/sources"
)

// buildState carries what one stage hands to the next.
type buildState struct {
	env       map[string]string
	sources   sources.SourceSet
	product   string
	target    string
	outDir    string
	image     string
	imageSHA  string
	imageSize int64
	zip       string

	reported    bool
	finalLogged bool
	finishedAt  time.Time
}

// cleanupStaged removes a packaged zip that never made it into the store.
func (st *buildState) cleanupStaged() {
	if st.zip == "" {
		return
	}
	if err := os.Remove(st.zip); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", st.zip).Msg("remove staged zip failed")
	}
	st.zip = ""
}

func (j *BuildJob) scratch() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scratchDir
}

// prepareEnvironment checks host tools and writes the reusable environment
// script. Re-running over a previous environment is harmless.
func (o *Orchestrator) prepareEnvironment(ctx context.Context, job *BuildJob, st *buildState) error {
	if err := native.CheckTools(o.cfg.RequiredTools); err != nil {
		return err
	}
	rec := job.config.Device()
	kind := job.config.Kind()

	env := native.BaseEnv(rec.Arch)
	for k, v := range job.config.Options().Env(kind) {
		env[k] = v
	}
	env["TARGET_DEVICE"] = rec.Codename

	script := filepath.Join(o.cfg.Layout.Builds(), fmt.Sprintf("build_env_%s_%s.sh", kind, rec.Codename))
	changed, err := native.WriteEnvScript(script, env)
	if err != nil {
		return &WriteFailure{Path: script, Err: err}
	}
	if changed {
		job.logf("wrote build environment %s", script)
	} else {
		job.logf("build environment %s is current", script)
	}
	st.env = env
	st.outDir = filepath.Join(job.scratch(), "out")
	return nil
}

// synchronizeSources retries transport failures with a fixed backoff. A
// missing ref or a full disk fails at once.
func (o *Orchestrator) synchronizeSources(ctx context.Context, job *BuildJob, st *buildState) error {
	rec := job.config.Device()
	kind := job.config.Kind()
	attempts := o.cfg.SyncRetries + 1

	for attempt := 1; ; attempt++ {
		set, err := o.cfg.Synchronizer.Ensure(ctx, rec, kind, sources.WithRecoveryVersion(job.config.Options().Version))
		if err == nil {
			if set.Recovery == nil || set.Device == nil {
				return errors.New("source sync returned no recovery or device tree")
			}
			for _, tree := range set.Trees() {
				job.logf("%s tree %s@%s %s at %s", tree.Role, tree.URL, tree.Ref, tree.Action, shortRevision(tree.Revision))
			}
			if set.RoomserviceChanged {
				job.logf("roomservice %s updated", set.Roomservice)
			}
			st.sources = set
			job.setSources(set)
			return nil
		}

		var failure *SyncFailure
		if !errors.As(err, &failure) || !failure.Retryable() || attempt >= attempts {
			return err
		}
		job.logf("source sync attempt %d/%d failed: %v", attempt, attempts, err)
		log.Warn().Err(err).Str("job_id", job.id).Int("attempt", attempt).
			Dur("backoff", o.cfg.SyncRetryBackoff).Msg("source sync failed, retrying")
		select {
		case <-ctx.Done():
			return errors.Wrap(errCancelRequest, "source sync interrupted")
		case <-time.After(o.cfg.SyncRetryBackoff):
		}
	}
}

// resolveTree picks the lunch product and links the device and kernel
// trees into the recovery source tree.
func (o *Orchestrator) resolveTree(ctx context.Context, job *BuildJob, st *buildState) error {
	rec := job.config.Device()
	kind := job.config.Kind()

	product, err := findProduct(st.sources.Device.Path, kind.Products(rec.Codename))
	if err != nil {
		return errors.Wrapf(ErrNotBuildable, "%s with %s: %v", rec.Codename, kind.DisplayName(), err)
	}

	root := st.sources.Recovery.Path
	links := map[string]string{
		filepath.Join(root, "device", rec.Vendor(), rec.Codename): st.sources.Device.Path,
	}
	if st.sources.Kernel != nil {
		links[filepath.Join(root, "kernel", rec.Vendor(), rec.Codename)] = st.sources.Kernel.Path
	}
	if st.sources.Roomservice != "" {
		if info, err := os.Stat(filepath.Join(root, ".repo")); err == nil && info.IsDir() {
			links[filepath.Join(root, ".repo", "local_manifests", filepath.Base(st.sources.Roomservice))] = st.sources.Roomservice
		}
	}
	for link, target := range links {
		if err := linkTree(link, target); err != nil {
			return err
		}
	}

	st.product = product
	st.target = product + "-eng"
	job.logf("resolved lunch target %s", st.target)
	return nil
}

// findProduct returns the first candidate the device tree declares, either
// as {product}.mk or inside AndroidProducts.mk.
func findProduct(deviceDir string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", errors.New("recovery kind has no product names")
	}
	declared, err := os.ReadFile(filepath.Join(deviceDir, "AndroidProducts.mk"))
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrap(err, "read AndroidProducts.mk")
	}
	for _, product := range candidates {
		if _, err := os.Stat(filepath.Join(deviceDir, product+".mk")); err == nil {
			return product, nil
		}
		if strings.Contains(string(declared), product+".mk") {
			return product, nil
		}
	}
	return "", errors.Errorf("device tree declares none of %s", strings.Join(candidates, ", "))
}

// linkTree makes link a symlink to target. A link already pointing there is
// kept; a stale link is replaced; a real directory is left alone.
func linkTree(link, target string) error {
	if current, err := os.Readlink(link); err == nil {
		if current == target {
			return nil
		}
		if err := os.Remove(link); err != nil {
			return errors.Wrapf(err, "remove stale link %s", link)
		}
	} else if info, lerr := os.Lstat(link); lerr == nil {
		if info.IsDir() {
			return nil
		}
		return errors.Errorf("%s exists and is not a directory", link)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(link))
	}
	if err := os.Symlink(target, link); err != nil {
		// another job for the same device may have won the race
		if current, rerr := os.Readlink(link); rerr == nil && current == target {
			return nil
		}
		return errors.Wrapf(err, "link %s", link)
	}
	return nil
}

// compile runs the native build. From here on cancellation is refused.
func (o *Orchestrator) compile(ctx context.Context, job *BuildJob, st *buildState) error {
	if !job.beginCompile() {
		return errCancelRequest
	}
	rec := job.config.Device()
	if err := os.MkdirAll(st.outDir, 0o755); err != nil {
		return errors.Wrap(err, "create build output dir")
	}

	out := &lineWriter{job: job}
	job.logf("native build %s started", st.target)
	res, err := o.cfg.Builder.Build(ctx, native.Invocation{
		Target:  st.target,
		Product: st.product,
		Device:  rec.Codename,
		Env:     st.env,
		WorkDir: st.sources.Recovery.Path,
		OutDir:  st.outDir,
		Output:  out,
	})
	out.Flush()
	if err != nil {
		return errors.Wrapf(err, "native build %s", st.target)
	}
	if res.ExitCode != 0 {
		return &CompilationFailure{Target: st.target, ExitCode: res.ExitCode, Tail: res.Tail}
	}
	image := pickImage(res.Produced)
	if image == "" {
		return ErrNoImage
	}
	st.image = image
	job.logf("native build produced %s", filepath.Base(image))
	return nil
}

// pickImage prefers recovery.img, then any *recovery*.img.
func pickImage(produced []string) string {
	for _, p := range produced {
		if filepath.Base(p) == "recovery.img" {
			return p
		}
	}
	for _, p := range produced {
		if strings.Contains(filepath.Base(p), "recovery") {
			return p
		}
	}
	return ""
}

// packageImage digests the image and, when requested, stages the
// flashable zip next to it.
func (o *Orchestrator) packageImage(ctx context.Context, job *BuildJob, st *buildState) error {
	sum, size, err := artifacts.Digest(st.image)
	if err != nil {
		return err
	}
	st.imageSHA, st.imageSize = sum, size

	opts := job.config.Options()
	if !opts.FlashableZip {
		job.logf("flashable zip disabled")
		return nil
	}
	rec := job.config.Device()
	path := filepath.Join(job.scratch(), job.Identity().Prefix()+".zip.partial")
	f, err := os.Create(path)
	if err != nil {
		return &WriteFailure{Path: path, Err: err}
	}
	img, err := os.Open(st.image)
	if err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrap(err, "open recovery image")
	}
	defer img.Close()

	werr := artifacts.WriteFlashableZip(f, img, artifacts.PackageInfo{
		Codename:     rec.Codename,
		Manufacturer: rec.Manufacturer,
		Recovery:     job.config.Kind(),
		Version:      versionOf(job),
		Maintainer:   opts.Maintainer,
		Timestamp:    job.timestamp,
		ImageSHA256:  sum,
		ImageSize:    size,
		BuiltAt:      o.now(),
	})
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return &WriteFailure{Path: path, Err: werr}
	}
	st.zip = path
	job.logf("packaged flashable zip")
	return nil
}

func versionOf(job *BuildJob) string {
	if v := job.config.Options().Version; v != "" {
		return v
	}
	return job.config.Kind().DefaultVersion()
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// checksum commits the image and the zip under the job identity. The
// store digests while writing, so the recorded sha256 is of the bytes on
// disk. When any commit fails the ones already made are removed again, so
// a failed build leaves no image behind.
func (o *Orchestrator) checksum(ctx context.Context, job *BuildJob, st *buildState) (err error) {
	var committed []artifacts.Artifact
	defer func() {
		if err != nil {
			o.discard(job, committed)
		}
	}()

	img, err := o.commitPath(job, artifacts.KindImage, st.image)
	if err != nil {
		return err
	}
	committed = append(committed, img)
	if img.SHA256 != st.imageSHA {
		return errors.Wrapf(artifacts.ErrDigestMismatch, "image changed while committing %s", img.Path)
	}

	if st.zip != "" {
		zip, err := o.commitPath(job, artifacts.KindZip, st.zip)
		if err != nil {
			return err
		}
		committed = append(committed, zip)
		st.cleanupStaged()
	}
	job.addArtifacts(committed...)
	for _, a := range committed {
		job.logf("committed %s %s sha256=%s", a.Kind, filepath.Base(a.Path), a.SHA256)
	}
	o.record(job.id, "artifacts committed", func(rctx context.Context) error {
		return o.cfg.Recorder.ArtifactsCommitted(rctx, job.id, committed)
	})
	o.mirror(ctx, job, committed)
	return nil
}

// discard removes artifacts committed by a stage that then failed.
func (o *Orchestrator) discard(job *BuildJob, arts []artifacts.Artifact) {
	for _, a := range arts {
		if err := o.cfg.Store.Remove(a); err != nil {
			log.Error().Err(err).Str("job_id", job.id).Str("artifact", a.Path).Msg("remove partial artifact failed")
			continue
		}
		job.logf("removed %s after failed commit", filepath.Base(a.Path))
	}
}

func (o *Orchestrator) commitPath(job *BuildJob, kind artifacts.Kind, path string) (artifacts.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return artifacts.Artifact{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return o.cfg.Store.Commit(job.Identity(), kind, f)
}

// mirror uploads committed artifacts. Upload failures are logged only.
func (o *Orchestrator) mirror(ctx context.Context, job *BuildJob, arts []artifacts.Artifact) {
	if o.cfg.Mirror == nil {
		return
	}
	for _, a := range arts {
		if err := o.cfg.Mirror.Upload(ctx, a); err != nil {
			job.logf("mirror upload of %s failed: %v", filepath.Base(a.Path), err)
			log.Warn().Err(err).Str("job_id", job.id).Str("artifact", a.Path).Msg("mirror upload failed")
			continue
		}
		job.logf("mirrored %s", filepath.Base(a.Path))
	}
}

// reportBuild commits the log and writes the single-job report. A report
// that cannot be written leaves the build succeeded with an incomplete
// report.
func (o *Orchestrator) reportBuild(ctx context.Context, job *BuildJob, st *buildState) error {
	st.finishedAt = o.now()
	job.logAt(StageReported, "stage %s reached", StageReported)
	job.logAt(StageReported, "build succeeded")
	st.finalLogged = true
	if err := o.commitLog(job); err != nil {
		return err
	}
	job.mu.Lock()
	job.finishedAt = st.finishedAt
	job.mu.Unlock()

	st.reported = true
	o.saveReportAs(job, OutcomeSucceeded)
	return nil
}

// commitLog stores the scratch log as the build log artifact.
func (o *Orchestrator) commitLog(job *BuildJob) error {
	path, err := job.closeLog()
	if err != nil {
		return &WriteFailure{Path: path, Err: err}
	}
	if path == "" {
		return errors.New("job has no log")
	}
	art, err := o.commitPath(job, artifacts.KindLog, path)
	if err != nil {
		return err
	}
	job.addArtifacts(art)
	o.record(job.id, "log committed", func(rctx context.Context) error {
		return o.cfg.Recorder.ArtifactsCommitted(rctx, job.id, []artifacts.Artifact{art})
	})
	o.mirror(context.Background(), job, []artifacts.Artifact{art})
	return nil
}
