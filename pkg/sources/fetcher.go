package sources

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LocalState describes an existing working copy.
type LocalState struct {
	Exists   bool
	URL      string
	Ref      string
	Revision string
}

// Fetcher is the source-control collaborator.
type Fetcher interface {
	// Inspect returns Exists=false when dest holds no working copy.
	Inspect(ctx context.Context, dest string) (LocalState, error)
	// RemoteRevision resolves ref on the remote; ErrRefNotFound when missing.
	RemoteRevision(ctx context.Context, url, ref string) (string, error)
	// Clone fetches url@ref into dest and returns the checked out revision.
	Clone(ctx context.Context, url, ref, dest string) (string, error)
	// FastForward updates dest to the remote head of ref.
	FastForward(ctx context.Context, dest, ref string) (string, error)
}

const refConfigKey = "recoveryagent.ref"

// GitFetcher drives the git CLI.
type GitFetcher struct {
	Binary string
	// Depth > 0 makes shallow clones. Shallow copies are updated by reset
	// instead of a fast-forward merge.
	Depth int
}

func NewGitFetcher() *GitFetcher {
	return &GitFetcher{Binary: "git"}
}

type gitError struct {
	args   []string
	stderr string
	err    error
}

func (e *gitError) Error() string {
	return "git " + strings.Join(e.args, " ") + ": " + e.err.Error() + ": " + e.stderr
}

func (e *gitError) Unwrap() error { return e.err }

func (g *GitFetcher) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debug().Str("dir", dir).Strs("args", args).Msg("git")
	if err := cmd.Run(); err != nil {
		return "", &gitError{args: args, stderr: strings.TrimSpace(stderr.String()), err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *GitFetcher) Inspect(ctx context.Context, dest string) (LocalState, error) {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		if os.IsNotExist(err) {
			return LocalState{}, nil
		}
		return LocalState{}, errors.Wrap(err, "stat working copy")
	}
	state := LocalState{Exists: true}
	var err error
	if state.URL, err = g.run(ctx, dest, "config", "--get", "remote.origin.url"); err != nil {
		// a copy without origin is treated as foreign and re-cloned
		return LocalState{Exists: true}, nil
	}
	state.Ref, _ = g.run(ctx, dest, "config", "--get", refConfigKey)
	if state.Revision, err = g.run(ctx, dest, "rev-parse", "HEAD"); err != nil {
		return LocalState{Exists: true}, nil
	}
	return state, nil
}

func (g *GitFetcher) RemoteRevision(ctx context.Context, url, ref string) (string, error) {
	out, err := g.run(ctx, "", "ls-remote", url, "refs/heads/"+ref, "refs/tags/"+ref+"^{}", "refs/tags/"+ref)
	if err != nil {
		return "", err
	}
	var tag string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[1] {
		case "refs/heads/" + ref, "refs/tags/" + ref + "^{}":
			return fields[0], nil
		case "refs/tags/" + ref:
			tag = fields[0]
		}
	}
	if tag != "" {
		return tag, nil
	}
	return "", errors.Wrapf(ErrRefNotFound, "%s@%s", url, ref)
}

func (g *GitFetcher) Clone(ctx context.Context, url, ref, dest string) (string, error) {
	partial := dest + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return "", errors.Wrap(err, "remove stale partial clone")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.Wrap(err, "create sources dir")
	}
	args := []string{"clone", "--branch", ref, "--single-branch"}
	if g.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(g.Depth))
	}
	args = append(args, url, partial)
	if _, err := g.run(ctx, "", args...); err != nil {
		_ = os.RemoveAll(partial)
		return "", err
	}
	if _, err := g.run(ctx, partial, "config", refConfigKey, ref); err != nil {
		_ = os.RemoveAll(partial)
		return "", err
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.RemoveAll(partial)
		return "", errors.Wrap(err, "install clone")
	}
	return g.run(ctx, dest, "rev-parse", "HEAD")
}

func (g *GitFetcher) FastForward(ctx context.Context, dest, ref string) (string, error) {
	args := []string{"fetch", "origin", ref}
	if g.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(g.Depth))
	}
	if _, err := g.run(ctx, dest, args...); err != nil {
		return "", err
	}
	if g.Depth > 0 {
		if _, err := g.run(ctx, dest, "reset", "--hard", "FETCH_HEAD"); err != nil {
			return "", err
		}
	} else if _, err := g.run(ctx, dest, "merge", "--ff-only", "FETCH_HEAD"); err != nil {
		return "", err
	}
	return g.run(ctx, dest, "rev-parse", "HEAD")
}
