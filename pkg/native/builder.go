// Package native invokes the external recovery build tooling. The build
// itself is opaque: a target, an environment and a working directory go in;
// an exit status, captured output and produced files come out.
package native

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultCommand is run through bash in the recovery source tree.
const DefaultCommand = "source build/envsetup.sh && lunch {target} && mka recoveryimage"

// DefaultTailLines is how much captured output a failure reason carries.
const DefaultTailLines = 40

// Invocation describes one native build.
type Invocation struct {
	Target  string
	Product string
	Device  string
	Env     map[string]string
	WorkDir string
	OutDir  string
	// Output receives every line of stdout and stderr, in order.
	Output io.Writer
}

// Result of a finished invocation. A nonzero ExitCode is a compiler or
// linker failure, not an invocation error.
type Result struct {
	ExitCode int
	Tail     []string
	Produced []string
}

// Builder runs native builds.
type Builder interface {
	Build(ctx context.Context, inv Invocation) (Result, error)
}

// ShellBuilder runs a shell command line in the recovery source tree.
type ShellBuilder struct {
	Shell     string
	Command   string
	TailLines int
}

// NewShellBuilder uses DefaultCommand when command is empty.
func NewShellBuilder(command string) *ShellBuilder {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	return &ShellBuilder{Shell: "bash", Command: command, TailLines: DefaultTailLines}
}

// Expand substitutes {target}, {product}, {device} and {out} in the command.
func (b *ShellBuilder) Expand(inv Invocation) string {
	return strings.NewReplacer(
		"{target}", inv.Target,
		"{product}", inv.Product,
		"{device}", inv.Device,
		"{out}", inv.OutDir,
	).Replace(b.Command)
}

func (b *ShellBuilder) Build(ctx context.Context, inv Invocation) (Result, error) {
	if inv.WorkDir == "" {
		return Result{}, errors.New("native build requires a working directory")
	}
	shell := b.Shell
	if shell == "" {
		shell = "bash"
	}
	tailLines := b.TailLines
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	if inv.OutDir != "" {
		if err := os.MkdirAll(inv.OutDir, 0o755); err != nil {
			return Result{}, errors.Wrap(err, "create out dir")
		}
	}

	cmdline := b.Expand(inv)
	cmd := exec.CommandContext(ctx, shell, "-c", cmdline)
	cmd.Dir = inv.WorkDir
	cmd.Env = mergeEnv(os.Environ(), inv.Env, inv.OutDir)

	tail := newTailWriter(tailLines, inv.Output)
	cmd.Stdout = tail
	cmd.Stderr = tail

	log.Info().Str("target", inv.Target).Str("dir", inv.WorkDir).Str("command", cmdline).Msg("native build started")
	runErr := cmd.Run()
	tail.Flush()

	res := Result{Tail: tail.Lines()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 {
				res.ExitCode = -1
			}
			log.Warn().Str("target", inv.Target).Int("exit_code", res.ExitCode).Msg("native build failed")
			return res, nil
		}
		return res, errors.Wrapf(runErr, "start native build %s", inv.Target)
	}

	produced, err := ProducedImages(inv.OutDir, inv.Device)
	if err != nil {
		return res, err
	}
	res.Produced = produced
	log.Info().Str("target", inv.Target).Strs("produced", produced).Msg("native build finished")
	return res, nil
}

// ProducedImages lists the images under {out}/target/product/{device}.
func ProducedImages(outDir, device string) ([]string, error) {
	if outDir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(outDir, "target", "product", device, "*.img"))
	if err != nil {
		return nil, errors.Wrap(err, "glob produced images")
	}
	sort.Strings(matches)
	return matches, nil
}

func mergeEnv(base []string, extra map[string]string, outDir string) []string {
	merged := make(map[string]string, len(base)+len(extra)+1)
	order := make([]string, 0, len(base)+len(extra)+1)
	set := func(k, v string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set(k, extra[k])
	}
	if outDir != "" {
		set("OUT_DIR", outDir)
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}
