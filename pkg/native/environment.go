package native

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// DefaultRequiredTools must be on PATH before a build starts.
var DefaultRequiredTools = []string{"git", "bash", "python3", "make", "zip"}

// MissingToolsError lists tools not found on PATH.
type MissingToolsError struct {
	Tools []string
}

func (e *MissingToolsError) Error() string {
	return fmt.Sprintf("required build tools not found on PATH: %v", e.Tools)
}

// CheckTools returns MissingToolsError when any of tools is not installed.
func CheckTools(tools []string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return &MissingToolsError{Tools: missing}
	}
	return nil
}

// BaseEnv is the cross compile environment for arch.
func BaseEnv(arch string) map[string]string {
	env := map[string]string{
		"ALLOW_MISSING_DEPENDENCIES": "true",
		"LC_ALL":                     "C",
		"USE_CCACHE":                 "1",
	}
	switch arch {
	case "arm":
		env["ARCH"] = "arm"
		env["CROSS_COMPILE"] = "arm-linux-androideabi-"
	case "x86_64":
		env["ARCH"] = "x86_64"
	default:
		env["ARCH"] = "arm64"
		env["CROSS_COMPILE"] = "aarch64-linux-android-"
	}
	return env
}

// WriteEnvScript writes env as an exportable script at path. An existing
// script with the same content is left untouched, so re-running is safe.
// The returned bool reports whether the file changed.
func WriteEnvScript(path string, env map[string]string) (bool, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("#!/bin/bash\n# generated by recoveryagent\n")
	for _, k := range keys {
		fmt.Fprintf(&buf, "export %s=%q\n", k, env[k])
	}

	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, buf.Bytes()) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, errors.Wrap(err, "create env script dir")
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, errors.Wrap(err, "create env script")
	}
	tmp := f.Name()
	_, werr := f.Write(buf.Bytes())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmp, 0o755)
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return false, errors.Wrap(werr, "write env script")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, errors.Wrap(err, "install env script")
	}
	return true, nil
}
