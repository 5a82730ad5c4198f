// Package workspace resolves the on-disk layout shared by every build:
// sources/ for working copies, builds/ for scratch output, artifacts/ for
// finalized files and roomservice/ for manifest fragments.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const defaultDirName = ".recoveryagent"

// Layout is a resolved workspace root.
type Layout struct {
	Root string
}

// New returns the layout rooted at root (made absolute). An empty root
// resolves to DefaultRoot.
func New(root string) (Layout, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = DefaultRoot()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, errors.Wrapf(err, "resolve workspace root %s", root)
	}
	return Layout{Root: abs}, nil
}

// DefaultRoot is $HOME/.recoveryagent, falling back to the working directory.
func DefaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, defaultDirName)
	}
	return defaultDirName
}

func (l Layout) Sources() string     { return filepath.Join(l.Root, "sources") }
func (l Layout) Builds() string      { return filepath.Join(l.Root, "builds") }
func (l Layout) Artifacts() string   { return filepath.Join(l.Root, "artifacts") }
func (l Layout) Roomservice() string { return filepath.Join(l.Root, "roomservice") }

// HistoryDB is the default sqlite build history path.
func (l Layout) HistoryDB() string { return filepath.Join(l.Root, "history.sqlite") }

// CustomDevices is the default persistence file for runtime registrations.
func (l Layout) CustomDevices() string { return filepath.Join(l.Root, "custom_devices.yaml") }

// Ensure creates every top-level directory.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Sources(), l.Builds(), l.Artifacts(), l.Roomservice()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create workspace dir %s", dir)
		}
	}
	return nil
}
