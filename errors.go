package recoveryagent

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
	"github.com/httprunner/RecoveryAgent/pkg/recovery"
	"github.com/httprunner/RecoveryAgent/pkg/report"
	"github.com/httprunner/RecoveryAgent/pkg/sources"
)

// Error taxonomy. Every failure a caller sees is one of these, wrapped with
// context, or a job Outcome carrying its message.
type (
	ConfigurationError = recovery.ConfigurationError
	SyncFailure        = sources.SyncFailure
	WriteFailure       = artifacts.WriteFailure
	ReportFailure      = report.ReportFailure
)

var (
	ErrJobNotFound   = errors.New("build job not found")
	ErrClosed        = errors.New("orchestrator is closed")
	ErrNotBuildable  = errors.New("device is not buildable with this recovery kind")
	ErrJobNotDone    = errors.New("build job has not finished")
	ErrNoImage       = errors.New("native build produced no recovery image")
	errCancelRequest = errors.New("build cancelled")
)

// CompilationFailure is a nonzero exit of the native build. It is never
// retried automatically.
type CompilationFailure struct {
	Target   string
	ExitCode int
	Tail     []string
}

func (e *CompilationFailure) Error() string {
	msg := fmt.Sprintf("native build of %s exited with status %d", e.Target, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += ":\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}
