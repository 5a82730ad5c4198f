package sources

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Cause classifies a sync failure.
type Cause string

const (
	CauseTransport   Cause = "transport"
	CauseRefNotFound Cause = "ref_not_found"
	CauseDiskFull    Cause = "disk_full"
)

// ErrRefNotFound is returned by fetchers when the remote has no such ref.
var ErrRefNotFound = errors.New("reference not found")

// SyncFailure reports a tree that could not be synchronized.
type SyncFailure struct {
	Tree  Role
	URL   string
	Ref   string
	Cause Cause
	Err   error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("sync %s tree %s@%s failed (%s): %v", e.Tree, e.URL, e.Ref, e.Cause, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// Retryable is false for missing refs; re-running cannot create them.
func (e *SyncFailure) Retryable() bool {
	return e.Cause != CauseRefNotFound
}

func newSyncFailure(role Role, url, ref string, err error) *SyncFailure {
	return &SyncFailure{Tree: role, URL: url, Ref: ref, Cause: classify(err), Err: err}
}

func classify(err error) Cause {
	if errors.Is(err, ErrRefNotFound) {
		return CauseRefNotFound
	}
	if errors.Is(err, syscall.ENOSPC) {
		return CauseDiskFull
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no space left on device"),
		strings.Contains(msg, "disk quota exceeded"):
		return CauseDiskFull
	case strings.Contains(msg, "remote branch") && strings.Contains(msg, "not found"),
		strings.Contains(msg, "could not find remote branch"),
		strings.Contains(msg, "couldn't find remote ref"),
		strings.Contains(msg, "not our ref"),
		strings.Contains(msg, "invalid refspec"):
		return CauseRefNotFound
	default:
		return CauseTransport
	}
}
