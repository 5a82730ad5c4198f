package recoveryagent

import (
	"strings"

	"github.com/pkg/errors"
)

// Stage is a position of the build pipeline. Stages only move forward.
type Stage int32

const (
	StageQueued Stage = iota
	StageEnvironmentReady
	StageSourcesReady
	StageTreeResolved
	StageCompiled
	StagePackaged
	StageChecksummed
	StageReported
)

var stageNames = [...]string{
	StageQueued:           "Queued",
	StageEnvironmentReady: "EnvironmentReady",
	StageSourcesReady:     "SourcesReady",
	StageTreeResolved:     "TreeResolved",
	StageCompiled:         "Compiled",
	StagePackaged:         "Packaged",
	StageChecksummed:      "Checksummed",
	StageReported:         "Reported",
}

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, 0, len(stageNames))
	for s := StageQueued; s <= StageReported; s++ {
		out = append(out, s)
	}
	return out
}

func (s Stage) String() string {
	if s < StageQueued || s > StageReported {
		return "Unknown"
	}
	return stageNames[s]
}

// Percent estimates completion from the stage index.
func (s Stage) Percent() int {
	if s <= StageQueued {
		return 0
	}
	if s >= StageReported {
		return 100
	}
	return int(s) * 100 / int(StageReported)
}

// Cancellable reports whether a job sitting at s may still be cancelled.
// Once the cursor leaves TreeResolved the native build has started.
func (s Stage) Cancellable() bool {
	return s < StageCompiled
}

// ParseStage accepts stage names case-insensitively.
func ParseStage(raw string) (Stage, error) {
	for i, name := range stageNames {
		if strings.EqualFold(name, strings.TrimSpace(raw)) {
			return Stage(i), nil
		}
	}
	return StageQueued, errors.Errorf("unknown stage %q", raw)
}
