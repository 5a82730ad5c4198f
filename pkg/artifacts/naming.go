// Package artifacts persists finished build outputs under deterministic
// names and records their SHA-256 digests.
package artifacts

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

// TimestampLayout renders YYYYMMDD_HHMMSS.
const TimestampLayout = "20060102_150405"

// Kind classifies an artifact.
type Kind string

const (
	KindImage  Kind = "img"
	KindZip    Kind = "zip"
	KindLog    Kind = "log"
	KindReport Kind = "report"
)

// Identity is the originating job identity shared by all of its artifacts.
type Identity struct {
	Codename  string        `json:"device"`
	Recovery  recovery.Kind `json:"recovery_kind"`
	Timestamp string        `json:"timestamp"`
}

// Prefix is {recoveryKind}_{codename}_{timestamp}.
func (id Identity) Prefix() string {
	return fmt.Sprintf("%s_%s_%s", id.Recovery, id.Codename, id.Timestamp)
}

func (id Identity) validate() error {
	if id.Codename == "" {
		return errors.New("identity codename is empty")
	}
	if !id.Recovery.Known() {
		return errors.Errorf("identity recovery kind %q is unknown", id.Recovery)
	}
	if _, err := time.Parse(TimestampLayout, id.Timestamp); err != nil {
		return errors.Wrapf(err, "identity timestamp %q", id.Timestamp)
	}
	return nil
}

// FormatTimestamp renders t in local time using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// FileName returns the final artifact file name for id and kind.
func FileName(id Identity, kind Kind) (string, error) {
	if err := id.validate(); err != nil {
		return "", err
	}
	switch kind {
	case KindImage:
		return id.Prefix() + ".img", nil
	case KindZip:
		return id.Prefix() + ".zip", nil
	case KindLog:
		return id.Prefix() + "_build.log", nil
	default:
		return "", errors.Errorf("artifact kind %q has no naming rule", kind)
	}
}

// ReportFileName is build_report_{timestamp}.json.
func ReportFileName(timestamp string) string {
	return "build_report_" + timestamp + ".json"
}

var fileNamePattern = regexp.MustCompile(`^(twrp|orange_fox)_([A-Za-z0-9][A-Za-z0-9_-]*)_(\d{8}_\d{6})(_build\.log|\.img|\.zip)$`)

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (Identity, Kind, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return Identity{}, "", errors.Errorf("%q does not follow the artifact naming convention", name)
	}
	id := Identity{Codename: m[2], Recovery: recovery.Kind(m[1]), Timestamp: m[3]}
	if _, err := time.Parse(TimestampLayout, id.Timestamp); err != nil {
		return Identity{}, "", errors.Wrapf(err, "parse timestamp of %q", name)
	}
	var kind Kind
	switch m[4] {
	case ".img":
		kind = KindImage
	case ".zip":
		kind = KindZip
	default:
		kind = KindLog
	}
	return id, kind, nil
}
