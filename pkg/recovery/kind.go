// Package recovery describes what can be built: the recovery kinds, their
// upstream source mapping, per-kind options and the validated BuildConfig.
package recovery

import (
	"fmt"
	"strings"

	"github.com/httprunner/RecoveryAgent/pkg/device"
)

// Kind is the recovery project being built. Its string form is the artifact
// name prefix.
type Kind string

const (
	KindTWRP      Kind = "twrp"
	KindOrangeFox Kind = "orange_fox"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindTWRP, KindOrangeFox}
}

// ParseKind accepts the canonical names plus common spellings.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "twrp":
		return KindTWRP, nil
	case "orange_fox", "orangefox", "orange-fox", "ofox", "fox":
		return KindOrangeFox, nil
	default:
		return "", &ConfigurationError{Reason: fmt.Sprintf("unknown recovery kind %q", raw)}
	}
}

func (k Kind) String() string { return string(k) }

// DisplayName is the human readable project name.
func (k Kind) DisplayName() string {
	switch k {
	case KindTWRP:
		return "TWRP"
	case KindOrangeFox:
		return "OrangeFox"
	default:
		return string(k)
	}
}

// Known reports whether k has a source mapping.
func (k Kind) Known() bool {
	_, ok := projectSources[k]
	return ok
}

type projectSource struct {
	url            string
	refPrefix      string
	defaultVersion string
}

var projectSources = map[Kind]projectSource{
	KindTWRP: {
		url:            "https://github.com/minimal-manifest-twrp/platform_manifest_twrp_aosp.git",
		refPrefix:      "twrp-",
		defaultVersion: "12.1",
	},
	KindOrangeFox: {
		url:            "https://gitlab.com/OrangeFox/manifest.git",
		refPrefix:      "fox_",
		defaultVersion: "12.1",
	},
}

// DefaultVersion is the recovery version used when none is requested.
func (k Kind) DefaultVersion() string {
	return projectSources[k].defaultVersion
}

// ProjectSource maps a kind and version to the recovery project manifest.
func (k Kind) ProjectSource(version string) (device.SourceRef, error) {
	src, ok := projectSources[k]
	if !ok {
		return device.SourceRef{}, &ConfigurationError{Kind: k, Reason: "no source mapping for recovery kind"}
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = src.defaultVersion
	}
	return device.SourceRef{URL: src.url, Ref: src.refPrefix + version}, nil
}

// Products lists the lunch product names a device tree may expose for k, in
// preference order.
func (k Kind) Products(codename string) []string {
	switch k {
	case KindTWRP:
		return []string{"twrp_" + codename, "omni_" + codename}
	case KindOrangeFox:
		return []string{"twrp_" + codename, "omni_" + codename, "fox_" + codename}
	default:
		return nil
	}
}
