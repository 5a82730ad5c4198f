package recovery

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Option keys accepted by ParseOptions.
const (
	OptEnableA2DP        = "enable-a2dp"
	OptEnableCompression = "enable-compression"
	OptEnableKeystore    = "enable-keystore"
	OptFlashableZip      = "flashable-zip"
	OptRecoveryVersion   = "recovery-version"
	OptMaintainer        = "maintainer"
	OptFoxBuildType      = "fox-build-type"
)

var versionPattern = regexp.MustCompile(`^[0-9][0-9A-Za-z._-]*$`)

var optionKinds = map[string][]Kind{
	OptEnableA2DP:        {KindTWRP, KindOrangeFox},
	OptEnableCompression: {KindTWRP, KindOrangeFox},
	OptEnableKeystore:    {KindTWRP, KindOrangeFox},
	OptFlashableZip:      {KindTWRP, KindOrangeFox},
	OptRecoveryVersion:   {KindTWRP, KindOrangeFox},
	OptMaintainer:        {KindTWRP, KindOrangeFox},
	OptFoxBuildType:      {KindOrangeFox},
}

// Options is the fixed option set. Fields that do not apply to a kind must
// stay at their zero value.
type Options struct {
	EnableA2DP        bool
	EnableCompression bool
	EnableKeystore    bool
	FlashableZip      bool
	Version           string
	Maintainer        string
	FoxBuildType      string
}

// DefaultOptions mirrors the defaults of the interactive builder.
func DefaultOptions(kind Kind) Options {
	opts := Options{
		EnableA2DP:        true,
		EnableCompression: true,
		EnableKeystore:    true,
		FlashableZip:      true,
		Version:           kind.DefaultVersion(),
		Maintainer:        "RecoveryAgent",
	}
	if kind == KindOrangeFox {
		opts.FoxBuildType = "Unofficial"
	}
	return opts
}

// ParseOptions applies raw key/value pairs on top of DefaultOptions. Unknown
// keys and keys that do not apply to kind are rejected.
func ParseOptions(kind Kind, raw map[string]string) (Options, error) {
	if !kind.Known() {
		return Options{}, &ConfigurationError{Kind: kind, Reason: "no source mapping for recovery kind"}
	}
	opts := DefaultOptions(kind)
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := strings.ToLower(strings.TrimSpace(key))
		value := strings.TrimSpace(raw[key])
		kinds, ok := optionKinds[name]
		if !ok {
			return Options{}, &ConfigurationError{Kind: kind, Reason: fmt.Sprintf("unknown option %q", key)}
		}
		if !containsKind(kinds, kind) {
			return Options{}, &ConfigurationError{Kind: kind, Reason: fmt.Sprintf("option %q does not apply to %s", key, kind.DisplayName())}
		}
		switch name {
		case OptEnableA2DP, OptEnableCompression, OptEnableKeystore, OptFlashableZip:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return Options{}, &ConfigurationError{Kind: kind, Reason: fmt.Sprintf("option %q expects a boolean, got %q", key, value)}
			}
			switch name {
			case OptEnableA2DP:
				opts.EnableA2DP = b
			case OptEnableCompression:
				opts.EnableCompression = b
			case OptEnableKeystore:
				opts.EnableKeystore = b
			case OptFlashableZip:
				opts.FlashableZip = b
			}
		case OptRecoveryVersion:
			opts.Version = value
		case OptMaintainer:
			opts.Maintainer = value
		case OptFoxBuildType:
			opts.FoxBuildType = value
		}
	}
	if err := opts.Validate(kind); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks option values against kind.
func (o Options) Validate(kind Kind) error {
	if !kind.Known() {
		return &ConfigurationError{Kind: kind, Reason: "no source mapping for recovery kind"}
	}
	if !versionPattern.MatchString(o.Version) {
		return &ConfigurationError{Kind: kind, Reason: fmt.Sprintf("invalid recovery version %q", o.Version)}
	}
	if kind != KindOrangeFox && o.FoxBuildType != "" {
		return &ConfigurationError{Kind: kind, Reason: fmt.Sprintf("option %q does not apply to %s", OptFoxBuildType, kind.DisplayName())}
	}
	if kind == KindOrangeFox {
		switch o.FoxBuildType {
		case "Unofficial", "Beta", "Stable":
		default:
			return &ConfigurationError{Kind: kind, Reason: fmt.Sprintf("invalid fox build type %q", o.FoxBuildType)}
		}
	}
	return nil
}

// Env translates options into the build flags the recovery makefiles read.
func (o Options) Env(kind Kind) map[string]string {
	env := map[string]string{}
	switch kind {
	case KindTWRP:
		env["TW_DEVICE_VERSION"] = o.Version
		env["TW_INCLUDE_CRYPTO"] = boolFlag(o.EnableKeystore)
		env["TW_INCLUDE_FBE"] = boolFlag(o.EnableKeystore)
		env["TW_ENABLE_A2DP"] = boolFlag(o.EnableA2DP)
		if o.EnableCompression {
			env["LZMA_RAMDISK_TARGETS"] = "recovery"
		}
		if o.Maintainer != "" {
			env["TW_MAINTAINER"] = o.Maintainer
		}
	case KindOrangeFox:
		env["FOX_VERSION"] = o.Version
		env["FOX_BUILD_TYPE"] = o.FoxBuildType
		env["OF_MAINTAINER"] = o.Maintainer
		env["OF_USE_TWRP_SHELL"] = "1"
		env["OF_DISABLE_RECOVERY_MEDIA"] = "1"
		env["OF_USE_LZMA_COMPRESSION"] = numFlag(o.EnableCompression)
		env["OF_SUPPORT_KEYSTORE"] = numFlag(o.EnableKeystore)
		env["OF_ENABLE_A2DP"] = numFlag(o.EnableA2DP)
	}
	return env
}

// Map renders the options as key/value pairs for reports and history.
func (o Options) Map(kind Kind) map[string]string {
	out := map[string]string{
		OptEnableA2DP:        strconv.FormatBool(o.EnableA2DP),
		OptEnableCompression: strconv.FormatBool(o.EnableCompression),
		OptEnableKeystore:    strconv.FormatBool(o.EnableKeystore),
		OptFlashableZip:      strconv.FormatBool(o.FlashableZip),
		OptRecoveryVersion:   o.Version,
	}
	if o.Maintainer != "" {
		out[OptMaintainer] = o.Maintainer
	}
	if kind == KindOrangeFox {
		out[OptFoxBuildType] = o.FoxBuildType
	}
	return out
}

func containsKind(list []Kind, kind Kind) bool {
	for _, k := range list {
		if k == kind {
			return true
		}
	}
	return false
}

func boolFlag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func numFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
