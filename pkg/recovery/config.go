package recovery

import (
	"strings"

	"github.com/httprunner/RecoveryAgent/pkg/device"
)

// DeviceLookup is the part of the device registry a BuildConfig needs.
type DeviceLookup interface {
	Lookup(codename string) (device.Record, error)
}

// BuildConfig ties one device to a recovery kind and options. The zero value
// is invalid; construct it with NewBuildConfig. Fields are unexported so an
// accepted config cannot be changed afterwards.
type BuildConfig struct {
	device  device.Record
	kind    Kind
	options Options
	valid   bool
}

// NewBuildConfig validates the combination against the registry.
func NewBuildConfig(devices DeviceLookup, codename string, kind Kind, opts Options) (BuildConfig, error) {
	codename = strings.TrimSpace(codename)
	if devices == nil {
		return BuildConfig{}, &ConfigurationError{Device: codename, Kind: kind, Reason: "device registry is nil"}
	}
	rec, err := devices.Lookup(codename)
	if err != nil {
		return BuildConfig{}, &ConfigurationError{Device: codename, Kind: kind, Reason: "device is not registered", Err: err}
	}
	if !kind.Known() {
		return BuildConfig{}, &ConfigurationError{Device: codename, Kind: kind, Reason: "no source mapping for recovery kind"}
	}
	if err := opts.Validate(kind); err != nil {
		if cfgErr, ok := err.(*ConfigurationError); ok {
			cfgErr.Device = codename
		}
		return BuildConfig{}, err
	}
	return BuildConfig{device: rec, kind: kind, options: opts, valid: true}, nil
}

// Device returns the device record captured at construction.
func (c BuildConfig) Device() device.Record { return c.device }

// Kind returns the recovery kind.
func (c BuildConfig) Kind() Kind { return c.kind }

// Options returns a copy of the options.
func (c BuildConfig) Options() Options { return c.options }

// ProjectSource is the recovery project manifest for this config.
func (c BuildConfig) ProjectSource() (device.SourceRef, error) {
	return c.kind.ProjectSource(c.options.Version)
}

// Validate re-checks the config against the registry, e.g. right before a
// build is accepted.
func (c BuildConfig) Validate(devices DeviceLookup) error {
	if !c.valid {
		return &ConfigurationError{Reason: "build config was not constructed with NewBuildConfig"}
	}
	if devices != nil {
		if _, err := devices.Lookup(c.device.Codename); err != nil {
			return &ConfigurationError{Device: c.device.Codename, Kind: c.kind, Reason: "device is not registered", Err: err}
		}
	}
	if !c.kind.Known() {
		return &ConfigurationError{Device: c.device.Codename, Kind: c.kind, Reason: "no source mapping for recovery kind"}
	}
	return nil
}
