package recoveryagent

import (
	"github.com/pkg/errors"

	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

// BuildRequest is a build configuration as it arrives from the CLI or the
// HTTP API, before validation.
type BuildRequest struct {
	Device   string            `json:"device"`
	Recovery string            `json:"recovery"`
	Options  map[string]string `json:"options,omitempty"`
}

// Config validates r against devices. Every failure is a
// *ConfigurationError.
func (r BuildRequest) Config(devices recovery.DeviceLookup) (recovery.BuildConfig, error) {
	kind, err := recovery.ParseKind(r.Recovery)
	if err != nil {
		return recovery.BuildConfig{}, r.withDevice(err)
	}
	opts, err := recovery.ParseOptions(kind, r.Options)
	if err != nil {
		return recovery.BuildConfig{}, r.withDevice(err)
	}
	return recovery.NewBuildConfig(devices, r.Device, kind, opts)
}

func (r BuildRequest) withDevice(err error) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) && cfgErr.Device == "" {
		cfgErr.Device = r.Device
	}
	return err
}

// BuildConfigs validates every request, stopping at the first invalid one.
func BuildConfigs(devices recovery.DeviceLookup, reqs []BuildRequest) ([]recovery.BuildConfig, error) {
	out := make([]recovery.BuildConfig, 0, len(reqs))
	for _, req := range reqs {
		cfg, err := req.Config(devices)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
