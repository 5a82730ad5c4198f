package recovery

import (
	"fmt"
	"strings"
)

// ConfigurationError rejects a device/kind/options combination before any
// job exists. It is never retried.
type ConfigurationError struct {
	Device string
	Kind   Kind
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, 0, 3)
	if e.Device != "" {
		parts = append(parts, "device "+e.Device)
	}
	if e.Kind != "" {
		parts = append(parts, "kind "+string(e.Kind))
	}
	msg := "configuration error"
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(parts, ", "))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
