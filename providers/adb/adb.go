// Package adb reads device identity from an attached Android device so a
// build can target it without typing the codename.
package adb

import (
	"context"
	"strings"

	gadb "github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoDevice is returned when no online device is attached.
var ErrNoDevice = errors.New("no online adb device")

// ErrMultipleDevices is returned by Detect when a serial is needed.
var ErrMultipleDevices = errors.New("multiple adb devices attached, pass a serial")

// DeviceInfo is what getprop tells about an attached device.
type DeviceInfo struct {
	Serial         string `json:"serial"`
	Codename       string `json:"codename"`
	Manufacturer   string `json:"manufacturer"`
	Model          string `json:"model"`
	Platform       string `json:"platform"`
	AndroidVersion string `json:"android_version"`
	ABI            string `json:"abi"`
}

// Arch maps the primary ABI to a build arch.
func (d DeviceInfo) Arch() string {
	switch {
	case strings.HasPrefix(d.ABI, "arm64"):
		return "arm64"
	case strings.HasPrefix(d.ABI, "armeabi"):
		return "arm"
	case d.ABI == "x86_64":
		return "x86_64"
	default:
		return "arm64"
	}
}

type shellDevice interface {
	Serial() string
	State() (gadb.DeviceState, error)
	RunShellCommand(cmd string, args ...string) (string, error)
}

// Provider inspects devices through gadb.
type Provider struct {
	list func() ([]shellDevice, error)
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{list: func() ([]shellDevice, error) {
		devs, err := client.DeviceList()
		if err != nil {
			return nil, err
		}
		out := make([]shellDevice, 0, len(devs))
		for _, d := range devs {
			if d != nil {
				out = append(out, d)
			}
		}
		return out, nil
	}}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevices returns the serials of online devices.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	devs, err := p.online()
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(devs))
	for _, d := range devs {
		serials = append(serials, strings.TrimSpace(d.Serial()))
	}
	return serials, nil
}

// Detect inspects the only attached device, or serial when given.
func (p *Provider) Detect(ctx context.Context, serial string) (DeviceInfo, error) {
	devs, err := p.online()
	if err != nil {
		return DeviceInfo{}, err
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		switch len(devs) {
		case 0:
			return DeviceInfo{}, ErrNoDevice
		case 1:
			return inspect(devs[0])
		default:
			return DeviceInfo{}, ErrMultipleDevices
		}
	}
	for _, d := range devs {
		if strings.TrimSpace(d.Serial()) == serial {
			return inspect(d)
		}
	}
	return DeviceInfo{}, errors.Wrapf(ErrNoDevice, "serial %s", serial)
}

func (p *Provider) online() ([]shellDevice, error) {
	if p == nil || p.list == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.list()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	out := make([]shellDevice, 0, len(devs))
	for _, d := range devs {
		state, err := d.State()
		if err != nil || state != gadb.StateOnline {
			log.Debug().Str("serial", d.Serial()).Msg("skip adb device that is not online")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func inspect(d shellDevice) (DeviceInfo, error) {
	getprop := func(key string) string {
		out, err := d.RunShellCommand("getprop", key)
		if err != nil {
			log.Debug().Err(err).Str("serial", d.Serial()).Str("prop", key).Msg("getprop failed")
			return ""
		}
		return strings.TrimSpace(out)
	}
	info := DeviceInfo{
		Serial:         strings.TrimSpace(d.Serial()),
		Codename:       getprop("ro.product.device"),
		Manufacturer:   getprop("ro.product.manufacturer"),
		Model:          getprop("ro.product.model"),
		Platform:       getprop("ro.board.platform"),
		AndroidVersion: getprop("ro.build.version.release"),
		ABI:            getprop("ro.product.cpu.abi"),
	}
	if info.Codename == "" {
		info.Codename = getprop("ro.build.product")
	}
	if info.Codename == "" {
		return info, errors.Errorf("device %s did not report ro.product.device", info.Serial)
	}
	return info, nil
}
