package adb

import (
	"context"
	"errors"
	"testing"

	gadb "github.com/httprunner/httprunner/v5/pkg/gadb"
)

type stubDevice struct {
	serial string
	state  gadb.DeviceState
	props  map[string]string
}

func (d stubDevice) Serial() string                   { return d.serial }
func (d stubDevice) State() (gadb.DeviceState, error) { return d.state, nil }
func (d stubDevice) RunShellCommand(cmd string, args ...string) (string, error) {
	if cmd != "getprop" || len(args) != 1 {
		return "", errors.New("unexpected command")
	}
	return d.props[args[0]] + "\n", nil
}

func providerWith(devs ...shellDevice) *Provider {
	return &Provider{list: func() ([]shellDevice, error) { return devs, nil }}
}

func TestDetectSingleDevice(t *testing.T) {
	p := providerWith(
		stubDevice{serial: "off", state: gadb.StateOffline},
		stubDevice{serial: "abc", state: gadb.StateOnline, props: map[string]string{
			"ro.product.device":       "beryllium",
			"ro.product.manufacturer": "Xiaomi",
			"ro.product.cpu.abi":      "arm64-v8a",
		}},
	)
	info, err := p.Detect(context.Background(), "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if info.Codename != "beryllium" || info.Manufacturer != "Xiaomi" || info.Arch() != "arm64" {
		t.Fatalf("unexpected info %#v", info)
	}
}

func TestDetectErrors(t *testing.T) {
	if _, err := providerWith().Detect(context.Background(), ""); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	two := providerWith(
		stubDevice{serial: "a", state: gadb.StateOnline},
		stubDevice{serial: "b", state: gadb.StateOnline},
	)
	if _, err := two.Detect(context.Background(), ""); !errors.Is(err, ErrMultipleDevices) {
		t.Fatalf("expected ErrMultipleDevices, got %v", err)
	}
	if _, err := two.Detect(context.Background(), "b"); err == nil {
		t.Fatal("expected error for device without codename")
	}
}
