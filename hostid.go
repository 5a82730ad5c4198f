package recoveryagent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	builderHostOnce sync.Once
	builderHost     string
)

// BuilderHost identifies this machine in reports and history rows as
// "hostname/uuid". Either half may be missing.
func BuilderHost() string {
	builderHostOnce.Do(func() {
		name, _ := os.Hostname()
		id, _ := getHostUUID()
		switch {
		case name != "" && id != "":
			builderHost = name + "/" + id
		case id != "":
			builderHost = id
		default:
			builderHost = name
		}
	})
	return builderHost
}

// getHostUUID returns a best-effort hardware UUID for the host.
// On macOS it uses `system_profiler`; on Linux it prefers /etc/machine-id then falls back to /sys/class/dmi/id/product_uuid.
func getHostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if id, err := readSystemFile(path); err == nil && id != "" {
				return id, nil
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
