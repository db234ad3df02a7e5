package block

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// sysBlockDir is overridable in tests.
var sysBlockDir = "/sys/block"

// MapperPath returns the device node for a mapper name.
func MapperPath(name string) string {
	return filepath.Join("/dev/mapper", name)
}

// MapperExists reports whether a device-mapper node with this name is live.
func MapperExists(name string) bool {
	_, err := os.Stat(MapperPath(name))
	return err == nil
}

// MapperBacking resolves the underlay device path behind a mapper name by
// walking sysfs: /sys/block/dm-N/dm/name identifies the node, its slaves
// directory names the underlying device. Stacked nodes (crypt on integrity)
// are followed down to the bottom of the stack.
func MapperBacking(name string) (string, error) {
	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", sysBlockDir, err)
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "dm-") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(sysBlockDir, entry.Name(), "dm", "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(raw)) != name {
			continue
		}
		return bottomSlave(entry.Name())
	}
	return "", fmt.Errorf("no device-mapper node named %q", name)
}

func bottomSlave(blockName string) (string, error) {
	for {
		slaves, err := os.ReadDir(filepath.Join(sysBlockDir, blockName, "slaves"))
		if err != nil || len(slaves) == 0 {
			return "/dev/" + blockName, nil
		}
		next := slaves[0].Name()
		if _, err := os.Stat(filepath.Join(sysBlockDir, next)); err != nil {
			return "/dev/" + next, nil
		}
		blockName = next
	}
}

// UdevSettle waits for the udev queue to drain so freshly created mapper
// nodes are visible at their /dev paths.
func UdevSettle(ctx context.Context, runner Runner) error {
	if _, err := runner.Run(ctx, "udevadm", "settle"); err != nil {
		return fmt.Errorf("udevadm settle failed: %w", err)
	}
	return nil
}

// WaitForDevice polls until path exists or the timeout elapses. Underlays
// may appear after service start (hotplug); the controller waits for them.
func WaitForDevice(ctx context.Context, path string, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}
