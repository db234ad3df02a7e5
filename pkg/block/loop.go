package block

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/log"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// LoopDevice is a claimed loop association. Release it on every exit path.
type LoopDevice struct {
	Path   string
	backed string
	runner Runner
}

// AttachLoop associates file with a free loop device. Loop numbers are
// globally scarce and raced by other processes, so the claim is verified
// after association: if the kernel handed the device to someone else between
// find and attach, the association is released and retried.
func AttachLoop(ctx context.Context, runner Runner, file string) (*LoopDevice, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, &types.DeviceError{Device: file, Step: "losetup", Err: err}
	}

	for attempt := 0; attempt < 3; attempt++ {
		out, err := runner.Run(ctx, "losetup", "--find", "--show", abs)
		if err != nil {
			return nil, &types.DeviceError{Device: file, Step: "losetup", Err: err}
		}
		loopPath := strings.TrimSpace(out)

		if backing := LoopBackingFile(loopPath); backing != "" && backing != abs {
			// Lost the race; this loop belongs to another association.
			log.WithDevice(loopPath).Debug().Msg("loop claim raced, retrying")
			_, _ = runner.Run(ctx, "losetup", "--detach", loopPath)
			continue
		}
		return &LoopDevice{Path: loopPath, backed: abs, runner: runner}, nil
	}
	return nil, &types.DeviceError{Device: file, Step: "losetup",
		Err: fmt.Errorf("could not claim a loop device after 3 attempts")}
}

// Detach releases the association. Safe to call more than once.
func (l *LoopDevice) Detach(ctx context.Context) error {
	if l.Path == "" {
		return nil
	}
	if _, err := l.runner.Run(ctx, "losetup", "--detach", l.Path); err != nil {
		return &types.DeviceError{Device: l.Path, Step: "losetup -d", Err: err}
	}
	l.Path = ""
	return nil
}

// LoopBackingFile returns the file behind a loop device, or "" when the
// device is free or not a loop device.
func LoopBackingFile(loopPath string) string {
	name := filepath.Base(loopPath)
	raw, err := os.ReadFile(filepath.Join(sysBlockDir, name, "loop", "backing_file"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// ResolveUnderlay maps a configured underlay to the block device to operate
// on. A block device resolves to itself; a regular file resolves to its
// existing loop association, if any.
func ResolveUnderlay(dev string) (string, bool) {
	info, err := os.Stat(dev)
	if err != nil {
		return "", false
	}
	if info.Mode().IsRegular() {
		abs, err := filepath.Abs(dev)
		if err != nil {
			return "", false
		}
		entries, err := os.ReadDir(sysBlockDir)
		if err != nil {
			return "", false
		}
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), "loop") {
				continue
			}
			if LoopBackingFile(entry.Name()) == abs {
				return "/dev/" + entry.Name(), true
			}
		}
		return "", false
	}
	return dev, true
}
