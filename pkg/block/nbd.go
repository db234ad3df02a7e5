package block

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/types"
)

// NbdDevice is a claimed network-block-device association, used to expose
// qcow2 images as block devices for offline reference-value computation.
type NbdDevice struct {
	Path   string
	runner Runner
}

// AttachNbd connects image to a free /dev/nbdN via qemu-nbd. The claim
// protocol mirrors loop devices: probe for an unused node (size 0), attach,
// and re-probe to confirm the association took.
func AttachNbd(ctx context.Context, runner Runner, image, format string) (*NbdDevice, error) {
	if format == "" {
		format = "qcow2"
	}
	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		return nil, &types.DeviceError{Device: image, Step: "nbd", Err: err}
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "nbd") {
			continue
		}
		if nbdInUse(entry.Name()) {
			continue
		}
		devPath := "/dev/" + entry.Name()
		_, err := runner.Run(ctx, "qemu-nbd",
			"--connect="+devPath, "--format="+format, image)
		if err != nil {
			continue
		}
		if !nbdInUse(entry.Name()) {
			// Attach reported success but the device stayed empty.
			_, _ = runner.Run(ctx, "qemu-nbd", "--disconnect", devPath)
			continue
		}
		return &NbdDevice{Path: devPath, runner: runner}, nil
	}
	return nil, &types.DeviceError{Device: image, Step: "nbd",
		Err: fmt.Errorf("no free nbd device (is the nbd module loaded?)")}
}

// Disconnect releases the association. Safe to call more than once.
func (n *NbdDevice) Disconnect(ctx context.Context) error {
	if n.Path == "" {
		return nil
	}
	if _, err := n.runner.Run(ctx, "qemu-nbd", "--disconnect", n.Path); err != nil {
		return &types.DeviceError{Device: n.Path, Step: "qemu-nbd -d", Err: err}
	}
	n.Path = ""
	return nil
}

func nbdInUse(name string) bool {
	raw, err := os.ReadFile(filepath.Join(sysBlockDir, name, "size"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(raw)) != "0"
}
