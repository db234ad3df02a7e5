package fde

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/log"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// ShowReferenceValue computes the expected dm-verity root hash of the rootfs
// volume inside a disk image, for operators publishing reference values to
// their verification service. The image is attached read-side only: the hash
// tree is rebuilt into a scratch file, the LV itself is not written.
func ShowReferenceValue(ctx context.Context, runner block.Runner, disk string, algo block.VerityHashAlgo) (string, error) {
	if algo == "" {
		algo = block.VeritySha256
	}
	if !algo.Valid() {
		return "", &types.ConfigError{Reason: "unsupported hash algorithm " + string(algo)}
	}

	detach, err := attachDisk(ctx, runner, disk)
	if err != nil {
		return "", err
	}
	defer detach()

	if err := block.UdevSettle(ctx, runner); err != nil {
		return "", err
	}

	lvm := block.NewLvm(runner, block.LvmMode{})
	if !lvm.VgExists(ctx, block.SystemVg) {
		return "", &types.DeviceError{Device: disk, Step: "locate vg",
			Err: os.ErrNotExist}
	}
	if err := lvm.VgActivate(ctx, block.SystemVg); err != nil {
		return "", err
	}
	defer func() {
		if err := lvm.VgDeactivate(ctx, block.SystemVg); err != nil {
			log.WithComponent("fde").Warn().Err(err).Msg("failed to deactivate volume group")
		}
	}()

	scratch := filepath.Join(os.TempDir(), "cryptpilot-hashtree-"+uuid.NewString())
	defer os.Remove(scratch)

	return block.VerityFormat(ctx, runner,
		block.LvPath(block.SystemVg, block.RootfsLv), scratch, algo)
}

// attachDisk exposes the disk image as a block device. qcow2 images go
// through qemu-nbd, raw files through a loop device, and an existing block
// device is used as is.
func attachDisk(ctx context.Context, runner block.Runner, disk string) (func(), error) {
	info, err := os.Stat(disk)
	if err != nil {
		return nil, &types.DeviceError{Device: disk, Step: "attach", Err: err}
	}
	if !info.Mode().IsRegular() {
		return func() {}, nil
	}
	if strings.HasSuffix(disk, ".qcow2") {
		nbd, err := block.AttachNbd(ctx, runner, disk, "qcow2")
		if err != nil {
			return nil, err
		}
		return func() { _ = nbd.Disconnect(ctx) }, nil
	}
	loop, err := block.AttachLoop(ctx, runner, disk)
	if err != nil {
		return nil, err
	}
	return func() { _ = loop.Detach(ctx) }, nil
}
