package block

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/types"
)

// ProbeSignature reports the signature type on dev ("ext4", "crypto_LUKS",
// "swap", ...) or "" when the device holds no recognized signature. The
// probe is the refusal condition for MakeFs: formatting over an existing
// signature destroys data and needs an explicit wipe first.
func ProbeSignature(ctx context.Context, runner Runner, dev string) (string, error) {
	out, err := runner.Run(ctx, "blkid", "--probe",
		"--match-tag", "TYPE", "--output", "value", dev)
	if err != nil {
		// blkid exits 2 when the device carries no signature at all.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			return "", nil
		}
		return "", &types.DeviceError{Device: dev, Step: "blkid", Err: err}
	}
	return strings.TrimSpace(out), nil
}

// MakeFs creates the requested file system (or swap signature) on dev.
// Callers confirm emptiness via ProbeSignature first; the force flags here
// only suppress interactive prompts, they are not a license to clobber.
func MakeFs(ctx context.Context, runner Runner, dev string, fs types.MakeFsType) error {
	var program string
	var args []string
	switch fs {
	case types.MakeFsExt4:
		program, args = "mkfs.ext4", []string{"-F", dev}
	case types.MakeFsXfs:
		program, args = "mkfs.xfs", []string{"-f", dev}
	case types.MakeFsVfat:
		program, args = "mkfs.vfat", []string{dev}
	case types.MakeFsSwap:
		program, args = "mkswap", []string{"--force", dev}
	case types.MakeFsNone:
		return nil
	default:
		return &types.ConfigError{Reason: fmt.Sprintf("unknown makefs %q", fs)}
	}
	if _, err := runner.Run(ctx, program, args...); err != nil {
		return &types.DeviceError{Device: dev, Step: program, Err: err}
	}
	return nil
}

// FsSignatureFor maps a makefs option to the blkid TYPE it produces, used to
// decide whether a plaintext device already carries the requested format.
func FsSignatureFor(fs types.MakeFsType) string {
	switch fs {
	case types.MakeFsExt4:
		return "ext4"
	case types.MakeFsXfs:
		return "xfs"
	case types.MakeFsVfat:
		return "vfat"
	case types.MakeFsSwap:
		return "swap"
	}
	return ""
}
