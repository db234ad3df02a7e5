package block

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/types"
)

// SystemVg is the volume group of the FDE disk layout.
const SystemVg = "system"

// FDE logical volume names inside SystemVg.
const (
	RootfsLv     = "rootfs"
	RootfsHashLv = "rootfs_hash"
	DataLv       = "data"
)

// LvmMode selects the execution environment quirks. Inside the initrd there
// is no locking daemon and no udev synchronization, so both are disabled.
type LvmMode struct {
	NoLocking  bool
	NoUdevSync bool
}

// InitrdLvmMode is the mode used by the FDE boot stages.
var InitrdLvmMode = LvmMode{NoLocking: true, NoUdevSync: true}

// Lvm wraps the lvm2 command-line tools.
type Lvm struct {
	runner Runner
	mode   LvmMode
}

// NewLvm builds an Lvm facade for the given execution mode.
func NewLvm(runner Runner, mode LvmMode) *Lvm {
	return &Lvm{runner: runner, mode: mode}
}

func (l *Lvm) global(args []string) []string {
	if l.mode.NoLocking {
		args = append(args, "--nolocking")
	}
	return args
}

func (l *Lvm) sync(args []string) []string {
	if l.mode.NoUdevSync {
		args = append(args, "--noudevsync")
	}
	return args
}

// LvPath returns the device path of a logical volume.
func LvPath(vg, lv string) string {
	return filepath.Join("/dev", vg, lv)
}

// VgExists probes for the volume group without activating it.
func (l *Lvm) VgExists(ctx context.Context, vg string) bool {
	_, err := l.runner.Run(ctx, "vgs", l.global([]string{"--readonly", vg})...)
	return err == nil
}

// VgActivate activates every logical volume in the group.
func (l *Lvm) VgActivate(ctx context.Context, vg string) error {
	args := l.sync(l.global([]string{"--activate", "y", vg}))
	if _, err := l.runner.Run(ctx, "vgchange", args...); err != nil {
		return &types.DeviceError{Device: vg, Step: "vgchange -ay", Err: err}
	}
	return nil
}

// VgDeactivate deactivates the group's logical volumes.
func (l *Lvm) VgDeactivate(ctx context.Context, vg string) error {
	args := l.sync(l.global([]string{"--activate", "n", vg}))
	if _, err := l.runner.Run(ctx, "vgchange", args...); err != nil {
		return &types.DeviceError{Device: vg, Step: "vgchange -an", Err: err}
	}
	return nil
}

// PvCreate initializes a physical volume.
func (l *Lvm) PvCreate(ctx context.Context, dev string) error {
	if _, err := l.runner.Run(ctx, "pvcreate", l.global([]string{"--force", dev})...); err != nil {
		return &types.DeviceError{Device: dev, Step: "pvcreate", Err: err}
	}
	return nil
}

// VgCreate creates a volume group with auto-activation disabled, so system
// managers outside cryptpilot never bring the FDE volumes up on their own.
func (l *Lvm) VgCreate(ctx context.Context, vg string, pv string) error {
	args := l.global([]string{"--setautoactivation", "n", vg, pv})
	if _, err := l.runner.Run(ctx, "vgcreate", args...); err != nil {
		return &types.DeviceError{Device: pv, Step: "vgcreate", Err: err}
	}
	return nil
}

// LvCreate creates a logical volume of the given byte size. lvm rounds the
// size up to the extent size.
func (l *Lvm) LvCreate(ctx context.Context, vg, lv string, sizeBytes uint64) error {
	args := l.sync(l.global([]string{
		"--name", lv, "--size", fmt.Sprintf("%db", sizeBytes), "--yes", vg,
	}))
	if _, err := l.runner.Run(ctx, "lvcreate", args...); err != nil {
		return &types.DeviceError{Device: LvPath(vg, lv), Step: "lvcreate", Err: err}
	}
	return nil
}

// PvInfo describes one physical volume.
type PvInfo struct {
	Name    string
	PvSize  uint64
	DevSize uint64
}

// VgPhysicalVolume reports the physical volume backing the group. The FDE
// layout uses exactly one.
func (l *Lvm) VgPhysicalVolume(ctx context.Context, vg string) (*PvInfo, error) {
	args := l.global([]string{
		"--select", "vg_name=" + vg,
		"--options", "pv_name,pv_size,dev_size",
		"--units", "b", "--nosuffix",
		"--reportformat", "json",
	})
	out, err := l.runner.Run(ctx, "pvs", args...)
	if err != nil {
		return nil, &types.DeviceError{Device: vg, Step: "pvs", Err: err}
	}
	return parsePvReport(out)
}

func parsePvReport(out string) (*PvInfo, error) {
	var report struct {
		Report []struct {
			Pv []struct {
				PvName  string `json:"pv_name"`
				PvSize  string `json:"pv_size"`
				DevSize string `json:"dev_size"`
			} `json:"pv"`
		} `json:"report"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		return nil, fmt.Errorf("failed to parse pvs report: %w", err)
	}
	if len(report.Report) == 0 || len(report.Report[0].Pv) == 0 {
		return nil, fmt.Errorf("pvs report contains no physical volume")
	}
	pv := report.Report[0].Pv[0]
	pvSize, err := parseLvmSize(pv.PvSize)
	if err != nil {
		return nil, err
	}
	devSize, err := parseLvmSize(pv.DevSize)
	if err != nil {
		return nil, err
	}
	return &PvInfo{Name: pv.PvName, PvSize: pvSize, DevSize: devSize}, nil
}

func parseLvmSize(s string) (uint64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "B")
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse lvm size %q: %w", s, err)
	}
	return n, nil
}

// NeedsGrow reports whether the partition has grown past the physical
// volume, which happens when the platform resizes the disk after deploy.
func (p *PvInfo) NeedsGrow() bool {
	return p.DevSize > p.PvSize
}

// PvResize grows the physical volume to the size of its partition.
func (l *Lvm) PvResize(ctx context.Context, pv string) error {
	if _, err := l.runner.Run(ctx, "pvresize", l.sync(l.global([]string{pv}))...); err != nil {
		return &types.DeviceError{Device: pv, Step: "pvresize", Err: err}
	}
	return nil
}

// VgFreeBytes reports the unallocated extent space in the group.
func (l *Lvm) VgFreeBytes(ctx context.Context, vg string) (uint64, error) {
	args := l.global([]string{
		"--options", "vg_free",
		"--units", "b", "--nosuffix", "--noheadings", vg,
	})
	out, err := l.runner.Run(ctx, "vgs", args...)
	if err != nil {
		return 0, &types.DeviceError{Device: vg, Step: "vgs", Err: err}
	}
	return parseLvmSize(out)
}

// LvExtendToFree grows the logical volume over all remaining free extents.
func (l *Lvm) LvExtendToFree(ctx context.Context, vg, lv string) error {
	args := l.sync(l.global([]string{
		"--extents", "+100%FREE", LvPath(vg, lv),
	}))
	if _, err := l.runner.Run(ctx, "lvextend", args...); err != nil {
		return &types.DeviceError{Device: LvPath(vg, lv), Step: "lvextend", Err: err}
	}
	return nil
}
