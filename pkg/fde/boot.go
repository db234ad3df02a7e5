package fde

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/config"
	"github.com/openanolis/cryptpilot/pkg/keyprovider"
	"github.com/openanolis/cryptpilot/pkg/log"
	"github.com/openanolis/cryptpilot/pkg/measure"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// Well-known mapper names exported from stage one to stage two.
const (
	// RootfsPlainName is the intermediate crypt node under verity, present
	// only when the rootfs volume is encrypted.
	RootfsPlainName = "rootfs_plain"

	// RootfsVerityName is the read-only verified rootfs device.
	RootfsVerityName = "rootfs_verity"

	// DataMapperName is the writable data plaintext device.
	DataMapperName = "data"
)

// Stage-two mount layout.
const (
	rootfsLowerDir = "/run/cryptpilot/rootfs_lower"
	dataMountDir   = "/run/cryptpilot/data"
	ramOverlayDir  = "/run/cryptpilot/overlay"
)

// dataFs is the file system created on the data volume on first boot.
const dataFs = types.MakeFsExt4

// vgWaitTimeout bounds the wait for the system volume group to appear; the
// disk may still be settling when the boot service starts.
const (
	vgWaitTimeout  = 30 * time.Second
	vgWaitInterval = 1 * time.Second
)

// verityProbeRead is overridable in tests. It forces a read through the
// fresh verity device: veritysetup accepts any well-formed root hash at open
// time, and only reads detect a mismatch.
var verityProbeRead = func(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 4096)
	_, err = f.Read(buf)
	return err
}

// Options configure the boot orchestrator paths.
type Options struct {
	// ConfigPath is the initrd-embedded FDE configuration.
	ConfigPath string
	// MetadataPath is the persisted boot metadata.
	MetadataPath string
	// SysrootPath is where the assembled root lands for switch-root.
	SysrootPath string
	// Provider carries the provider plumbing (sockets, timeout).
	Provider keyprovider.Options
}

// Boot drives the two FDE boot stages. Every fatal failure tears partial
// activations down before returning; the init glue drops to an emergency
// shell rather than retrying.
type Boot struct {
	opts   Options
	sink   measure.Sink
	runner block.Runner
	lvm    *block.Lvm
}

// NewBoot builds the orchestrator. The measurement sink is passed by value
// so tests substitute an in-memory recorder.
func NewBoot(opts Options, sink measure.Sink, runner block.Runner) *Boot {
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.FdePath(config.DefaultDir)
	}
	if opts.MetadataPath == "" {
		opts.MetadataPath = DefaultMetadataPath
	}
	if opts.SysrootPath == "" {
		opts.SysrootPath = "/sysroot"
	}
	return &Boot{
		opts:   opts,
		sink:   sink,
		runner: runner,
		lvm:    block.NewLvm(runner, block.InitrdLvmMode),
	}
}

// rewindStack collects teardown steps; unwind runs them in LIFO order.
type rewindStack []func()

func (r *rewindStack) push(f func()) { *r = append(*r, f) }

func (r *rewindStack) unwind() {
	for i := len(*r) - 1; i >= 0; i-- {
		(*r)[i]()
	}
}

// BeforeSysroot runs stage one: measure the configuration, bring the system
// volume group up, grow the data volume on first boot, unlock and verify the
// rootfs, unlock the data volume. On success the well-known mapper nodes are
// left active for stage two.
func (b *Boot) BeforeSysroot(ctx context.Context) (err error) {
	logger := log.WithStage("before-sysroot")

	cfg, err := config.LoadFde(b.opts.ConfigPath)
	if err != nil {
		return err
	}
	hash, err := config.Hash(cfg)
	if err != nil {
		return err
	}
	// The config hash must be in the event log before any key request, so
	// the broker sees the measured configuration in the evidence.
	if err := b.sink.Extend(ctx, measure.OpLoadConfig, measure.ConfigContent("sha384", hash)); err != nil {
		return err
	}
	logger.Info().Str("config_hash", hash).Msg("configuration measured")

	if err := b.waitSystemVg(ctx); err != nil {
		return err
	}
	if err := b.lvm.VgActivate(ctx, block.SystemVg); err != nil {
		return err
	}

	var rewind rewindStack
	defer func() {
		if err != nil {
			rewind.unwind()
		}
	}()

	if err := b.growDataLv(ctx); err != nil {
		return err
	}

	if err := b.unlockRootfs(ctx, cfg, &rewind); err != nil {
		return err
	}
	if err := b.unlockData(ctx, cfg, &rewind); err != nil {
		return err
	}

	logger.Info().Msg("stage one complete")
	return nil
}

func (b *Boot) waitSystemVg(ctx context.Context) error {
	deadline := time.Now().Add(vgWaitTimeout)
	for {
		if b.lvm.VgExists(ctx, block.SystemVg) {
			return nil
		}
		if time.Now().After(deadline) {
			return &types.DeviceError{Device: block.SystemVg, Step: "locate vg",
				Err: fmt.Errorf("volume group did not appear within %s", vgWaitTimeout)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(vgWaitInterval):
		}
	}
}

// growDataLv detects the first boot after the platform enlarged the
// partition and extends the data volume over the new extents. Locking and
// udev sync are disabled; there is no daemon to talk to in the initrd.
func (b *Boot) growDataLv(ctx context.Context) error {
	pv, err := b.lvm.VgPhysicalVolume(ctx, block.SystemVg)
	if err != nil {
		return err
	}
	if !pv.NeedsGrow() {
		return nil
	}
	logger := log.WithStage("before-sysroot")
	logger.Info().Str("pv", pv.Name).
		Uint64("pv_size", pv.PvSize).Uint64("dev_size", pv.DevSize).
		Msg("partition grew since deploy, resizing")

	if err := b.lvm.PvResize(ctx, pv.Name); err != nil {
		return err
	}
	free, err := b.lvm.VgFreeBytes(ctx, block.SystemVg)
	if err != nil {
		return err
	}
	if free == 0 {
		return nil
	}
	return b.lvm.LvExtendToFree(ctx, block.SystemVg, block.DataLv)
}

// unlockRootfs produces the verified read-only rootfs device and measures
// its root hash.
func (b *Boot) unlockRootfs(ctx context.Context, cfg *types.FdeConfig, rewind *rewindStack) error {
	logger := log.WithStage("before-sysroot")
	rootDev := block.LvPath(block.SystemVg, block.RootfsLv)

	if cfg.Rootfs.Encrypt != nil {
		provider, err := keyprovider.New(*cfg.Rootfs.Encrypt, b.opts.Provider)
		if err != nil {
			return err
		}
		passphrase, err := provider.GetPassphrase(ctx)
		if err != nil {
			return err
		}
		defer passphrase.Zero()

		if !block.MapperExists(RootfsPlainName) {
			if err := block.LuksCheckPassphrase(rootDev, passphrase); err != nil {
				return err
			}
			if err := block.LuksActivate(RootfsPlainName, rootDev, passphrase,
				block.ActivateReadonly|block.ActivatePrivate); err != nil {
				return err
			}
		}
		rewind.push(func() { _ = block.LuksDeactivate(RootfsPlainName) })
		rootDev = block.MapperPath(RootfsPlainName)
	}

	meta, err := LoadMetadata(b.opts.MetadataPath)
	if err != nil {
		return err
	}

	if !block.MapperExists(RootfsVerityName) {
		hashDev := block.LvPath(block.SystemVg, block.RootfsHashLv)
		if err := block.VerityOpen(ctx, b.runner, RootfsVerityName, rootDev, hashDev, meta.RootHash); err != nil {
			return err
		}
	}
	rewind.push(func() { _ = block.VerityClose(ctx, b.runner, RootfsVerityName) })

	if err := block.UdevSettle(ctx, b.runner); err != nil {
		return err
	}
	// Force a read: the kernel only detects a root hash mismatch when data
	// flows through the tree.
	if err := verityProbeRead(block.MapperPath(RootfsVerityName)); err != nil {
		return fmt.Errorf("%w: %w", types.ErrVerityMismatch, &types.IntegrityError{
			Device: rootDev,
			Reason: fmt.Sprintf("rootfs does not match recorded root hash %s: %v", meta.RootHash, err),
		})
	}

	if err := b.sink.Extend(ctx, measure.OpFdeRootfsHash, meta.RootHash); err != nil {
		return err
	}
	logger.Info().Str("root_hash", meta.RootHash).Msg("rootfs verified")
	return nil
}

// unlockData opens the writable data volume, initializing it on first boot.
func (b *Boot) unlockData(ctx context.Context, cfg *types.FdeConfig, rewind *rewindStack) error {
	logger := log.WithStage("before-sysroot")
	dataDev := block.LvPath(block.SystemVg, block.DataLv)

	provider, err := keyprovider.New(cfg.Data.Encrypt, b.opts.Provider)
	if err != nil {
		return err
	}
	passphrase, err := provider.GetPassphrase(ctx)
	if err != nil {
		return err
	}
	defer passphrase.Zero()

	if block.MapperExists(DataMapperName) {
		return nil
	}

	isLuks, err := block.IsLuks(dataDev)
	if err != nil {
		return err
	}
	if !isLuks {
		logger.Info().Bool("integrity", cfg.Data.Integrity).Msg("first boot, formatting data volume")
		if err := block.LuksFormat(dataDev, passphrase, block.LuksParams{Integrity: cfg.Data.Integrity}); err != nil {
			return err
		}
	} else if err := block.LuksCheckPassphrase(dataDev, passphrase); err != nil {
		return err
	}

	if err := block.LuksActivate(DataMapperName, dataDev, passphrase, 0); err != nil {
		return err
	}
	rewind.push(func() { _ = block.LuksDeactivate(DataMapperName) })

	if err := block.UdevSettle(ctx, b.runner); err != nil {
		return err
	}
	return b.makeDataFsIfEmpty(ctx)
}

func (b *Boot) makeDataFsIfEmpty(ctx context.Context) error {
	plainDev := block.MapperPath(DataMapperName)
	sig, err := block.ProbeSignature(ctx, b.runner, plainDev)
	if err != nil {
		return err
	}
	if sig != "" {
		return nil
	}
	log.WithStage("before-sysroot").Info().Str("fs", string(dataFs)).Msg("creating data file system")
	return block.MakeFs(ctx, b.runner, plainDev, dataFs)
}

// AfterSysroot runs stage two: assemble the overlay over the verified rootfs
// and hand the system root off. The data volume is bind-mounted under the
// sysroot either way; rw_overlay only decides where the overlay upper lives.
func (b *Boot) AfterSysroot(ctx context.Context) error {
	logger := log.WithStage("after-sysroot")

	cfg, err := config.LoadFde(b.opts.ConfigPath)
	if err != nil {
		return err
	}
	if !block.MapperExists(RootfsVerityName) {
		return &types.InternalError{Reason: "stage two started without a verified rootfs device"}
	}

	lower, err := block.MountReadonly(block.MapperPath(RootfsVerityName), rootfsLowerDir, "ext4")
	if err != nil {
		return err
	}

	upper, work, dataMount, err := b.overlayDirs(ctx, cfg)
	if err != nil {
		_ = lower.Release()
		return err
	}

	overlay, err := block.MountOverlay(rootfsLowerDir, upper, work, b.opts.SysrootPath)
	if err != nil {
		if dataMount != nil {
			_ = dataMount.Release()
		}
		_ = lower.Release()
		return err
	}

	var bind *block.MountPoint
	if dataMount != nil {
		if bind, err = block.BindMount(dataMountDir, b.opts.SysrootPath+"/data"); err != nil {
			_ = overlay.Release()
			_ = dataMount.Release()
			_ = lower.Release()
			return err
		}
	}

	if err := b.sink.Extend(ctx, measure.OpInitrdSwitchRoot, "{}"); err != nil {
		if bind != nil {
			_ = bind.Release()
		}
		_ = overlay.Release()
		if dataMount != nil {
			_ = dataMount.Release()
		}
		_ = lower.Release()
		return err
	}
	logger.Info().Str("sysroot", b.opts.SysrootPath).
		Str("rw_overlay", string(cfg.OverlayType())).Msg("system root assembled")
	return nil
}

// overlayDirs prepares the upper and work directories per the rw_overlay
// policy and mounts the data volume. A disk overlay with an unopenable data
// volume is fatal: silently falling back to tmpfs would discard writes the
// owner expects to persist.
func (b *Boot) overlayDirs(ctx context.Context, cfg *types.FdeConfig) (upper, work string, dataMount *block.MountPoint, err error) {
	if !block.MapperExists(DataMapperName) {
		return "", "", nil, &types.InternalError{Reason: "stage two started without an open data volume"}
	}
	dataMount, err = block.Mount(block.MapperPath(DataMapperName), dataMountDir, string(dataFs), 0, "")
	if err != nil {
		return "", "", nil, err
	}

	switch cfg.OverlayType() {
	case types.RwOverlayDisk:
		return dataMountDir + "/overlay/upper", dataMountDir + "/overlay/work", dataMount, nil
	case types.RwOverlayRam:
		if _, err := block.MountTmpfs(ramOverlayDir); err != nil {
			_ = dataMount.Release()
			return "", "", nil, err
		}
		return ramOverlayDir + "/upper", ramOverlayDir + "/work", dataMount, nil
	}
	_ = dataMount.Release()
	return "", "", nil, &types.ConfigError{Reason: fmt.Sprintf("unknown rw_overlay %q", cfg.Rootfs.RwOverlay)}
}
