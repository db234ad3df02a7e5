/*
Package block provides the typed primitives the volume engine composes:
LUKS2 header I/O, dm-crypt and dm-integrity activation, dm-verity trees,
loop and NBD associations, LVM management, file-system creation and mount
scope guards.

# Architecture

Two execution paths, one per tool family:

	┌────────────────── BLOCK PRIMITIVES ───────────────────────┐
	│                                                            │
	│  ┌──────────────────────────────────────────────┐         │
	│  │        libcryptsetup (cgo binding)            │         │
	│  │   behind the CryptDevice interface            │         │
	│  │   - IsLuks / LuksFormat (± integrity)         │         │
	│  │   - LuksCheckPassphrase (no activation)       │         │
	│  │   - LuksActivate / LuksDeactivate             │         │
	│  └──────────────────────┬───────────────────────┘         │
	│                         │ InitCryptDevice (stub in tests)  │
	│  ┌──────────────────────▼───────────────────────┐         │
	│  │        Runner (external tooling)              │         │
	│  │   veritysetup  lvm  losetup  qemu-nbd         │         │
	│  │   mkfs.*  blkid  udevadm                      │         │
	│  │   LC_ALL=C, context-bounded, FakeRunner       │         │
	│  └──────────────────────────────────────────────┘         │
	│                                                            │
	│  scope guards: MountPoint, LoopDevice, NbdDevice           │
	│  sysfs reads: mapper backing, loop backing, nbd size       │
	└────────────────────────────────────────────────────────────┘

# Core Components

LUKS2 (luks.go, cryptdev.go):
  - CryptDevice: the narrow libcryptsetup surface; production uses the
    go-cryptsetup binding, tests substitute a stub via InitCryptDevice
  - Integrity volumes use LUKS2 authenticated encryption: libcryptsetup
    formats the dm-integrity area beneath the crypt layer, accounts for
    per-sector overhead, activates integrity first with crypt on top, and
    tears down in reverse
  - ActivatePrivate sets DM_UDEV_DISABLE_OTHER_RULES_FLAG so higher-level
    managers leave intermediate nodes alone

Verity (verity.go):
  - VerityFormat emits the root hash; VerityOpen activates a read-only
    node against an expected hash; algorithms: sha256 (default), sha384,
    sha1, sm3

Loop/NBD (loop.go, nbd.go):
  - Claim-and-verify acquisition over globally scarce device numbers:
    associate, re-probe the sysfs backing, release and retry on mismatch

LVM (lvm.go):
  - vg/pv/lv management with JSON report parsing; LvmMode carries the
    initrd quirks (--nolocking, --noudevsync); the system VG is created
    with auto-activation disabled

File systems (mkfs.go):
  - ProbeSignature via blkid (exit 2 = empty); MakeFs for ext4/xfs/vfat
    and swap signatures

Mounts (mount.go, mounts_table.go):
  - MountPoint scope guard with busy-retry and lazy-detach fallback;
    overlay, tmpfs, bind and read-only helpers; IsMounted over the
    process mount table

# Usage

Formatting and opening an encrypted volume:

	if err := block.LuksFormat(dev, passphrase, block.LuksParams{Integrity: true}); err != nil {
		return err
	}
	if err := block.LuksCheckPassphrase(dev, passphrase); err != nil {
		return err // KeyRejected, nothing to rewind
	}
	if err := block.LuksActivate("data0", dev, passphrase, 0); err != nil {
		return err
	}

Driving external tooling through a Runner:

	runner := &block.ExecRunner{}
	rootHash, err := block.VerityFormat(ctx, runner, dataLv, hashLv, block.VeritySha256)

Scope-guarded resources:

	loop, err := block.AttachLoop(ctx, runner, "/var/lib/disk.img")
	if err != nil {
		return err
	}
	defer loop.Detach(ctx)

Testing against the fakes:

	runner := &block.FakeRunner{Outputs: map[string]string{
		"losetup --find --show": "/dev/loop4093",
	}}
	// assert runner.CalledWith("losetup --detach /dev/loop4093")

# Design Patterns

Interface Seam Pattern:
  - CryptDevice and Runner are the only two seams to the kernel and to
    external tools; everything above them is testable without root

Claim-and-Verify Pattern:
  - Loop and NBD numbers are raced by other processes; acquisition
    re-probes after associating and releases on mismatch

Scope Guard Pattern:
  - LoopDevice.Detach, NbdDevice.Disconnect and MountPoint.Release are
    idempotent and safe to defer on every path; Release retries EBUSY
    and falls back to a lazy detach so teardown always completes

Stable Output Pattern:
  - Every external command runs with LC_ALL=C; lvm reporting uses
    --reportformat json with byte units, never locale-formatted text

# Integration Points

This package integrates with:

  - pkg/volume: composes probe/format/check/activate into the lifecycle
    state machine
  - pkg/fde: verity, LVM grow, mounts and mapper naming for the boot
    stages
  - pkg/controller: WaitForDevice polling for hotplugged underlays
  - pkg/types: device failures surface as DeviceError/IntegrityError with
    the device path and last mapper step; a passphrase that does not
    unlock a header is a KeyRejected ProviderError, an unknown makefs
    value a ConfigError
  - pkg/log: per-command debug traces, busy-unmount warnings

# Validation

  - MakeFs refuses unknown file system types; callers must confirm
    emptiness via ProbeSignature first — the force flags only suppress
    prompts, they are not a license to clobber
  - VerityFormat fails when veritysetup output carries no root hash
  - parsePvReport rejects reports without a physical volume

# Thread Safety

Primitives are stateless functions plus per-resource guard values; they do
not serialize anything themselves. Callers (pkg/volume, pkg/fde) hold the
per-name mutex, because the device-mapper subsystem is process-global
kernel state. FakeRunner is internally locked and safe for concurrent
fan-out tests.

# Performance Considerations

  - LUKS format cost is dominated by the KDF (by design); activation by
    the kernel
  - UdevSettle is called after activations that publish nodes; it is the
    main latency source on busy systems and is bounded by the operation
    context
  - sysfs reads (mapper backing, loop backing) are preferred over
    spawning tools for pure queries

# See Also

  - go-cryptsetup binding: https://github.com/martinjungblut/go-cryptsetup
  - pkg/volume for the composition into init/open/close
  - pkg/fde for the verity and LVM choreography
  - DESIGN.md for the integrity-stacking and udev-hiding rationale
*/
package block
