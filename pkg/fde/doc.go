/*
Package fde drives the full-disk-encryption boot choreography.

The layout is fixed: a "system" volume group holding a measured read-only
rootfs LV, its verity hash tree LV, and an encrypted read-write data LV.
Two stages run from the initrd, ordered by the init system.

# Architecture

	┌─────────────────── STAGE before-sysroot ──────────────────┐
	│                                                            │
	│  load fde.toml ─▶ canonical hash ─▶ [load_config event]    │
	│        │                                                   │
	│        ▼                                                   │
	│  wait + activate "system" VG (no locking, no udev sync)    │
	│        │                                                   │
	│        ▼                                                   │
	│  first boot? pvresize ─▶ lvextend data +100%FREE           │
	│        │                                                   │
	│        ▼                                                   │
	│  unlock rootfs LV (optional crypt, private+readonly)       │
	│  verity open against metadata.toml root hash               │
	│  probe read ─▶ mismatch = fatal ─▶ [fde_rootfs_hash event] │
	│        │                                                   │
	│        ▼                                                   │
	│  unlock data LV (format on first boot) ─▶ /dev/mapper/data │
	└────────────────────────────────────────────────────────────┘

	┌─────────────────── STAGE after-sysroot ───────────────────┐
	│                                                            │
	│  mount rootfs_verity read-only (overlay lower)             │
	│  upper/work on data volume ("disk") or tmpfs ("ram")       │
	│  overlay at /sysroot, bind data at /sysroot/data           │
	│  [initrd_switch_root event] ─▶ hand off to real init       │
	└────────────────────────────────────────────────────────────┘

# Core Components

Boot:
  - The two-stage orchestrator; built with NewBoot from Options (config,
    metadata and sysroot paths), a measurement Sink and a Runner
  - Well-known mapper names exported from stage one to stage two:
    RootfsPlainName, RootfsVerityName, DataMapperName

Metadata:
  - /boot/cryptpilot/metadata.toml: {type = 1, root_hash = "<hex>"},
    produced at conversion time, consumed read-only at boot

ShowReferenceValue:
  - Offline computation of the expected verity root hash from a disk
    image (raw via loop, qcow2 via NBD), for operators publishing
    reference values to their verification service

# Usage

Running the stages (the boot-service command does exactly this):

	boot := fde.NewBoot(fde.Options{}, measure.Select(""), &block.ExecRunner{})
	if err := boot.BeforeSysroot(ctx); err != nil {
		return err // init glue drops to the emergency shell
	}
	// ... init system reaches the root device target ...
	if err := boot.AfterSysroot(ctx); err != nil {
		return err
	}

Computing a reference value from an image:

	hash, err := fde.ShowReferenceValue(ctx, runner, "disk.qcow2", block.VeritySha256)

Testing with an in-memory sink:

	sink := &measure.Recorder{}
	boot := fde.NewBoot(opts, sink, fakeRunner)
	_ = boot.BeforeSysroot(ctx)
	// assert sink.Events() == [load_config, fde_rootfs_hash]

# Measurement Ordering

Measurement strictly precedes the action it binds:

  - load_config is written before any key request, so the broker sees the
    measured configuration in the evidence
  - fde_rootfs_hash is written after verity verification, before anything
    mounts the verified device
  - initrd_switch_root is written after the overlay is assembled, before
    control returns

With an attestation agent present, a failed submission is fatal; with no
agent, measure.Select falls back to the nop sink, which logs a warning and
lets the stage continue.

# Design Patterns

Rewind Stack Pattern:
  - Stage one pushes a teardown step after every activation and unwinds
    them in LIFO order on any failure, so a half-built stack never
    survives into the next boot attempt

Idempotent Stage Pattern:
  - Stage-one mapper nodes that already exist are taken as done; the
    init system may re-run a stage after an emergency-shell excursion.
    Stage two does not check for existing mounts; it mounts afresh

Probe Read Pattern:
  - veritysetup open accepts any well-formed root hash; only reads detect
    a mismatch. Stage one forces a read through the fresh verity device
    and converts a failure into the fatal IntegrityError before anything
    is measured or mounted.

Fail-Closed Overlay Pattern:
  - A disk overlay whose data volume cannot be opened is fatal; silently
    booting on tmpfs would discard writes the owner expects to persist

# Integration Points

This package integrates with:

  - pkg/config: FDE config loading and the canonical hash that feeds
    load_config
  - pkg/measure: the event sink for all three boot measurements
  - pkg/keyprovider: rootfs and data passphrase resolution
  - pkg/block: LVM, LUKS, verity, mounts, mapper naming
  - pkg/controller: the system-volumes-auto-open stage reuses it inside
    the initrd
  - cmd/cryptpilot-fde: boot-service, show-reference-value, config dump

# Validation

  - Metadata must carry type = 1 and a non-empty hex root_hash (upper-case
    digits are accepted and normalized to lowercase)
  - The FDE config is validated on load (otp forbidden, known overlay
    values); stage two refuses to run without stage one's mapper nodes
    (InternalError)
  - ShowReferenceValue rejects unknown hash algorithms before touching
    the image

# Thread Safety

A Boot value is used by one boot stage at a time from a single goroutine;
nothing here is designed for concurrent use. The underlying volume-group
and mapper mutations are serialized by the init system's stage ordering.

# Performance Considerations

  - vgWaitTimeout (30s, 1s cadence) bounds waiting for a slow-settling
    disk; everything else is bounded by the caller's context
  - The first-boot lvextend and mkfs dominate first-boot latency; later
    boots skip both (NeedsGrow false, existing signature)
  - The probe read costs one 4KiB read through dm-verity

# See Also

  - pkg/measure for the event log contract
  - pkg/block for LvmMode and the verity primitives
  - DESIGN.md for the overlay fail-closed and probe-read decisions
*/
package fde
