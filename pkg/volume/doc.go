/*
Package volume implements the per-volume lifecycle state machine.

Each configured volume moves through computed states; nothing is persisted
by the engine itself. The on-disk LUKS2 header is the authoritative
"initialized" signal, the live device-mapper table the authoritative
"opened" signal.

# Architecture

	            discover
	   start ─────────────▶ { DeviceNotFound | CheckFailed
	                        | RequiresInit   | ReadyToOpen
	                        | Opened }

	 RequiresInit ── init ──▶ ReadyToOpen
	 ReadyToOpen  ── open ──▶ Opened
	 Opened       ── close ─▶ ReadyToOpen

	┌────────────────── ONE VOLUME, ONE OPERATION ──────────────┐
	│                                                            │
	│  lock(name) ─▶ discover ─▶ provider.GetPassphrase          │
	│                    │                │                      │
	│                    │                ▼                      │
	│                    │     block.LuksCheckPassphrase         │
	│                    │     block.LuksFormat / LuksActivate   │
	│                    │     block.UdevSettle / MakeFs         │
	│                    ▼                │                      │
	│              StateError      rewind on failure             │
	│                              (deactivate stack, LIFO)      │
	└────────────────────────────────────────────────────────────┘

# Core Components

Volume:
  - One orchestrator per configured volume; holds the immutable config,
    its key provider and a Runner — no state of its own

Discover:
  - Side-effect free and idempotent: two consecutive calls without
    intervening operations return the same state
  - A mapper node carrying the volume's name but backed by a different
    underlay is a name conflict (ErrDeviceNameConflict), not Opened
  - Volatile (otp) volumes are always ReadyToOpen: they have no
    initialized notion, every open reformats

Init:
  - Refused unless RequiresInit; formats integrity-beneath-LUKS2 when
    configured, then optionally creates the file system through a
    temporary private mapping that is closed on every exit path

Open:
  - Validates the passphrase against the header before any activation, so
    a wrong key rejects cleanly (KeyRejected) with nothing to rewind
  - Activates integrity first and crypt on top (enforced by
    libcryptsetup for LUKS2 authenticated encryption), settles udev, and
    formats the plaintext on first boot when empty
  - A failure after activation deactivates the stack before returning

Close:
  - Idempotent; refused with ErrDeviceBusy while the plaintext device is
    mounted; deactivates crypt before integrity (LIFO)

# Usage

Driving one volume end to end:

	provider, err := keyprovider.New(cfg.Encrypt, keyprovider.Options{})
	if err != nil {
		return err
	}
	vol := volume.New(cfg, provider, &block.ExecRunner{})

	status, err := vol.Discover()
	if err != nil {
		return err
	}
	if status == types.StatusRequiresInit {
		if err := vol.Init(ctx); err != nil {
			return err
		}
	}
	if err := vol.Open(ctx); err != nil {
		return err
	}
	// plaintext device at cfg.MapperPath()
	defer vol.Close(ctx)

# Design Patterns

State-From-Disk Pattern:
  - No state files, no database: status is recomputed from the header and
    the dm table, so crashes cannot leave stale bookkeeping behind

Check-Before-Activate Pattern:
  - LuksCheckPassphrase runs in libcryptsetup's check mode (no device
    name), making key rejection a clean pre-activation failure

Rewind Pattern:
  - Operations are transaction-like: a failure after partial activation
    deactivates what was activated, in reverse order, before returning

Keyed Mutex Pattern:
  - lockName serializes operations per mapper name via an in-process
    sync.Map of mutexes; the device-mapper subsystem is global kernel
    state and two operations on one name must never interleave

# Integration Points

This package integrates with:

  - pkg/block: all device work (probe, format, activate, settle, mkfs)
  - pkg/keyprovider: passphrase resolution and the Volatile contract
  - pkg/secret: passphrases are zeroized on every path out
  - pkg/types: statuses in, StateError/DeviceError/KeyRejected out
  - pkg/controller: fan-out open, status reporting, provider checks
  - cmd/cryptpilot: init/open/close/show commands

# Validation

  - Init refuses any state but RequiresInit; Open refuses RequiresInit
    and DeviceNotFound; Close of a closed volume succeeds
  - makefs formats only an empty plaintext device; an existing signature
    of the requested type is skipped at info level, any other signature
    is a refusal (DeviceError)

# Thread Safety

All public operations take the per-name lock for their full duration,
including the provider call. Operations on distinct volumes proceed
concurrently (the controller opens volumes in parallel); operations on one
volume serialize. Discover alone is lock-free and read-only.

# Performance Considerations

  - OpTimeout (300s) bounds one operation end to end, provider included
  - The provider call dominates open latency (network, attestation); the
    KDF dominates init latency — both are outside this package's control
  - Integrity formatting writes the whole integrity metadata area; first
    init of a large integrity volume is expected to take minutes

# See Also

  - pkg/block for the primitive contracts
  - pkg/controller for set-level orchestration
  - pkg/fde for the boot-time counterpart of this choreography
  - DESIGN.md for the otp + makefs=swap + integrity decision record
*/
package volume
