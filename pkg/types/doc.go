/*
Package types defines the core data structures used throughout cryptpilot.

This package contains the fundamental types of the encrypted-volume domain
model: volume configurations, the tagged key-provider descriptor, the FDE
two-volume layout, computed volume status values, and the error taxonomy.
All other packages depend on it; it depends on nothing but the standard
library.

# Architecture

The types package is the foundation of cryptpilot's data model:

	┌─────────────────────── DATA MODEL ────────────────────────┐
	│                                                            │
	│  ┌──────────────────┐        ┌───────────────────────┐   │
	│  │   VolumeConfig    │        │      FdeConfig        │   │
	│  │  - Volume (id)    │        │  - Rootfs (overlay,   │   │
	│  │  - Dev (underlay) │        │    optional encrypt)  │   │
	│  │  - AutoOpen       │        │  - Data (integrity,   │   │
	│  │  - MakeFs         │        │    encrypt)           │   │
	│  │  - Integrity      │        └──────────┬────────────┘   │
	│  │  - Encrypt ───────┼───────────────────┤                │
	│  └──────────────────┘                    │                │
	│                                          ▼                │
	│  ┌────────────────────────────────────────────────────┐  │
	│  │          KeyProviderDescriptor (tagged)             │  │
	│  │   exactly one non-nil:                              │  │
	│  │   Otp | Kbs | KmsAk | KmsOidc | Exec                │  │
	│  └────────────────────────────────────────────────────┘  │
	│                                                            │
	│  ┌────────────────────────────────────────────────────┐  │
	│  │                 Error Taxonomy                      │  │
	│  │  ConfigError  DeviceError  ProviderError(kind)      │  │
	│  │  IntegrityError  StateError  InternalError          │  │
	│  │  + sentinels (busy, name conflict, verity mismatch) │  │
	│  └────────────────────────────────────────────────────┘  │
	└────────────────────────────────────────────────────────────┘

# Core Types

Volume configuration:
  - VolumeConfig: one runtime data volume (underlay, makefs, integrity,
    auto_open, key provider). Immutable after load.
  - MakeFsType: none, ext4, xfs, vfat, swap
  - KeyProviderDescriptor: tagged variant; exactly one field is non-nil

Full-disk encryption:
  - FdeConfig: fixed rootfs + data layout
  - RwOverlayType: disk (persistent overlay upper) or ram (tmpfs)

State:
  - VolumeStatus: DeviceNotFound, CheckFailed, RequiresInit, ReadyToOpen,
    Opened. Computed, never persisted: the on-disk LUKS2 header and the
    live device-mapper table are the only sources of truth.

Errors:
  - ConfigError, DeviceError (device path + last mapper step),
    ProviderError (classified ProviderErrorKind), IntegrityError,
    StateError, InternalError
  - Sentinels: ErrDeviceNameConflict, ErrDeviceBusy, ErrVerityMismatch

# Usage

Building a volume configuration:

	cfg := &types.VolumeConfig{
		Volume:    "data0",
		Dev:       "/dev/nvme1n1",
		AutoOpen:  true,
		MakeFs:    types.MakeFsExt4,
		Integrity: true,
		Encrypt: types.KeyProviderDescriptor{
			Kbs: &types.KbsDescriptor{
				Url:    "https://kbs.example.com:8080",
				KeyUri: "default/volumes/data0",
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Classifying an error at the CLI boundary:

	if err := vol.Open(ctx); err != nil {
		if types.IsKeyRejected(err) {
			// wrong key: surface immediately, never retry
		}
		os.Exit(types.ExitCode(err))
	}

Branching on a provider failure kind:

	if kind, ok := types.ProviderKind(err); ok {
		switch kind {
		case types.ProviderNetworkError:
			// transient, already retried inside the provider
		case types.ProviderAttestationRejected:
			// permanent, fatal during FDE boot
		}
	}

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type VolumeStatus string
	  const (
	      StatusRequiresInit VolumeStatus = "requires_init"
	      StatusReadyToOpen  VolumeStatus = "ready_to_open"
	  )

Tagged Variant Pattern:

	KeyProviderDescriptor replaces interface dispatch with one struct of
	variant pointers; Validate enforces exactly one set, Kind names it.
	Serialization (TOML/JSON) falls out of the struct tags directly.

Optional Fields:

	Optional configuration uses pointers:
	  - FdeRootfsConfig.Encrypt: nil = plaintext rootfs LV
	  - Descriptor variants: nil = variant not selected

Error Wrapping:

	Every taxonomy type supports errors.As/errors.Is through Unwrap and
	sentinel wrapping, so callers classify without string matching.

# Integration Points

This package integrates with:

  - pkg/config: decodes TOML files into these types and validates them
  - pkg/keyprovider: dispatches on KeyProviderDescriptor variants
  - pkg/block: returns DeviceError/IntegrityError with device context
  - pkg/volume: drives the VolumeStatus state machine, returns StateError
  - pkg/fde: consumes FdeConfig, returns IntegrityError on verity mismatch
  - pkg/controller: aggregates per-volume errors, reports VolumeStatus
  - cmd/cryptpilot, cmd/cryptpilot-fde: map errors to exit codes

# Validation

Key validation rules:

Volumes:
  - Volume id must be non-empty (it is also the mapper node name)
  - Dev must be an absolute path
  - MakeFs must be a recognized value
  - Exactly one key provider variant must be configured

FDE:
  - rw_overlay must be disk or ram (empty defaults to disk)
  - Otp is forbidden for both FDE volumes: a key that changes on every
    boot cannot unlock persistent data

Exit codes (ExitCode):
  - 0 success, 1 config, 2 provider, 3 device/state, 4 attestation/verity

# Thread Safety

All types in this package are plain data:
  - Read-safe: can be read concurrently from multiple goroutines
  - Write-unsafe: mutations must be synchronized by callers
  - Configs are treated as immutable after load; nothing in the engine
    mutates a VolumeConfig or FdeConfig once constructed

# Performance Considerations

  - Types are small; they are passed by pointer for identity, not size
  - Validation walks fixed-size structs, no allocation beyond error values
  - JSON serialization of FdeConfig feeds the canonical config hash; field
    tags (omitempty on optionals) are part of that stable contract and
    must not change casually

# See Also

  - pkg/config for loading, validation entry points and canonical hashing
  - pkg/volume for the state machine over VolumeStatus
  - pkg/keyprovider for per-variant provider contracts
  - SPEC_FULL.md for the error taxonomy and the exit-code mapping
*/
package types
