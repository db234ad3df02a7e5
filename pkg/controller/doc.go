/*
Package controller manages the configured runtime volumes as a set.

The controller is what the system manager service runs at startup: it scans
the volume configuration directory, selects the volumes marked auto_open,
and opens them concurrently with a bounded fan-out. A failing volume never
aborts the others.

# Architecture

	┌──────────────────── GLOBAL CONTROLLER ────────────────────┐
	│                                                            │
	│  config dir ──▶ LoadVolumeDir (sorted, duplicate-checked)  │
	│                        │                                   │
	│          ┌─────────────┼──────────────┐                    │
	│          ▼             ▼              ▼                    │
	│      AutoOpen        Show           Check                  │
	│          │             │              │                    │
	│  errgroup.SetLimit  Discover     validate +                │
	│  (bounded fan-out)  per volume   LuksCheckPassphrase       │
	│          │          (no side     per provider              │
	│          ▼           effects)        │                     │
	│  wait for underlay                   ▼                     │
	│  (30s poll) ─▶ open    aggregate failures (errors.Join),   │
	│                        exit status is the disjunction      │
	└────────────────────────────────────────────────────────────┘

# Core Components

Controller:
  - Bound to one configuration directory, one Runner and one set of
    provider options; DefaultConcurrency (4) caps the fan-out

AutoOpen:
  - Opens every auto_open volume concurrently; per-volume failures are
    logged, collected and returned together — all volumes are attempted

Show:
  - Computes each volume's VolumeStatus with no side effects; Report rows
    carry volume, dev, status and an optional error string, JSON-ready

Check:
  - Validates the configuration set; unless skipPassphrase is set, also
    confirms each provider still yields a key that unlocks its volume's
    LUKS header (check mode, nothing is activated). Volumes that are not
    initialized yet, and otp volumes, are skipped.

Device waiting:
  - Underlays may appear after service start (hotplug, late udev); each
    missing underlay is polled for DeviceWaitTimeout (30s) at a 1s
    cadence before being declared absent

# Usage

Service startup (the auto-open command):

	c := controller.New(config.VolumeDir(config.DefaultDir),
		&block.ExecRunner{}, keyprovider.Options{})
	if err := c.AutoOpen(ctx); err != nil {
		// one line per failed volume; exit non-zero
		return err
	}

Status for operators:

	reports, err := c.Show(nil) // all volumes
	for _, r := range reports {
		fmt.Printf("%s\t%s\t%s\n", r.Volume, r.Dev, r.Status)
	}

Configuration checking:

	if err := c.Check(ctx, false); err != nil {
		return err // aggregated, one entry per failing volume
	}

Tests tune the poll to keep missing-device cases fast:

	c.SetDeviceWait(100*time.Millisecond, 10*time.Millisecond)

# Design Patterns

Bounded Fan-Out Pattern:
  - errgroup with SetLimit caps concurrent opens; each goroutine returns
    nil and records its failure, so one bad volume never cancels the rest

Aggregate Error Pattern:
  - Failures are joined (errors.Join) and returned as one error whose
    text names every failed volume; the CLI exit is the disjunction

Read-Only Reporting Pattern:
  - Show and Check go through Discover and the passphrase check mode
    only; neither ever activates, formats or mounts anything

# Integration Points

This package integrates with:

  - pkg/config: volume-directory loading and duplicate-ID rejection
  - pkg/volume: one state-machine instance per configured volume
  - pkg/keyprovider: provider construction and Check's key verification
  - pkg/block: WaitForDevice polling and the passphrase check primitive
  - cmd/cryptpilot: auto-open, show and config check commands
  - cmd/cryptpilot-fde: the system-volumes-auto-open boot stage

# Validation

  - Load rejects unknown volume IDs when an explicit selection is given
  - Configuration errors (duplicates, bad descriptors) surface before any
    device is touched
  - Check treats a provider that no longer unlocks its volume as a
    failure even though the volume itself is healthy

# Thread Safety

AutoOpen is safe as a whole: the failure slice is mutex-guarded and the
per-volume serialization lives in pkg/volume's keyed mutex. A Controller
value itself is intended for one call at a time from one goroutine (the
oneshot CLI); Show and Check are read-only and reentrant.

# Performance Considerations

  - Worst-case AutoOpen latency is dominated by absent underlays: each
    missing device waits the full 30s poll; present devices proceed
    immediately and in parallel
  - Concurrency is capped at DefaultConcurrency because provider calls
    (network attestation) parallelize well but device-mapper mutations
    contend in the kernel

# See Also

  - pkg/volume for the per-volume operation semantics
  - pkg/config for directory layout and file format
  - cmd/cryptpilot for the command wiring and exit codes
*/
package controller
