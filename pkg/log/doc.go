/*
Package log provides structured logging for cryptpilot using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with contextual child loggers, configurable log levels, and helper functions
for common logging patterns. Console output is the default for interactive
use; JSON output is available for machine consumption.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - CRYPTPILOT_LOG_LEVEL env override        │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stderr, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Context Loggers                    │          │
	│  │  - WithComponent("block")                   │          │
	│  │  - WithVolume("data0")                      │          │
	│  │  - WithStage("before-sysroot")              │          │
	│  │  - WithDevice("/dev/nvme1n1")               │          │
	│  └────────────────────────────────────────────┘          │
	└───────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init(), usually from cobra.OnInitialize
  - Accessible from all cryptpilot packages

Log Levels:
  - Debug: per-command exec traces, claim races, skipped measurements
  - Info: state transitions (volume opened, stage complete)
  - Warn: degraded-but-continuing conditions (no attestation agent)
  - Error: failed operations and failed rewinds
  - Fatal: unrecoverable startup errors (exits the process)

Configuration:
  - Level: filter messages below threshold; the CRYPTPILOT_LOG_LEVEL
    environment variable overrides it, which matters inside the initrd
    where the boot service has no flags to speak of
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer destination, stderr when nil

# Usage

Initializing the logger (done by the cmd entry points):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
	})

Simple logging:

	log.Info("auto-open complete")
	log.Warn("no attestation agent available")

Structured logging with context:

	logger := log.WithVolume("data0")
	logger.Info().Str("dev", cfg.Dev).Msg("opening volume")
	logger.Error().Err(err).Msg("auto-open failed")

Boot-stage logging:

	logger := log.WithStage("before-sysroot")
	logger.Info().Str("root_hash", hash).Msg("rootfs verified")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at process start
  - Accessible without threading a logger through every call

Context Logger Pattern:
  - Child loggers carry a fixed field (volume, stage, device, component)
  - Every line from one volume operation is attributable to that volume

Structured Logging Pattern:
  - Typed fields (.Str, .Bool, .Uint64, .Err) instead of interpolation
  - Parseable by log aggregation, greppable on the console

# Integration Points

This package integrates with:

  - pkg/block: debug-logs every external command, warns on busy unmounts
  - pkg/volume: logs state transitions per volume
  - pkg/fde: logs boot-stage progress to the kernel-visible console
  - pkg/controller: logs per-volume auto-open failures
  - pkg/measure: warns once when measurements are skipped
  - cmd/cryptpilot, cmd/cryptpilot-fde: initialize from CLI flags

# Validation

Level strings outside debug/info/warn/error silently fall back to info;
an unset Output falls back to stderr. There is nothing else to validate:
misconfigured logging must never prevent a volume from opening.

# Thread Safety

zerolog loggers are safe for concurrent use; child loggers are values and
may be created freely from any goroutine. Init is not synchronized and must
be called once, before the first goroutine that logs is started (the cmd
entry points do this via cobra.OnInitialize).

# Performance Considerations

  - Disabled levels short-circuit before formatting (zerolog design)
  - The hot paths here are seconds-long device operations; logging cost is
    never the bottleneck in this codebase
  - Console format is the default because both binaries are oneshot tools
    read by humans and by the journal

# Security

Passphrases and key material must never reach this package. Secret-bearing
values live in pkg/secret and redact themselves; call sites log device
paths, volume IDs and provider kinds only, at every level including debug.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - pkg/secret for the redaction contract
  - cmd/cryptpilot for flag-to-Config wiring
*/
package log
