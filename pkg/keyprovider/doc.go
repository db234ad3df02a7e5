/*
Package keyprovider resolves key provider descriptors to volume passphrases.

A descriptor names one of five variants; New returns the matching Provider.
Providers are stateless, bounded by a per-call timeout, and return owned
secret buffers that the caller zeroizes.

# Architecture

	┌────────────────── KEY PROVIDER PLANE ─────────────────────┐
	│                                                            │
	│   KeyProviderDescriptor ──▶ New() ──▶ Provider             │
	│                                                            │
	│  ┌─────────┐  32 random bytes, fresh every call            │
	│  │   otp   │  (volume is reformatted on every open)        │
	│  └─────────┘                                               │
	│  ┌─────────┐  spawn program, whitelisted env,              │
	│  │  exec   │  stdout verbatim (no trimming)                │
	│  └─────────┘                                               │
	│  ┌─────────┐  AA GetEvidence ─▶ POST /kbs/v0/attest        │
	│  │   kbs   │  ─▶ GET /kbs/v0/resource/<uri>                │
	│  └─────────┘  ─▶ CDH UnWrapKey (TEE-local key)             │
	│  ┌─────────┐                                               │
	│  │   kms   │  CDH UnsealSecret(sealed envelope)            │
	│  └─────────┘                                               │
	│  ┌─────────┐  run token_source ─▶ OIDC token               │
	│  │  oidc   │  ─▶ CDH UnsealSecret(envelope + token)        │
	│  └─────────┘                                               │
	│                                                            │
	│  retry: backoff 1s ×2 cap 30s, 5 attempts,                 │
	│  network-class errors only                                 │
	└────────────────────────────────────────────────────────────┘

# Core Components

Provider interface:
  - GetPassphrase(ctx) (*secret.Secret, error)
  - Kind() string for logging
  - Volatile() bool: true only for otp; a volatile provider has no
    "initialized" persistence, every open reformats

Options:
  - AASocket, CDHSocket: unix socket overrides for the local agents
  - Timeout: per-call bound, DefaultTimeout (120s) when zero

Retry policy (withRetry):
  - Exponential backoff: initial 1s, factor 2, cap 30s, max 5 attempts
  - Retried: ProviderNetworkError only (includes HTTP 408/429/5xx)
  - Permanent: AttestationRejected, KeyRejected, Misconfigured,
    ExternalProgramFailed
  - Retry state is local to each call; no circuit breaker, because
    boot-time correctness must not depend on process history

# Usage

Resolving a descriptor and fetching a passphrase:

	provider, err := keyprovider.New(cfg.Encrypt, keyprovider.Options{})
	if err != nil {
		return err
	}
	passphrase, err := provider.GetPassphrase(ctx)
	if err != nil {
		return err
	}
	defer passphrase.Zero()

Branching on volatility (the state machine does this):

	if provider.Volatile() {
		// no initialized notion: reformat on every open
	}

Classifying a failure:

	if kind, ok := types.ProviderKind(err); ok && kind == types.ProviderAttestationRejected {
		// fatal during FDE boot, never retried
	}

# Design Patterns

Registry Dispatch:
  - New switches on the single non-nil descriptor variant and returns the
    concrete provider; no interface registration, no globals

Verbatim Secret Pattern:
  - exec stdout passes through unmodified — no trimming, no decoding; a
    trailing newline is part of the passphrase. The OIDC token source is
    the deliberate exception: tokens are line-oriented text and trimmed.

Local Retry Pattern:
  - withRetry wraps one logical fetch; permanent failures are marked with
    backoff.Permanent so they surface on the first attempt

Opaque Reference Pattern:
  - client_key_password_ref is never dereferenced here; it rides to the
    confidential data hub inside the sealed envelope, and the hub resolves
    it against its secret backend

# Integration Points

This package integrates with:

  - pkg/ipc: gRPC clients for the attestation agent (evidence) and the
    confidential data hub (unseal/unwrap)
  - pkg/secret: every passphrase is an owned zeroizing buffer
  - pkg/types: descriptor variants in, ProviderError kinds out
  - pkg/volume: obtains passphrases for init/open, maps key mismatch to
    KeyRejected
  - pkg/fde: unlocks the rootfs and data volumes during stage one
  - pkg/controller: Check verifies providers still unlock their volumes

# Validation

  - New rejects descriptors with zero or more than one variant
  - kbs requires url (parseable) and key_uri; an unusable kbs_root_cert
    PEM is a ConfigError at construction, not at fetch time
  - kms requires kms_instance_id (+ client_key_id for the ak variant)
  - exec requires a command; a missing command is Misconfigured

# Thread Safety

Providers hold only immutable descriptor data and an http.Client (itself
safe for concurrent use). Concurrent GetPassphrase calls for distinct
volumes are independent by design; nothing is cached between calls.

# Performance Considerations

  - otp is a single read from the system RNG
  - kbs performs one evidence fetch and two HTTP round trips per attempt;
    the backoff schedule bounds the worst case at five attempts with
    15 seconds of waiting between them (1s, 2s, 4s, 8s)
  - HTTP(S) proxies are honored from the environment (ProxyFromEnvironment),
    and TLS is pinned to kbs_root_cert when supplied

# See Also

  - pkg/ipc for the wire-level agent contracts
  - pkg/secret for buffer ownership rules
  - DESIGN.md for the KBS status-code mapping decision
*/
package keyprovider
