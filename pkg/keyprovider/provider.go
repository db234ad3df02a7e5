package keyprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openanolis/cryptpilot/pkg/secret"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// Provider resolves a key provider descriptor to a passphrase. Providers are
// stateless; concurrent calls for distinct volumes are independent. Callers
// own the returned Secret and must Zero it.
type Provider interface {
	// GetPassphrase produces the volume passphrase.
	GetPassphrase(ctx context.Context) (*secret.Secret, error)

	// Kind names the provider variant for logging.
	Kind() string

	// Volatile reports whether the passphrase changes on every call. A
	// volatile provider has no "initialized" persistence: every open
	// reformats the volume.
	Volatile() bool
}

// Options carry process-wide provider plumbing.
type Options struct {
	// AASocket overrides the attestation agent socket path.
	AASocket string
	// CDHSocket overrides the confidential data hub socket path.
	CDHSocket string
	// Timeout bounds a single GetPassphrase call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds one provider call.
const DefaultTimeout = 120 * time.Second

const (
	retryInitialInterval = 1 * time.Second
	retryMultiplier      = 2
	retryMaxInterval     = 30 * time.Second
	retryMaxAttempts     = 5
)

// New builds the provider for a descriptor.
func New(desc types.KeyProviderDescriptor, opts Options) (Provider, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	switch {
	case desc.Otp != nil:
		return &otpProvider{}, nil
	case desc.Exec != nil:
		return &execProvider{spec: *desc.Exec, opts: opts}, nil
	case desc.Kbs != nil:
		return newKbsProvider(*desc.Kbs, opts)
	case desc.KmsAk != nil:
		return &kmsProvider{ak: desc.KmsAk, opts: opts}, nil
	case desc.KmsOidc != nil:
		return &kmsProvider{oidc: desc.KmsOidc, opts: opts}, nil
	}
	return nil, &types.ConfigError{Reason: "no key provider configured"}
}

// callContext applies the per-call timeout.
func callContext(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opts.Timeout)
}

// withRetry runs op under the provider retry policy: exponential backoff on
// network errors only. Attestation rejections, key rejections and
// misconfiguration surface immediately. Retry state is local to the call.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if kind, ok := types.ProviderKind(err); ok && kind == types.ProviderNetworkError {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(policy, retryMaxAttempts-1), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if err != nil && ctx.Err() != nil {
		return types.NewProviderError(types.ProviderTimeout, fmt.Errorf("provider call canceled: %w", err))
	}
	return err
}
