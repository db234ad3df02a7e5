package keyprovider

import (
	"context"
	"fmt"

	"github.com/openanolis/cryptpilot/pkg/secret"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// otpPassphraseLen is the length of a one-time passphrase in bytes.
const otpPassphraseLen = 32

// otpProvider produces a fresh random passphrase on every call. The result
// is never cached and never recoverable: a volume keyed by it is wiped on
// every open.
type otpProvider struct{}

func (p *otpProvider) GetPassphrase(ctx context.Context) (*secret.Secret, error) {
	s, err := secret.Random(otpPassphraseLen)
	if err != nil {
		return nil, types.NewProviderError(types.ProviderMisconfigured,
			fmt.Errorf("system random source unavailable: %w", err))
	}
	return s, nil
}

func (p *otpProvider) Kind() string { return "otp" }

func (p *otpProvider) Volatile() bool { return true }
