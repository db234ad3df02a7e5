package keyprovider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/openanolis/cryptpilot/pkg/secret"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// execEnvWhitelist is the only environment passed to external key programs,
// plus the proxy variables when set. LC_ALL=C stabilizes tool output parsing.
var execEnvWhitelist = []string{"PATH", "http_proxy", "https_proxy", "no_proxy", "HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY"}

// execProvider obtains the passphrase from an external program's stdout.
// Stdout bytes pass through unmodified: no trimming, no decoding. A volume
// initialized with a trailing newline in the passphrase needs that same
// newline to open.
type execProvider struct {
	spec types.ExecSpec
	opts Options
}

func (p *execProvider) GetPassphrase(ctx context.Context) (*secret.Secret, error) {
	if p.spec.Command == "" {
		return nil, types.NewProviderError(types.ProviderMisconfigured,
			fmt.Errorf("exec key provider has no command"))
	}

	ctx, cancel := callContext(ctx, p.opts)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.spec.Command, p.spec.Args...)
	env := []string{"LC_ALL=C"}
	for _, key := range execEnvWhitelist {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewProviderError(types.ProviderTimeout,
				fmt.Errorf("key program %s timed out", p.spec.Command))
		}
		return nil, types.NewProviderError(types.ProviderExternalProgramFailed,
			fmt.Errorf("key program %s failed: %w (stderr: %s)", p.spec.Command, err, stderr.String()))
	}

	out := stdout.Bytes()
	buf := make([]byte, len(out))
	copy(buf, out)
	for i := range out {
		out[i] = 0
	}
	return secret.New(buf), nil
}

func (p *execProvider) Kind() string { return "exec" }

func (p *execProvider) Volatile() bool { return false }
