package keyprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/ipc"
	"github.com/openanolis/cryptpilot/pkg/secret"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// kmsProvider delegates key release to the confidential data hub, which runs
// the cloud KMS plugin inside the guest. Exactly one of ak/oidc is set.
type kmsProvider struct {
	ak   *types.KmsAkDescriptor
	oidc *types.KmsOidcDescriptor
	opts Options
}

// sealedEnvelope is the vault descriptor handed to the data hub. The hub
// resolves it to plaintext through its KMS plugin; cryptpilot treats the
// schema as a stable wire contract, not as semantics it owns.
type sealedEnvelope struct {
	Version          string            `json:"version"`
	Type             string            `json:"type"`
	Provider         string            `json:"provider"`
	ProviderSettings map[string]string `json:"provider_settings"`
	Annotations      map[string]string `json:"annotations,omitempty"`
}

func (p *kmsProvider) GetPassphrase(ctx context.Context) (*secret.Secret, error) {
	ctx, cancel := callContext(ctx, p.opts)
	defer cancel()

	envelope, err := p.buildEnvelope(ctx)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = withRetry(ctx, func() error {
		cdh, err := ipc.DialCDH(p.opts.CDHSocket)
		if err != nil {
			return types.NewProviderError(types.ProviderNetworkError, err)
		}
		defer cdh.Close()

		out, err := cdh.UnsealSecret(ctx, envelope)
		if err != nil {
			return types.NewProviderError(types.ProviderNetworkError,
				fmt.Errorf("kms key release failed: %w", err))
		}
		plaintext = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret.New(plaintext), nil
}

func (p *kmsProvider) buildEnvelope(ctx context.Context) (string, error) {
	env := sealedEnvelope{
		Version:  kbsProtocolVersion,
		Type:     "vault",
		Provider: "kms",
	}
	switch {
	case p.ak != nil:
		if p.ak.InstanceId == "" || p.ak.ClientKeyId == "" {
			return "", &types.ConfigError{Reason: "kms key provider requires kms_instance_id and client_key_id"}
		}
		env.ProviderSettings = map[string]string{
			"kms_instance_id": p.ak.InstanceId,
			"client_key_id":   p.ak.ClientKeyId,
		}
		env.Annotations = map[string]string{
			"client_key_password_ref": p.ak.ClientKeyPasswordRef,
		}
	case p.oidc != nil:
		if p.oidc.InstanceId == "" {
			return "", &types.ConfigError{Reason: "oidc key provider requires kms_instance_id"}
		}
		token, err := p.fetchToken(ctx)
		if err != nil {
			return "", err
		}
		env.ProviderSettings = map[string]string{
			"kms_instance_id": p.oidc.InstanceId,
		}
		env.Annotations = map[string]string{
			"client_key_password_ref": p.oidc.ClientKeyPasswordRef,
			"oidc_token":              token,
		}
	default:
		return "", &types.InternalError{Reason: "kms provider without descriptor"}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", types.NewProviderError(types.ProviderMisconfigured, err)
	}
	return string(raw), nil
}

// fetchToken runs the configured token source and returns its stdout as the
// OIDC token. Unlike volume passphrases, tokens are line-oriented text, so
// surrounding whitespace is stripped.
func (p *kmsProvider) fetchToken(ctx context.Context) (string, error) {
	ep := &execProvider{spec: p.oidc.TokenSource, opts: p.opts}
	out, err := ep.GetPassphrase(ctx)
	if err != nil {
		return "", err
	}
	defer out.Zero()
	return strings.TrimSpace(string(out.Bytes())), nil
}

func (p *kmsProvider) Kind() string {
	if p.oidc != nil {
		return "oidc"
	}
	return "kms"
}

func (p *kmsProvider) Volatile() bool { return false }
