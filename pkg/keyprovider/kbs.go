package keyprovider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/ipc"
	"github.com/openanolis/cryptpilot/pkg/secret"
	"github.com/openanolis/cryptpilot/pkg/types"
)

const kbsProtocolVersion = "0.1.0"

// kbsProvider fetches a wrapped key from a Key Broker Service. The attestation
// agent supplies the TEE evidence bundle; the broker releases the key only if
// the evidence verifies; the confidential data hub unwraps the result with the
// TEE-local key. cryptpilot never holds the unwrapping key itself.
type kbsProvider struct {
	desc   types.KbsDescriptor
	opts   Options
	client *http.Client
}

func newKbsProvider(desc types.KbsDescriptor, opts Options) (*kbsProvider, error) {
	if desc.Url == "" || desc.KeyUri == "" {
		return nil, &types.ConfigError{Reason: "kbs key provider requires url and key_uri"}
	}
	if _, err := url.Parse(desc.Url); err != nil {
		return nil, &types.ConfigError{Reason: fmt.Sprintf("invalid kbs url %q: %v", desc.Url, err)}
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if desc.RootCert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(desc.RootCert)) {
			return nil, &types.ConfigError{Reason: "kbs_root_cert contains no usable PEM certificate"}
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &kbsProvider{
		desc:   desc,
		opts:   opts,
		client: &http.Client{Transport: transport},
	}, nil
}

func (p *kbsProvider) GetPassphrase(ctx context.Context) (*secret.Secret, error) {
	ctx, cancel := callContext(ctx, p.opts)
	defer cancel()

	var plaintext []byte
	err := withRetry(ctx, func() error {
		key, err := p.fetchOnce(ctx)
		if err != nil {
			return err
		}
		plaintext = key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret.New(plaintext), nil
}

func (p *kbsProvider) fetchOnce(ctx context.Context) ([]byte, error) {
	aa, err := ipc.DialAA(p.opts.AASocket)
	if err != nil {
		return nil, types.NewProviderError(types.ProviderNetworkError, err)
	}
	defer aa.Close()

	// The evidence binds the requested key so the broker sees what is being
	// asked for, not just that some TEE asked.
	binding := sha256.Sum256([]byte(p.desc.KeyUri))
	evidence, err := aa.GetEvidence(ctx, binding[:])
	if err != nil {
		return nil, types.NewProviderError(types.ProviderNetworkError, err)
	}

	token, err := p.attest(ctx, evidence)
	if err != nil {
		return nil, err
	}

	wrapped, err := p.fetchResource(ctx, token)
	if err != nil {
		return nil, err
	}

	cdh, err := ipc.DialCDH(p.opts.CDHSocket)
	if err != nil {
		return nil, types.NewProviderError(types.ProviderNetworkError, err)
	}
	defer cdh.Close()

	plaintext, err := cdh.UnwrapKey(ctx, wrapped)
	if err != nil {
		return nil, types.NewProviderError(types.ProviderAttestationRejected,
			fmt.Errorf("wrapped key could not be unwrapped by the TEE: %w", err))
	}
	return plaintext, nil
}

// attest posts the evidence bundle and returns the session token.
func (p *kbsProvider) attest(ctx context.Context, evidence []byte) (string, error) {
	body, err := json.Marshal(map[string]any{
		"version":      kbsProtocolVersion,
		"tee-evidence": base64.StdEncoding.EncodeToString(evidence),
	})
	if err != nil {
		return "", types.NewProviderError(types.ProviderMisconfigured, err)
	}

	endpoint := strings.TrimRight(p.desc.Url, "/") + "/kbs/v0/attest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", types.NewProviderError(types.ProviderMisconfigured, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", types.NewProviderError(types.ProviderNetworkError,
			fmt.Errorf("kbs attest request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "attest"); err != nil {
		return "", err
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", types.NewProviderError(types.ProviderNetworkError, err)
	}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &parsed); err == nil && parsed.Token != "" {
		return parsed.Token, nil
	}
	return strings.TrimSpace(string(payload)), nil
}

// fetchResource retrieves the wrapped key released for the attested session.
func (p *kbsProvider) fetchResource(ctx context.Context, token string) ([]byte, error) {
	endpoint := strings.TrimRight(p.desc.Url, "/") + "/kbs/v0/resource/" + strings.TrimLeft(p.desc.KeyUri, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewProviderError(types.ProviderMisconfigured, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.NewProviderError(types.ProviderNetworkError,
			fmt.Errorf("kbs resource request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "resource"); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// classifyStatus maps KBS HTTP status codes onto the provider error kinds:
// 408 and 429 are transient, any other 4xx is an attestation rejection,
// 5xx is a network-class failure.
func classifyStatus(code int, phase string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return types.NewProviderError(types.ProviderNetworkError,
			fmt.Errorf("kbs %s returned transient status %d", phase, code))
	case code >= 400 && code < 500:
		return types.NewProviderError(types.ProviderAttestationRejected,
			fmt.Errorf("kbs %s rejected the request with status %d", phase, code))
	default:
		return types.NewProviderError(types.ProviderNetworkError,
			fmt.Errorf("kbs %s returned status %d", phase, code))
	}
}

func (p *kbsProvider) Kind() string { return "kbs" }

func (p *kbsProvider) Volatile() bool { return false }
