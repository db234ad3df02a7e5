package keyprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openanolis/cryptpilot/pkg/types"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantKind types.ProviderErrorKind
		wantOK   bool
	}{
		{name: "200 ok", code: 200, wantOK: true},
		{name: "201 ok", code: 201, wantOK: true},
		{name: "401 rejected", code: 401, wantKind: types.ProviderAttestationRejected},
		{name: "403 rejected", code: 403, wantKind: types.ProviderAttestationRejected},
		{name: "404 rejected", code: 404, wantKind: types.ProviderAttestationRejected},
		{name: "408 transient", code: 408, wantKind: types.ProviderNetworkError},
		{name: "429 transient", code: 429, wantKind: types.ProviderNetworkError},
		{name: "500 network", code: 500, wantKind: types.ProviderNetworkError},
		{name: "503 network", code: 503, wantKind: types.ProviderNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(tt.code, "attest")
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			kind, ok := types.ProviderKind(err)
			assert.True(t, ok)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestKbsAttest(t *testing.T) {
	var gotPath, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"token":"session-token"}`))
	}))
	defer server.Close()

	p, err := newKbsProvider(types.KbsDescriptor{
		Url:    server.URL,
		KeyUri: "default/volumes/data0",
	}, Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("newKbsProvider() error = %v", err)
	}

	token, err := p.attest(context.Background(), []byte("evidence"))
	if err != nil {
		t.Fatalf("attest() error = %v", err)
	}

	assert.Equal(t, "session-token", token)
	assert.Equal(t, "/kbs/v0/attest", gotPath)
	assert.Equal(t, "application/json", gotContentType)
}

func TestKbsAttestRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "evidence verification failed", http.StatusUnauthorized)
	}))
	defer server.Close()

	p, err := newKbsProvider(types.KbsDescriptor{
		Url:    server.URL,
		KeyUri: "default/volumes/data0",
	}, Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("newKbsProvider() error = %v", err)
	}

	_, err = p.attest(context.Background(), []byte("evidence"))
	kind, ok := types.ProviderKind(err)
	assert.True(t, ok)
	assert.Equal(t, types.ProviderAttestationRejected, kind)
}

func TestKbsFetchResource(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("wrapped-key-blob"))
	}))
	defer server.Close()

	p, err := newKbsProvider(types.KbsDescriptor{
		Url:    server.URL,
		KeyUri: "default/volumes/data0",
	}, Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("newKbsProvider() error = %v", err)
	}

	blob, err := p.fetchResource(context.Background(), "session-token")
	if err != nil {
		t.Fatalf("fetchResource() error = %v", err)
	}

	assert.Equal(t, []byte("wrapped-key-blob"), blob)
	assert.Equal(t, "/kbs/v0/resource/default/volumes/data0", gotPath)
	assert.Equal(t, "Bearer session-token", gotAuth)
}

func TestNewKbsProviderRejectsBadRootCert(t *testing.T) {
	_, err := newKbsProvider(types.KbsDescriptor{
		Url:      "https://kbs.example.com",
		KeyUri:   "default/x",
		RootCert: "not a pem",
	}, Options{})

	var ce *types.ConfigError
	assert.ErrorAs(t, err, &ce)
}
