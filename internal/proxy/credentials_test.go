package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HailBahafi/KeyGuard-sub002/internal/config"
)

func TestEnvCredentials(t *testing.T) {
	t.Setenv("KEYGUARD_PROVIDER_OPENAI", " sk-env \n")
	t.Setenv("KEYGUARD_PROVIDER_AZURE_PROD", "az")

	c := NewEnvCredentials("KEYGUARD_PROVIDER_")

	v, err := c.Credential(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", v)

	v, err = c.Credential(context.Background(), "azure-prod")
	require.NoError(t, err)
	assert.Equal(t, "az", v)

	_, err = c.Credential(context.Background(), "google")
	assert.Error(t, err)
}

func TestOpenBaoCredentials(t *testing.T) {
	var reads atomic.Int32
	var fail atomic.Bool
	bao := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/kv/data/keyguard/providers" || r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		assert.Equal(t, "team-a", r.Header.Get("X-Vault-Namespace"))
		reads.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"errors":["sealed"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"data":{"openai":"sk-bao","anthropic":"sk-ant-bao"},"metadata":{"version":3}}}`))
	}))
	defer bao.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewOpenBaoCredentials(config.OpenBaoConfig{
		Address:   bao.URL + "/",
		Token:     "root",
		Namespace: "team-a",
		Mount:     "kv",
		Path:      "/keyguard/providers/",
		CacheTTL:  time.Minute,
	})
	c.now = func() time.Time { return now }

	v, err := c.Credential(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-bao", v)

	v, err = c.Credential(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-bao", v)
	assert.Equal(t, int32(1), reads.Load(), "second lookup is served from cache")

	_, err = c.Credential(context.Background(), "google")
	assert.Error(t, err)

	// After the ttl a failed refresh keeps serving the last secret.
	now = now.Add(2 * time.Minute)
	fail.Store(true)
	v, err = c.Credential(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-bao", v)
	assert.Equal(t, int32(2), reads.Load())
}

func TestOpenBaoCredentials_Errors(t *testing.T) {
	bao := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
	}))
	defer bao.Close()

	c := NewOpenBaoCredentials(config.OpenBaoConfig{Address: bao.URL, Token: "bad", Path: "keyguard/providers"})
	_, err := c.Credential(context.Background(), "openai")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Contains(t, err.Error(), "403")
}

func TestNewCredentialSource(t *testing.T) {
	src, err := NewCredentialSource(config.CredentialsConfig{Source: "env", EnvPrefix: "X_"})
	require.NoError(t, err)
	assert.IsType(t, &EnvCredentials{}, src)

	src, err = NewCredentialSource(config.CredentialsConfig{Source: "openbao", OpenBao: config.OpenBaoConfig{Address: "http://127.0.0.1:8200", Token: "t"}})
	require.NoError(t, err)
	assert.IsType(t, &OpenBaoCredentials{}, src)

	_, err = NewCredentialSource(config.CredentialsConfig{Source: "file"})
	assert.Error(t, err)
}
