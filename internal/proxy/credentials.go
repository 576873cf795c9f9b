package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HailBahafi/KeyGuard-sub002/internal/config"
)

// CredentialSource resolves a provider credential by name. Credentials never
// leave the server.
type CredentialSource interface {
	Credential(ctx context.Context, name string) (string, error)
}

// EnvCredentials reads credentials from environment variables named
// <prefix><NAME>, e.g. KEYGUARD_PROVIDER_OPENAI.
type EnvCredentials struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvCredentials creates an environment backed source.
func NewEnvCredentials(prefix string) *EnvCredentials {
	return &EnvCredentials{prefix: prefix, lookup: os.LookupEnv}
}

func (c *EnvCredentials) Credential(_ context.Context, name string) (string, error) {
	key := c.prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := c.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is not set", key)
	}
	return strings.TrimSpace(v), nil
}

// StaticCredentials is a fixed name to secret map.
type StaticCredentials map[string]string

func (c StaticCredentials) Credential(_ context.Context, name string) (string, error) {
	v, ok := c[name]
	if !ok || v == "" {
		return "", fmt.Errorf("credential %q is not set", name)
	}
	return v, nil
}

// OpenBaoCredentials reads every provider credential from one KV v2 secret.
// The secret is cached for the configured ttl.
type OpenBaoCredentials struct {
	httpClient *http.Client
	baseURL    string
	token      string
	namespace  string
	secretPath string
	ttl        time.Duration

	group     singleflight.Group
	mu        sync.RWMutex
	values    map[string]string
	fetchedAt time.Time
	now       func() time.Time
}

// NewOpenBaoCredentials creates an OpenBao KV v2 source.
func NewOpenBaoCredentials(cfg config.OpenBaoConfig) *OpenBaoCredentials {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &OpenBaoCredentials{
		httpClient: &http.Client{Timeout: 10 * time.Second, Transport: transport},
		baseURL:    strings.TrimSuffix(cfg.Address, "/"),
		token:      cfg.Token,
		namespace:  cfg.Namespace,
		secretPath: fmt.Sprintf("/v1/%s/data/%s", mount, strings.Trim(cfg.Path, "/")),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *OpenBaoCredentials) Credential(ctx context.Context, name string) (string, error) {
	values, err := c.snapshot(ctx)
	if err != nil {
		return "", err
	}
	v, ok := values[name]
	if !ok || v == "" {
		return "", fmt.Errorf("credential %q not present in %s", name, c.secretPath)
	}
	return v, nil
}

// snapshot returns the cached secret, refreshing it once per ttl. Concurrent
// refreshes share one OpenBao read.
func (c *OpenBaoCredentials) snapshot(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	values, fetched := c.values, c.fetchedAt
	c.mu.RUnlock()
	if values != nil && c.now().Sub(fetched) < c.ttl {
		return values, nil
	}

	v, err, _ := c.group.Do("secret", func() (any, error) {
		fresh, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.values, c.fetchedAt = fresh, c.now()
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		// Serve the last known secret while OpenBao is unavailable.
		if values != nil {
			return values, nil
		}
		return nil, err
	}
	return v.(map[string]string), nil
}

func (c *OpenBaoCredentials) read(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.secretPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", c.token)
	if c.namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.namespace)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openbao: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openbao: read: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Errors []string `json:"errors"`
		}
		_ = json.Unmarshal(body, &errResp)
		return nil, fmt.Errorf("openbao: status %d: %s", resp.StatusCode, strings.Join(errResp.Errors, "; "))
	}

	var result struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("openbao: decode: %w", err)
	}
	if result.Data.Data == nil {
		return nil, fmt.Errorf("openbao: %s has no data", c.secretPath)
	}
	return result.Data.Data, nil
}

// NewCredentialSource builds the configured source.
func NewCredentialSource(cfg config.CredentialsConfig) (CredentialSource, error) {
	switch cfg.Source {
	case "", "env":
		return NewEnvCredentials(cfg.EnvPrefix), nil
	case "openbao":
		return NewOpenBaoCredentials(cfg.OpenBao), nil
	default:
		return nil, fmt.Errorf("credential source %q is not supported", cfg.Source)
	}
}

var (
	_ CredentialSource = (*EnvCredentials)(nil)
	_ CredentialSource = StaticCredentials(nil)
	_ CredentialSource = (*OpenBaoCredentials)(nil)
)
