package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HailBahafi/KeyGuard-sub002/internal/audit"
	"github.com/HailBahafi/KeyGuard-sub002/internal/config"
	"github.com/HailBahafi/KeyGuard-sub002/internal/database"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/proxy"
	keyguard "github.com/HailBahafi/KeyGuard-sub002/sdk-go"
)

const adminToken = "admin-test-token"

type upstreamCall struct {
	Path   string
	Header http.Header
	Body   string
}

type fakeProvider struct {
	*httptest.Server
	mu    sync.Mutex
	calls []upstreamCall
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.calls = append(p.calls, upstreamCall{Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProvider) Calls() []upstreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]upstreamCall(nil), p.calls...)
}

type gateway struct {
	*httptest.Server
	app  *App
	sink *audit.MemorySink
}

func newGateway(t *testing.T, mutate func(*config.Config), opts ...Option) *gateway {
	t.Helper()
	chdir(t, t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Admin.Token = adminToken
	cfg.Audit.Sinks = nil
	if mutate != nil {
		mutate(cfg)
	}

	sink := audit.NewMemorySink()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{
		WithAuditSink(sink),
		WithCredentials(proxy.StaticCredentials{"openai": "sk-server-secret"}),
	}, opts...)

	app, err := New(context.Background(), cfg, logger, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = app.Close(context.Background())
	})
	return &gateway{Server: srv, app: app, sink: sink}
}

func (g *gateway) admin(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, g.URL+"/v1/admin"+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (g *gateway) issueCode(t *testing.T, apiKeyID uuid.UUID) string {
	t.Helper()
	resp := g.admin(t, http.MethodPost, "/enrollment-codes", map[string]string{"apiKeyId": apiKeyID.String()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Data struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Data.Code)
	return out.Data.Code
}

func (g *gateway) enroll(t *testing.T, keyID string) (*keyguard.Client, *keyguard.Device) {
	t.Helper()
	signer, err := keyguard.GenerateKey(keyguard.KeyTypeP256)
	require.NoError(t, err)

	client := keyguard.NewClient(keyguard.WithBaseURL(g.URL))
	dev, err := client.Enroll(context.Background(), keyguard.EnrollRequest{
		KeyID:          keyID,
		Fingerprint:    "fp-" + keyID + "-0001",
		Label:          "test device",
		EnrollmentCode: g.issueCode(t, uuid.New()),
	}, signer)
	require.NoError(t, err)
	return client.WithDevice(keyID, signer), dev
}

func (g *gateway) transition(t *testing.T, dev *keyguard.Device, action string) {
	t.Helper()
	resp := g.admin(t, http.MethodPost, "/devices/"+dev.ID+"/"+action, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (g *gateway) waitForEvent(t *testing.T, event models.AuditEventType) models.AuditEvent {
	t.Helper()
	var found models.AuditEvent
	require.Eventually(t, func() bool {
		evs := g.sink.Find(event)
		if len(evs) == 0 {
			return false
		}
		found = evs[len(evs)-1]
		return true
	}, 2*time.Second, 10*time.Millisecond, "no %s event", event)
	return found
}

func TestEndToEnd_ProxyChatCompletion(t *testing.T) {
	upstream := newFakeProvider(t)
	gw := newGateway(t, func(c *config.Config) {
		c.Providers = map[string]config.ProviderConfig{"openai": {BaseURL: upstream.URL}}
	})

	client, dev := gw.enroll(t, "dev-1")
	assert.Equal(t, "pending", dev.Status)

	body := []byte(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hello"}]}`)

	_, err := client.Proxy(context.Background(), "openai", http.MethodPost, "/v1/chat/completions", body, nil)
	var apiErr *keyguard.Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsUnauthorized(), "pending device must be rejected")
	assert.Empty(t, upstream.Calls())

	gw.transition(t, dev, "approve")

	resp, err := client.Proxy(context.Background(), "openai", http.MethodPost, "/v1/chat/completions", body, nil)
	require.NoError(t, err)
	out, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(out), "chatcmpl-1")

	calls := upstream.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/v1/chat/completions", calls[0].Path)
	assert.Equal(t, string(body), calls[0].Body)
	assert.Equal(t, "Bearer sk-server-secret", calls[0].Header.Get("Authorization"))
	for name := range calls[0].Header {
		assert.False(t, strings.HasPrefix(name, "X-Keyguard-"), "header %s leaked upstream", name)
	}

	ev := gw.waitForEvent(t, models.AuditEventProxySuccess)
	assert.Equal(t, "dev-1", ev.ActorDeviceID)
	assert.Equal(t, models.AuditOutcomeSuccess, ev.Outcome)
	assert.Equal(t, "openai", ev.Metadata["provider"])

	assert.NotEmpty(t, gw.sink.Find(models.AuditEventEnrollmentSuccess))
	assert.NotEmpty(t, gw.sink.Find(models.AuditEventDeviceApproved))
}

func TestEndToEnd_ReplayRejected(t *testing.T) {
	upstream := newFakeProvider(t)
	gw := newGateway(t, func(c *config.Config) {
		c.Providers = map[string]config.ProviderConfig{"openai": {BaseURL: upstream.URL}}
		c.Enrollment.AutoActivate = true
	})

	signer, err := keyguard.GenerateKey(keyguard.KeyTypeEd25519)
	require.NoError(t, err)
	_, err = keyguard.NewClient(keyguard.WithBaseURL(gw.URL)).Enroll(context.Background(), keyguard.EnrollRequest{
		KeyID:          "dev-replay",
		Fingerprint:    "fp-replay-0001",
		EnrollmentCode: gw.issueCode(t, uuid.New()),
	}, signer)
	require.NoError(t, err)

	body := []byte(`{"model":"gpt-4o"}`)
	now := time.Now()
	send := func() int {
		req, err := http.NewRequest(http.MethodPost, gw.URL+"/proxy/openai/v1/chat/completions", bytes.NewReader(body))
		require.NoError(t, err)
		require.NoError(t, keyguard.SignRequestWithNonce(req, body, "dev-replay", signer, now, "fixed-nonce-0123456789"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusUnauthorized, send())
	assert.Len(t, upstream.Calls(), 1)

	denied := gw.waitForEvent(t, models.AuditEventProxyDenied)
	assert.Equal(t, "dev-replay", denied.ActorDeviceID)
	assert.Equal(t, "nonce_replayed", denied.ReasonCode)
}

func TestEndToEnd_RevocationTakesEffect(t *testing.T) {
	upstream := newFakeProvider(t)
	gw := newGateway(t, func(c *config.Config) {
		c.Providers = map[string]config.ProviderConfig{"openai": {BaseURL: upstream.URL}}
		c.Enrollment.AutoActivate = true
	})

	client, dev := gw.enroll(t, "dev-revoke")
	require.Equal(t, "active", dev.Status)

	resp, err := client.Proxy(context.Background(), "openai", http.MethodGet, "/v1/models", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	gw.transition(t, dev, "revoke")

	_, err = client.Proxy(context.Background(), "openai", http.MethodGet, "/v1/models", nil, nil)
	var apiErr *keyguard.Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsUnauthorized())
	assert.Len(t, upstream.Calls(), 1)

	resp = gw.admin(t, http.MethodPost, "/devices/"+dev.ID+"/reactivate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEndToEnd_VerifyDoesNotConsumeNonce(t *testing.T) {
	gw := newGateway(t, func(c *config.Config) {
		c.Enrollment.AutoActivate = true
		c.Security.ExposeVerifyReasons = true
	})
	client, dev := gw.enroll(t, "dev-verify")

	result, err := client.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, dev.ID, result.DeviceID)
	assert.Equal(t, "dev-verify", result.KeyID)

	unknown, err := keyguard.GenerateKey(keyguard.KeyTypeEd25519)
	require.NoError(t, err)
	result, err = client.WithDevice("nobody", unknown).Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "unknown_key", result.Error)
}

func TestEndToEnd_EnrollmentCodeSingleUse(t *testing.T) {
	gw := newGateway(t, nil)
	code := gw.issueCode(t, uuid.New())

	enroll := func(keyID string) error {
		signer, err := keyguard.GenerateKey(keyguard.KeyTypeSecp256k1)
		require.NoError(t, err)
		_, err = keyguard.NewClient(keyguard.WithBaseURL(gw.URL)).Enroll(context.Background(), keyguard.EnrollRequest{
			KeyID:          keyID,
			Fingerprint:    "fp-" + keyID + "-0001",
			EnrollmentCode: code,
		}, signer)
		return err
	}

	require.NoError(t, enroll("dev-a"))
	err := enroll("dev-b")
	var apiErr *keyguard.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "enrollment.code_already_used", apiErr.Code)
}

func TestEndToEnd_AdminRequiresToken(t *testing.T) {
	gw := newGateway(t, nil)

	resp, err := http.Post(gw.URL+"/v1/admin/enrollment-codes", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEnd_TransitionUnknownDevice(t *testing.T) {
	gw := newGateway(t, nil)

	for _, action := range []string{"approve", "suspend", "reactivate", "revoke"} {
		resp := gw.admin(t, http.MethodPost, "/devices/"+uuid.NewString()+"/"+action, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, action)
	}
}

func TestEndToEnd_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	upstream := newFakeProvider(t)
	gw := newGateway(t, func(c *config.Config) {
		c.Providers = map[string]config.ProviderConfig{"openai": {BaseURL: upstream.URL}}
		c.Enrollment.AutoActivate = true
		c.Nonce.Backend = "redis"
		c.RateLimit.Backend = "redis"
		c.RateLimit.PerDevice = 1
	}, WithRedis(rdb))

	client, _ := gw.enroll(t, "dev-redis")

	resp, err := client.Proxy(context.Background(), "openai", http.MethodGet, "/v1/models", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	_, err = client.Proxy(context.Background(), "openai", http.MethodGet, "/v1/models", nil, nil)
	var apiErr *keyguard.Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRateLimited())

	keys := mr.Keys()
	assert.True(t, slicesContainsPrefix(keys, "keyguard:nonce:"), "nonce not stored in redis: %v", keys)
}

func TestHealthAndReady(t *testing.T) {
	gw := newGateway(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(gw.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyReportsFailingComponent(t *testing.T) {
	rec := httptest.NewRecorder()
	readyHandler(map[string]Pinger{"redis": downPinger{}})(rec, httptest.NewRequest(http.MethodGet, "/ready", http.NoBody))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"error","component":"redis"}`, rec.Body.String())
}

func slicesContainsPrefix(keys []string, prefix string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
