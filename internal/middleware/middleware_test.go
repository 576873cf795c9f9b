package middleware

import (
	"bytes"
	"context"
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

	"github.com/HailBahafi/KeyGuard-sub002/internal/database"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/signature"
	keyguard "github.com/HailBahafi/KeyGuard-sub002/sdk-go"
)

type stubVerifier struct {
	dev     *models.Device
	err     error
	gotBody []byte
	gotEnv  *signature.Envelope
}

func (s *stubVerifier) Verify(_ context.Context, env *signature.Envelope, body []byte) (*models.Device, error) {
	s.gotEnv, s.gotBody = env, body
	return s.dev, s.err
}

type recorder struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (r *recorder) Emit(ev *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	signer, err := keyguard.GenerateKey(keyguard.KeyTypeP256)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, keyguard.SignRequest(req, []byte(body), "dev-1", signer, time.Now()))
	return req
}

func activeDevice() *models.Device {
	return &models.Device{ID: uuid.New(), APIKeyID: uuid.New(), KeyID: "dev-1", Status: models.DeviceStatusActive}
}

func TestSignature(t *testing.T) {
	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		verifyErr  error
		maxBody    int64
		wantStatus int
		wantReason string
	}{
		{
			name:       "valid",
			req:        func(t *testing.T) *http.Request { return signedRequest(t, `{"model":"gpt-4o"}`) },
			wantStatus: http.StatusOK,
		},
		{
			name: "missing headers",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/models", strings.NewReader(`{}`))
			},
			wantStatus: http.StatusUnauthorized,
			wantReason: string(signature.ReasonMalformedEnvelope),
		},
		{
			name:       "replayed",
			req:        func(t *testing.T) *http.Request { return signedRequest(t, `{}`) },
			verifyErr:  signature.ErrNonceReplayed,
			wantStatus: http.StatusUnauthorized,
			wantReason: string(signature.ReasonNonceReplayed),
		},
		{
			name:       "revoked",
			req:        func(t *testing.T) *http.Request { return signedRequest(t, `{}`) },
			verifyErr:  &signature.Error{Reason: signature.ReasonDeviceNotActive, Err: errors.New("device is revoked")},
			wantStatus: http.StatusUnauthorized,
			wantReason: string(signature.ReasonDeviceNotActive),
		},
		{
			name:       "store down fails closed",
			req:        func(t *testing.T) *http.Request { return signedRequest(t, `{}`) },
			verifyErr:  &signature.Error{Reason: signature.ReasonInternal, Err: errors.New("redis: connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantReason: string(signature.ReasonInternal),
		},
		{
			name:       "body too large",
			req:        func(t *testing.T) *http.Request { return signedRequest(t, strings.Repeat("a", 64)) },
			maxBody:    16,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &stubVerifier{dev: activeDevice(), err: tt.verifyErr}
			if tt.verifyErr != nil {
				v.dev = nil
			}
			rec := &recorder{}

			var gotDevice *models.Device
			var gotBody []byte
			h := Signature(v, SignatureConfig{MaxBodyBytes: tt.maxBody, Audit: rec, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					gotDevice = DeviceFrom(r.Context())
					gotBody, _ = io.ReadAll(r.Body)
					assert.Equal(t, gotBody, RawBody(r.Context()))
					w.WriteHeader(http.StatusOK)
				}))

			req := tt.req(t)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, gotDevice)
				assert.Equal(t, "dev-1", gotDevice.KeyID)
				assert.Equal(t, v.gotBody, gotBody, "handler sees the verified bytes")
				assert.Empty(t, rec.events)
				return
			}

			assert.Nil(t, gotDevice)
			if tt.wantReason == "" {
				return
			}
			// The caller never learns which check failed.
			assert.NotContains(t, w.Body.String(), tt.wantReason)
			require.Len(t, rec.events, 1)
			ev := rec.events[0]
			assert.Equal(t, models.AuditEventProxyDenied, ev.Event)
			assert.Equal(t, models.AuditOutcomeDenied, ev.Outcome)
			assert.Equal(t, tt.wantReason, ev.ReasonCode)
		})
	}
}

func TestSignature_AuditsClaimedKeyID(t *testing.T) {
	rec := &recorder{}
	v := &stubVerifier{err: signature.ErrUnknownKey}
	h := Signature(v, SignatureConfig{Audit: rec})(http.NotFoundHandler())

	h.ServeHTTP(httptest.NewRecorder(), signedRequest(t, `{}`))

	require.Len(t, rec.events, 1)
	assert.Equal(t, "dev-1", rec.events[0].ActorDeviceID)
	assert.Equal(t, "POST", rec.events[0].Metadata["method"])
}

func TestAdminToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "Bearer anything", http.StatusForbidden},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer s3cre", http.StatusUnauthorized},
		{"valid", "s3cret", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/enrollment-codes", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AdminToken(tt.token)(ok).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func withDevice(dev *models.Device, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), dev)))
	})
}

func testLimiters(t *testing.T) map[string]Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Limiter{
		"memory": NewMemoryLimiter(100, time.Minute),
		"redis":  NewRedisLimiter(database.NewRedisFromClient(client)),
	}
}

func TestRateLimit_PerDevice(t *testing.T) {
	for name, limiter := range testLimiters(t) {
		t.Run(name, func(t *testing.T) {
			dev := activeDevice()
			h := withDevice(dev, RateLimit(limiter, RateLimitConfig{PerDevice: 3, Window: time.Minute}, nil)(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })))

			for i := 0; i < 3; i++ {
				w := httptest.NewRecorder()
				h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/models", nil))
				require.Equal(t, http.StatusOK, w.Code, "request %d", i)
				assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
				assert.Equal(t, []string{"2", "1", "0"}[i], w.Header().Get("X-RateLimit-Remaining"))
			}

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/models", nil))
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
			assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

			// Another device under the same API key has its own budget.
			other := activeDevice()
			other.APIKeyID = dev.APIKeyID
			h2 := withDevice(other, RateLimit(limiter, RateLimitConfig{PerDevice: 3, Window: time.Minute}, nil)(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })))
			w = httptest.NewRecorder()
			h2.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/models", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestRateLimit_PerKeySharedAcrossDevices(t *testing.T) {
	for name, limiter := range testLimiters(t) {
		t.Run(name, func(t *testing.T) {
			apiKeyID := uuid.New()
			cfg := RateLimitConfig{PerDevice: 10, PerKey: 2, Window: time.Minute}
			ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

			var codes []int
			for i := 0; i < 3; i++ {
				dev := activeDevice()
				dev.APIKeyID = apiKeyID
				w := httptest.NewRecorder()
				withDevice(dev, RateLimit(limiter, cfg, nil)(ok)).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
				codes = append(codes, w.Code)
			}
			assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
		})
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestRateLimit_LimiterErrorAllows(t *testing.T) {
	h := withDevice(activeDevice(), RateLimit(brokenLimiter{}, RateLimitConfig{PerDevice: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMemoryLimiter_Refills(t *testing.T) {
	l := NewMemoryLimiter(10, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := l.Allow(context.Background(), "k", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, _ := l.Allow(context.Background(), "k", 2, time.Minute)
	assert.False(t, d.Allowed)

	now = now.Add(30 * time.Second)
	d, _ = l.Allow(context.Background(), "k", 2, time.Minute)
	assert.True(t, d.Allowed, "one token refills every window/limit")
}

func TestLogging_PreservesFlush(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	dev := activeDevice()

	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(WithDevice(r.Context(), dev))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("chunk"))
		require.NoError(t, http.NewResponseController(w).Flush())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/models", nil))

	assert.True(t, w.Flushed)
	assert.Contains(t, buf.String(), `"status":202`)
	assert.Contains(t, buf.String(), `"key_id":"dev-1"`)
	assert.Contains(t, buf.String(), `"bytes":5`)
}
