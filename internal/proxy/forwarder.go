package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HailBahafi/KeyGuard-sub002/internal/audit"
	"github.com/HailBahafi/KeyGuard-sub002/internal/metrics"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
)

const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultMaxStreamDuration     = 10 * time.Minute
	DefaultIdleTimeout           = 2 * time.Minute

	keyguardHeaderPrefix = "X-Keyguard-"
	relayBufferSize      = 32 << 10
)

// Config bounds every upstream call.
type Config struct {
	DialTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for the upstream status line.
	ResponseHeaderTimeout time.Duration
	// MaxStreamDuration bounds the whole call including the response body.
	MaxStreamDuration time.Duration
	// IdleTimeout bounds the gap between two body reads.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if c.MaxStreamDuration <= 0 {
		c.MaxStreamDuration = DefaultMaxStreamDuration
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Request is a verified call to forward.
type Request struct {
	Device   *models.Device
	Provider string
	// Path is the upstream path below the provider base URL.
	Path     string
	RawQuery string
	Method   string
	Header   http.Header
	Body     []byte
}

// Upstream is an in-flight provider response. Close must be called.
type Upstream struct {
	*http.Response
	Provider *Provider
	// Latency is the time until the response headers arrived.
	Latency time.Duration

	parent    context.Context
	call      context.Context
	cancel    context.CancelFunc
	idleFired atomic.Bool
}

// Close releases the upstream connection.
func (u *Upstream) Close() error {
	u.cancel()
	return u.Body.Close()
}

// Forwarder sends verified requests to providers. It never retries.
type Forwarder struct {
	providers *Providers
	creds     CredentialSource
	client    *http.Client
	cfg       Config
	audit     audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient replaces the upstream client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		f.client = c
	}
}

// WithLogger sets the forwarder logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = l
	}
}

// NewForwarder creates a Forwarder. A nil recorder discards audit events.
func NewForwarder(providers *Providers, creds CredentialSource, rec audit.Recorder, cfg Config, opts ...Option) *Forwarder {
	cfg = cfg.withDefaults()
	if rec == nil {
		rec = audit.Discard
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bodies pass through byte for byte, compressed or not.
		DisableCompression: true,
	}

	f := &Forwarder{
		providers: providers,
		creds:     creds,
		client: &http.Client{
			// No overall timeout; streams are bounded by MaxStreamDuration.
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		audit:  rec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward sends req to its provider and returns once response headers
// arrive. Provider 4xx/5xx responses are returned, not treated as errors.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Upstream, error) {
	p, ok := f.providers.Lookup(req.Provider)
	if !ok {
		return nil, &Error{Reason: ReasonUnknownProvider, Provider: req.Provider}
	}

	secret, err := f.creds.Credential(ctx, p.Credential)
	if err != nil {
		return nil, &Error{Reason: ReasonCredentialUnavailable, Provider: p.Name, Err: err}
	}

	target := *p.BaseURL
	target.Path = singleJoiningSlash(p.BaseURL.Path, req.Path)
	query, _ := url.ParseQuery(req.RawQuery)
	header := outgoingHeader(req.Header)
	p.Inject(header, query, secret)
	target.RawQuery = query.Encode()

	call, cancel := context.WithTimeout(ctx, f.cfg.MaxStreamDuration)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upReq, err := http.NewRequestWithContext(call, req.Method, target.String(), body)
	if err != nil {
		cancel()
		return nil, &Error{Reason: ReasonUpstreamUnreachable, Provider: p.Name, Err: err}
	}
	upReq.Header = header
	upReq.ContentLength = int64(len(req.Body))

	var headerTimedOut atomic.Bool
	timer := time.AfterFunc(f.cfg.ResponseHeaderTimeout, func() {
		headerTimedOut.Store(true)
		cancel()
	})

	start := f.now()
	resp, err := f.client.Do(upReq)
	timer.Stop()
	latency := f.now().Sub(start)

	if err != nil {
		cancel()
		reason := ReasonUpstreamUnreachable
		var netErr net.Error
		switch {
		case headerTimedOut.Load():
			reason = ReasonUpstreamTimeout
		case ctx.Err() != nil:
			reason = ReasonClientCancelled
		case errors.Is(call.Err(), context.DeadlineExceeded):
			reason = ReasonUpstreamTimeout
		case errors.As(err, &netErr) && netErr.Timeout():
			reason = ReasonUpstreamTimeout
		}
		return nil, &Error{Reason: reason, Provider: p.Name, Err: err}
	}

	metrics.UpstreamLatency.WithLabelValues(p.Name).Observe(latency.Seconds())

	return &Upstream{
		Response: resp,
		Provider: p,
		Latency:  latency,
		parent:   ctx,
		call:     call,
		cancel:   cancel,
	}, nil
}

// Relay copies the upstream response to w. Streaming responses are flushed
// after every read so chunk boundaries reach the client as they arrive, and
// a slow client slows the upstream read.
func (f *Forwarder) Relay(w http.ResponseWriter, up *Upstream) (int64, error) {
	dst := w.Header()
	copyHeader(dst, up.Header)
	w.WriteHeader(up.StatusCode)

	rc := http.NewResponseController(w)
	streaming := up.ContentLength < 0 || strings.HasPrefix(up.Header.Get("Content-Type"), "text/event-stream")
	if streaming {
		_ = rc.Flush()
	}

	idle := time.AfterFunc(f.cfg.IdleTimeout, func() {
		up.idleFired.Store(true)
		up.cancel()
	})
	defer idle.Stop()

	buf := make([]byte, relayBufferSize)
	var total int64
	for {
		n, readErr := up.Body.Read(buf)
		if n > 0 {
			idle.Reset(f.cfg.IdleTimeout)
			written, writeErr := w.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				up.cancel()
				return total, &Error{Reason: ReasonClientCancelled, Provider: up.Provider.Name, Err: writeErr}
			}
			if streaming {
				_ = rc.Flush()
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, f.classifyRelay(up, readErr)
		}
	}
}

func (f *Forwarder) classifyRelay(up *Upstream, err error) error {
	reason := ReasonStreamAborted
	switch {
	case up.idleFired.Load():
		reason = ReasonUpstreamTimeout
	case up.parent.Err() != nil:
		reason = ReasonClientCancelled
	case errors.Is(up.call.Err(), context.DeadlineExceeded):
		reason = ReasonUpstreamTimeout
	}
	return &Error{Reason: reason, Provider: up.Provider.Name, Err: err}
}

// Serve forwards req, relays the response to w and emits exactly one audit
// event for the call.
func (f *Forwarder) Serve(ctx context.Context, w http.ResponseWriter, req *Request) {
	start := f.now()
	var (
		status  int
		written int64
		latency time.Duration
		err     error
	)

	up, err := f.Forward(ctx, req)
	if err == nil {
		status, latency = up.StatusCode, up.Latency
		written, err = f.Relay(w, up)
		_ = up.Close()
	} else {
		var perr *Error
		if errors.As(err, &perr) {
			response.Error(w, perr.APIError())
		} else {
			response.Error(w, err)
		}
	}

	reason := ""
	switch {
	case err != nil:
		reason = string(ReasonOf(err))
	case RejectedStatus(status):
		reason = string(ReasonUpstreamRejected)
	}
	f.record(req, reason, status, latency, f.now().Sub(start), written, err)
}

func (f *Forwarder) record(req *Request, reason string, status int, latency, duration time.Duration, written int64, err error) {
	event := models.AuditEventProxySuccess
	if reason != "" {
		event = models.AuditEventProxyFailure
	}
	ev := audit.NewEvent(event, audit.Outcome(reason, false), req.Device)
	ev.ReasonCode = reason
	ev.Metadata["provider"] = req.Provider
	ev.Metadata["method"] = req.Method
	ev.Metadata["path"] = req.Path
	ev.Metadata["latency_ms"] = latency.Milliseconds()
	ev.Metadata["duration_ms"] = duration.Milliseconds()
	ev.Metadata["bytes"] = written
	if status != 0 {
		ev.Metadata["status"] = status
	}
	if err != nil {
		ev.Metadata["error"] = err.Error()
	}
	f.audit.Emit(ev)

	outcome := reason
	if outcome == "" {
		outcome = "ok"
	}
	metrics.ProxyCallsTotal.WithLabelValues(req.Provider, outcome).Inc()

	attrs := []any{
		slog.String("provider", req.Provider),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", status),
		slog.Int64("bytes", written),
		slog.Duration("latency", latency),
		slog.Duration("duration", duration),
	}
	if req.Device != nil {
		attrs = append(attrs, slog.String("key_id", req.Device.KeyID))
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
		f.logger.Warn("proxy call failed", attrs...)
		return
	}
	f.logger.Info("proxy call complete", attrs...)
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// stripRequestHeaders never reach a provider.
var stripRequestHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Forwarded":         true,
	"X-Forwarded-For":   true,
	"X-Forwarded-Host":  true,
	"X-Forwarded-Proto": true,
	"X-Real-Ip":         true,
}

func init() {
	for _, h := range credentialHeaders {
		stripRequestHeaders[textproto.CanonicalMIMEHeaderKey(h)] = true
	}
}

// outgoingHeader copies the client headers a provider may see.
func outgoingHeader(in http.Header) http.Header {
	out := make(http.Header, len(in))
	connectionListed := connectionTokens(in)
	for key, values := range in {
		ck := textproto.CanonicalMIMEHeaderKey(key)
		if hopByHopHeaders[ck] || connectionListed[ck] || stripRequestHeaders[ck] {
			continue
		}
		if strings.HasPrefix(ck, keyguardHeaderPrefix) {
			continue
		}
		out[ck] = append([]string(nil), values...)
	}
	return out
}

func copyHeader(dst, src http.Header) {
	connectionListed := connectionTokens(src)
	for key, values := range src {
		ck := textproto.CanonicalMIMEHeaderKey(key)
		if hopByHopHeaders[ck] || connectionListed[ck] {
			continue
		}
		for _, v := range values {
			dst.Add(ck, v)
		}
	}
}

func connectionTokens(h http.Header) map[string]bool {
	var tokens map[string]bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				if tokens == nil {
					tokens = make(map[string]bool)
				}
				tokens[textproto.CanonicalMIMEHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
