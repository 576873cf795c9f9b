package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/HailBahafi/KeyGuard-sub002/internal/middleware"
	"github.com/HailBahafi/KeyGuard-sub002/internal/proxy"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
)

// Forwarder relays a verified request to its provider and writes the result.
type Forwarder interface {
	Serve(ctx context.Context, w http.ResponseWriter, req *proxy.Request)
}

// ProxyHandler serves /proxy/{provider}/*. It must sit behind the signature
// middleware.
type ProxyHandler struct {
	fwd Forwarder
}

// NewProxyHandler creates a new proxy handler.
func NewProxyHandler(fwd Forwarder) *ProxyHandler {
	return &ProxyHandler{fwd: fwd}
}

// ServeHTTP handles any method on /proxy/{provider}/*.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dev := middleware.DeviceFrom(r.Context())
	if dev == nil {
		response.Unauthorized(w)
		return
	}

	h.fwd.Serve(r.Context(), w, &proxy.Request{
		Device:   dev,
		Provider: chi.URLParam(r, "provider"),
		Path:     "/" + chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
		Method:   r.Method,
		Header:   r.Header,
		Body:     middleware.RawBody(r.Context()),
	})
}
