// Package keyguard is the Go client for the KeyGuard gateway.
//
// A device generates a keypair, enrolls its public key once with an
// enrollment code, and then signs every proxied call:
//
//	signer, _ := keyguard.GenerateKey(keyguard.KeyTypeP256)
//	client := keyguard.NewClient(keyguard.WithBaseURL("https://gw.example.com"))
//	dev, err := client.Enroll(ctx, keyguard.EnrollRequest{
//	    KeyID:          "laptop-1",
//	    Fingerprint:    fp,
//	    EnrollmentCode: code,
//	}, signer)
//	client = client.WithDevice("laptop-1", signer)
//	resp, err := client.Proxy(ctx, "openai", http.MethodPost, "/v1/chat/completions", body, nil)
package keyguard

import (
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the default gateway endpoint.
	DefaultBaseURL = "http://localhost:8080"
	// DefaultTimeout is the default HTTP client timeout. Streaming calls
	// should use WithHTTPClient with a client that has no overall timeout.
	DefaultTimeout = 60 * time.Second
)

// Client talks to a KeyGuard gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	keyID  string
	signer Signer
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets the gateway base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

// WithClock overrides the time used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithDevice returns a copy of c that signs requests as keyID.
func (c *Client) WithDevice(keyID string, signer Signer) *Client {
	cp := *c
	cp.keyID = keyID
	cp.signer = signer
	return &cp
}

// BaseURL returns the current base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}
