package keyguard

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	headerContentType = "Content-Type"
	headerUserAgent   = "User-Agent"
	contentTypeJSON   = "application/json"
	sdkUserAgent      = "keyguard-go/1.0.0"
)

// EnrollRequest describes a device registration. The public key and key type
// come from the Signer passed to Enroll.
type EnrollRequest struct {
	KeyID          string         `json:"keyId"`
	Fingerprint    string         `json:"deviceFingerprint"`
	Label          string         `json:"label"`
	EnrollmentCode string         `json:"enrollmentCode,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Device is the gateway's view of an enrolled device.
type Device struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"keyId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// VerifyResult is returned by the diagnostic verify endpoint.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	DeviceID string `json:"deviceId,omitempty"`
	KeyID    string `json:"keyId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Enroll registers signer's public key.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest, signer Signer) (*Device, error) {
	body := struct {
		EnrollRequest
		PublicKey string `json:"publicKey"`
		KeyType   string `json:"keyType"`
	}{
		EnrollRequest: req,
		PublicKey:     base64.StdEncoding.EncodeToString(signer.PublicKey()),
		KeyType:       signer.KeyType(),
	}

	var resp struct {
		Data Device `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/devices/enroll", body, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Verify sends a signed empty request to the diagnostic endpoint. It does not
// consume a nonce on the gateway.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	resp, err := c.doSigned(ctx, http.MethodPost, "/v1/verify", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var result VerifyResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, parseError(resp.StatusCode, respBody)
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// Proxy sends a signed call to provider. The response is returned unread so
// streamed completions can be consumed incrementally; the caller must close
// its body. Gateway-side rejections are returned as *Error.
func (c *Client) Proxy(ctx context.Context, provider, method, path string, body []byte, header http.Header) (*http.Response, error) {
	resp, err := c.doSigned(ctx, method, "/proxy/"+provider+"/"+strings.TrimPrefix(path, "/"), body, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, parseError(resp.StatusCode, respBody)
	}
	return resp, nil
}

// Do signs req as the client's device and sends it. The request body is read
// in full so it can be hashed; the caller must close the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.signer == nil {
		return nil, ErrNoDevice
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	if req.Header.Get(headerUserAgent) == "" {
		req.Header.Set(headerUserAgent, sdkUserAgent)
	}
	if err := SignRequest(req, body, c.keyID, c.signer, c.now()); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doSigned(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if body != nil && req.Header.Get(headerContentType) == "" {
		req.Header.Set(headerContentType, contentTypeJSON)
	}
	return c.Do(req)
}

// doRequest performs an unsigned JSON request and handles common error cases.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.baseURL, "/")+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerUserAgent, sdkUserAgent)
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
