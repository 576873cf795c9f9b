package keyguard

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	client := NewClient()

	if client.baseURL != DefaultBaseURL {
		t.Errorf("expected baseURL %q, got %q", DefaultBaseURL, client.baseURL)
	}
	if client.httpClient.Timeout != DefaultTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultTimeout, client.httpClient.Timeout)
	}
}

func TestNewClient_WithOptions(t *testing.T) {
	customClient := &http.Client{Timeout: 5 * time.Second}
	client := NewClient(WithBaseURL("https://gw.test"), WithHTTPClient(customClient))

	if client.BaseURL() != "https://gw.test" {
		t.Errorf("expected custom base URL, got %q", client.BaseURL())
	}
	if client.httpClient != customClient {
		t.Error("expected custom HTTP client to be set")
	}
}

func TestClient_Enroll(t *testing.T) {
	signer, err := GenerateKey(KeyTypeEd25519)
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/devices/enroll" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["keyId"] != "dev-1" || body["keyType"] != KeyTypeEd25519 {
			t.Errorf("unexpected body %v", body)
		}
		pub, _ := base64.StdEncoding.DecodeString(body["publicKey"].(string))
		if len(pub) != 32 {
			t.Errorf("expected 32-byte public key, got %d", len(pub))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"id":"d1","keyId":"dev-1","status":"pending","createdAt":"2026-01-01T00:00:00Z"}}`)
	}))
	defer server.Close()

	dev, err := NewClient(WithBaseURL(server.URL)).Enroll(context.Background(), EnrollRequest{
		KeyID:          "dev-1",
		Fingerprint:    "fp-00000001",
		EnrollmentCode: "code",
	}, signer)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if dev.Status != "pending" || dev.KeyID != "dev-1" {
		t.Errorf("unexpected device %+v", dev)
	}
}

func TestClient_Enroll_Error(t *testing.T) {
	signer, _ := GenerateKey(KeyTypeP256)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"code":"enrollment.key_id_conflict","message":"key id already registered"}}`)
	}))
	defer server.Close()

	_, err := NewClient(WithBaseURL(server.URL)).Enroll(context.Background(), EnrollRequest{KeyID: "dev-1"}, signer)
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !apiErr.IsConflict() || apiErr.Code != "enrollment.key_id_conflict" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestClient_Proxy_SignsRequest(t *testing.T) {
	signer, _ := GenerateKey(KeyTypeP256)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/openai/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		for _, h := range []string{HeaderKeyID, HeaderTimestamp, HeaderNonce, HeaderBodySHA256, HeaderAlgorithm, HeaderSignature} {
			if r.Header.Get(h) == "" {
				t.Errorf("missing header %s", h)
			}
		}
		if r.Header.Get(HeaderAlgorithm) != AlgECDSAP256SHA256 {
			t.Errorf("unexpected algorithm %q", r.Header.Get(HeaderAlgorithm))
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL)).WithDevice("dev-1", signer)
	resp, err := client.Proxy(context.Background(), "openai", http.MethodPost, "/v1/chat/completions", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestClient_Proxy_NoDevice(t *testing.T) {
	_, err := NewClient().Proxy(context.Background(), "openai", http.MethodGet, "/v1/models", nil, nil)
	if err != ErrNoDevice {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}

func TestClient_Do_HashesBody(t *testing.T) {
	signer, _ := GenerateKey(KeyTypeEd25519)
	body := `{"model":"gpt-3.5-turbo"}`
	sum := sha256.Sum256([]byte(body))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if string(got) != body {
			t.Errorf("body = %q", got)
		}
		if r.Header.Get(HeaderBodySHA256) != hex.EncodeToString(sum[:]) {
			t.Errorf("body hash = %q", r.Header.Get(HeaderBodySHA256))
		}
		if r.Header.Get(HeaderKeyID) != "dev-1" {
			t.Errorf("key id = %q", r.Header.Get(HeaderKeyID))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL)).WithDevice("dev-1", signer)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/proxy/openai/v1/chat/completions", strings.NewReader(body))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}
