package signature

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

func validHeaders() http.Header {
	h := http.Header{}
	h.Set(HeaderKeyID, "dev-1")
	h.Set(HeaderTimestamp, "1760000000000")
	h.Set(HeaderNonce, "abcdefghijklmnop")
	h.Set(HeaderBodySHA256, BodyHash(nil))
	h.Set(HeaderAlgorithm, AlgEd25519)
	h.Set(HeaderSignature, "c2ln")
	return h
}

func TestParseEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/chat/completions?stream=true", nil)
	req.Header = validHeaders()

	env, err := ParseEnvelope(req)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", env.KeyID)
	assert.Equal(t, int64(1760000000000), env.Timestamp.UnixMilli())
	assert.Equal(t, "/proxy/openai/v1/chat/completions?stream=true", env.Target)
	assert.Equal(t, []byte("sig"), env.Signature)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h http.Header)
	}{
		{"missing key id", func(h http.Header) { h.Del(HeaderKeyID) }},
		{"seconds are not accepted as garbage", func(h http.Header) { h.Set(HeaderTimestamp, "17e9") }},
		{"negative timestamp", func(h http.Header) { h.Set(HeaderTimestamp, "-5") }},
		{"short nonce", func(h http.Header) { h.Set(HeaderNonce, "abc") }},
		{"nonce with separator", func(h http.Header) { h.Set(HeaderNonce, "abcdefgh\nijklmnop") }},
		{"uppercase body hash", func(h http.Header) { h.Set(HeaderBodySHA256, "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855") }},
		{"short body hash", func(h http.Header) { h.Set(HeaderBodySHA256, "abcd") }},
		{"missing algorithm", func(h http.Header) { h.Del(HeaderAlgorithm) }},
		{"missing signature", func(h http.Header) { h.Del(HeaderSignature) }},
		{"signature not base64", func(h http.Header) { h.Set(HeaderSignature, "!!!") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/proxy/openai/v1/models", nil)
			req.Header = validHeaders()
			tt.mutate(req.Header)

			_, err := ParseEnvelope(req)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("post", "/proxy/openai/v1/chat/completions", "1760000000000", "abcdefghijklmnop", BodyHash(nil))
	want := "KG1\nPOST\n/proxy/openai/v1/chat/completions\n1760000000000\nabcdefghijklmnop\n" +
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	assert.Equal(t, want, got)
}

func TestHasEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, HasEnvelope(req))
	req.Header.Set("x-keyguard-custom", "1")
	assert.True(t, HasEnvelope(req))
}

func TestValidatePublicKey(t *testing.T) {
	assert.NoError(t, ValidatePublicKey(models.KeyTypeEd25519, make([]byte, 32)))
	assert.Error(t, ValidatePublicKey(models.KeyTypeEd25519, make([]byte, 31)))
	assert.Error(t, ValidatePublicKey(models.KeyTypeP256, make([]byte, 65)))
	assert.Error(t, ValidatePublicKey(models.KeyTypeSecp256k1, []byte{0x02}))
	assert.Error(t, ValidatePublicKey("rsa", []byte{1}))
}
