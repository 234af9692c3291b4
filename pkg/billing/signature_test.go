package billing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testSecret = "whsec_test_secret"

func TestVerify_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"type":"subscription.created","data":{"id":"sub_1"}}`),
		[]byte(""),
		[]byte{0x00, 0xff, 0x10},
	}
	for _, secret := range []string{testSecret, "x", strings.Repeat("k", 128)} {
		for _, p := range payloads {
			assert.True(t, Verify(p, Sign(p, secret), secret))
		}
	}
}

func TestVerify_SingleByteMutations(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated","data":{"id":"sub_1","status":"active"}}`)
	sig := Sign(payload, testSecret)

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		assert.False(t, Verify(mutated, sig, testSecret), "payload byte %d", i)
	}

	for i := range sig {
		b := []byte(sig)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		assert.False(t, Verify(payload, string(b), testSecret), "signature byte %d", i)
	}
}

func TestVerify_FailsClosed(t *testing.T) {
	payload := []byte(`{"type":"x","data":{}}`)
	sig := Sign(payload, testSecret)

	tests := []struct {
		name      string
		signature string
		secret    string
	}{
		{"missing signature", "", testSecret},
		{"whitespace signature", "   ", testSecret},
		{"truncated signature", sig[:len(sig)-2], testSecret},
		{"extended signature", sig + "00", testSecret},
		{"not hex", strings.Repeat("z", len(sig)), testSecret},
		{"empty secret", sig, ""},
		{"wrong secret", sig, "other"},
		{"prefix only", "sha256=", testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Verify(payload, tt.signature, tt.secret))
		})
	}
}

func TestVerify_AcceptsPrefixedSignature(t *testing.T) {
	payload := []byte(`{"type":"x","data":{}}`)
	sig := Sign(payload, testSecret)

	assert.True(t, Verify(payload, "sha256="+sig, testSecret))
	assert.True(t, Verify(payload, "SHA256="+strings.ToUpper(sig), testSecret))
}
