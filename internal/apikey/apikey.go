// Package apikey implements the single shared API key verification used by
// every backend server: a plaintext key, or an HMAC-SHA256 digest of it,
// compared in constant time.
package apikey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

const hmacPrefix = "$hmac-sha256$"

// hmacServerKey is the fixed server-side key used to compute/verify
// $hmac-sha256$ digests. It is not a secret shared with clients: clients
// always present the plaintext key, never the digest.
var hmacServerKey = []byte("rush-sync-server-api-key-hmac-v1")

// Verifier holds the configured key material, pre-classified as plaintext
// or digest so each request does the minimum work.
type Verifier struct {
	configured bool
	isHMAC     bool
	plaintext  string
	digest     []byte
}

// New builds a Verifier from the configured api_key value. An empty key
// means the deployment has authentication disabled (all endpoints public).
func New(apiKey string) *Verifier {
	if apiKey == "" {
		return &Verifier{configured: false}
	}
	if strings.HasPrefix(apiKey, hmacPrefix) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(apiKey, hmacPrefix))
		if err != nil {
			// Malformed digest: treat as unconfigured rather than locking
			// every request out with an unverifiable value.
			return &Verifier{configured: false}
		}
		return &Verifier{configured: true, isHMAC: true, digest: raw}
	}
	return &Verifier{configured: true, plaintext: apiKey}
}

// Configured reports whether an API key is active.
func (v *Verifier) Configured() bool { return v.configured }

// Verify checks candidate (the value a client presented) against the
// configured key, in constant time.
func (v *Verifier) Verify(candidate string) bool {
	if !v.configured {
		return true
	}
	if candidate == "" {
		return false
	}
	if v.isHMAC {
		mac := hmac.New(sha256.New, hmacServerKey)
		mac.Write([]byte(candidate))
		sum := mac.Sum(nil)
		return constantTimeEqual(sum, v.digest)
	}
	return constantTimeEqual([]byte(candidate), []byte(v.plaintext))
}

// Hash returns the $hmac-sha256$ encoded representation of plaintext,
// usable both to populate api_key in config and for the --hash-key CLI
// mode.
func Hash(plaintext string) string {
	mac := hmac.New(sha256.New, hmacServerKey)
	mac.Write([]byte(plaintext))
	return hmacPrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// constantTimeEqual compares two byte slices without leaking timing
// information through early mismatch exit. Unequal lengths short-circuit
// to false before the byte compare; for equal lengths every byte is
// examined regardless of where a mismatch occurs, so comparison time
// depends only on length, never on content.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
