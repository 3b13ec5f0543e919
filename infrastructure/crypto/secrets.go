package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RandomBase64URL returns n cryptographically random bytes, base64url
// encoded without padding — the form provisioning uses for tokens and
// passwords that must survive being embedded in a single-quoted shell
// env-file line.
func RandomBase64URL(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomHex returns n cryptographically random bytes, hex encoded — used
// for key material that downstream tooling expects in hex form (e.g. an
// AES-256 key).
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
