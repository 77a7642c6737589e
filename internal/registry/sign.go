package registry

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// NewRandomKey returns a fresh HMAC key for node.key when none is configured.
// It is not persisted: sources signed with it stop verifying across a
// restart, which only matters for the re-registration path (§4.D).
func NewRandomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("registry: generating node key: %w", err)
	}
	return key, nil
}

// sign computes signature = base64(HMAC-SHA256(key, id:content-type:flags)).
func sign(key []byte, id, contentType string, flags Flags) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s:%s:%d", id, contentType, uint32(flags))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verify recomputes the signature and compares it in constant time.
func verify(key []byte, id, contentType string, flags Flags, signature string) bool {
	want := sign(key, id, contentType, flags)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}
