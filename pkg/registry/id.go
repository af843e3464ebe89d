package registry

import (
	"crypto/rand"
	"encoding/base64"
)

// idEntropyBytes yields 256 bits of randomness, comfortably over the
// spec's 128-bit floor, encoded so the id is URL-safe and newline-free
// (ids travel inside a newline-delimited wire list, see pkg/wire).
const idEntropyBytes = 32

// newID returns a cryptographically strong, unguessable channel id.
func newID() (string, error) {
	buf := make([]byte, idEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
