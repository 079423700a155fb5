// Package protocol defines the wire contract the upload client and the
// archive endpoint share: the request headers and the credential
// derivation. It has no other dependencies so both sides can import it.
package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Protocol headers. The secret header carries an HMAC derived from the
// configured shared secret, never the secret itself.
const (
	HeaderSecret = "X-Upload-Secret"
	HeaderOffset = "Upload-Offset"
)

// Sign derives the request credential: HMAC-SHA256 of the subject
// (upload or idempotency key) under the shared secret, hex encoded.
func Sign(secret, subject string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}
