package wxcrypt

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrSignatureMismatch means the msg_signature did not match the envelope.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrDecryptionFailure covers malformed base64, padding and frame layout.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrCorpIDMismatch means the frame decrypted but belongs to another corp.
	ErrCorpIDMismatch = errors.New("corp id mismatch")
)

// Signature computes the envelope signature over token, timestamp, nonce and
// the base64 ciphertext (or echostr during URL verification).
func Signature(token, timestamp, nonce, ciphertext string) string {
	parts := []string{token, timestamp, nonce, ciphertext}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether signature matches the envelope fields.
// The comparison is case-sensitive and constant-time; malformed input simply
// fails to match.
func VerifySignature(token, timestamp, nonce, ciphertext, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Signature(token, timestamp, nonce, ciphertext)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
