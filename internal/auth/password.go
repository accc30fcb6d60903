// Package auth provides the credential primitives used by the identity
// service: password hashing, JWT issuance and verification, and random
// token generation.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 100_000

// PasswordHasher derives and verifies password digests. The salt is fixed
// per deployment: an HMAC-SHA256 of the server-wide secret. The scheme is
// therefore deterministic (the same password always yields the same digest)
// and its strength rests on the secrecy of the server key, not on per-user
// salts. PBKDF2-HMAC-SHA256 with 100k iterations keeps brute force slow.
type PasswordHasher struct {
	salt []byte
}

// NewPasswordHasher builds a hasher whose salt is derived from the given
// server-wide secret.
func NewPasswordHasher(secret string) *PasswordHasher {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("password-salt"))
	return &PasswordHasher{salt: mac.Sum(nil)}
}

// Hash returns the hex-encoded digest of the given password.
func (h *PasswordHasher) Hash(password string) string {
	key := pbkdf2.Key([]byte(password), h.salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(key)
}

// Verify recomputes the digest of the candidate password and compares it to
// the stored digest in constant time.
func (h *PasswordHasher) Verify(password, digest string) bool {
	computed := h.Hash(password)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
