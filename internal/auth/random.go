package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// maxUniqueAttempts bounds the collision-retry loop in UniqueToken. A
// collision between 32-byte random values is astronomically unlikely, so
// hitting the cap points at a broken store or RNG rather than bad luck.
const maxUniqueAttempts = 5

// ErrTokenSpaceExhausted is returned when UniqueToken fails to produce an
// unused value within maxUniqueAttempts.
var ErrTokenSpaceExhausted = errors.New("could not generate a unique token")

// RandomHex returns a hex-encoded string generated from n bytes of
// cryptographically secure random data. Used for API keys.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RandomURLToken returns a URL-safe base64 string generated from n bytes of
// cryptographically secure random data. Used for verification and reset
// tokens, which travel inside emailed links.
func RandomURLToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// UniqueToken generates values with gen until exists reports one that is not
// already present, retrying at most maxUniqueAttempts times. The database's
// unique indexes remain the final arbiter; this loop just keeps the common
// path free of constraint errors.
func UniqueToken(ctx context.Context, gen func() (string, error), exists func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < maxUniqueAttempts; i++ {
		token, err := gen()
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		taken, err := exists(ctx, token)
		if err != nil {
			return "", fmt.Errorf("check token uniqueness: %w", err)
		}
		if !taken {
			return token, nil
		}
	}
	return "", ErrTokenSpaceExhausted
}
