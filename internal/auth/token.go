package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails signature verification, is
// expired, is malformed, or carries no username claim.
var ErrInvalidToken = errors.New("invalid token")

// Token is a signed JWT along with its expiry. The Value field contains the
// serialized JWT string; Exp records the UTC expiration time so callers can
// set cookie lifetimes without re-parsing the token.
type Token struct {
	Value string
	Exp   time.Time
}

// TokenCodec signs and verifies the HS256 JWTs used as access and refresh
// tokens. Both token kinds share the same claim shape {username, exp, iat};
// only the lifetime differs. The codec is stateless: expiry is embedded in
// the token and enforced during parsing, revocation lives in the session
// cache, not here.
type TokenCodec struct {
	secret []byte
}

// NewTokenCodec returns a codec signing with the given server-wide secret.
func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

// IssueAccess signs a short-lived access token for the username.
func (tc *TokenCodec) IssueAccess(username string, ttl time.Duration) (Token, error) {
	return tc.issue(username, ttl)
}

// IssueRefresh signs a long-lived refresh token for the username.
func (tc *TokenCodec) IssueRefresh(username string, ttl time.Duration) (Token, error) {
	return tc.issue(username, ttl)
}

func (tc *TokenCodec) issue(username string, ttl time.Duration) (Token, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"username": username,
		"exp":      exp.Unix(),
		"iat":      now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(tc.secret)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, Exp: exp}, nil
}

// Verify parses and validates a token and returns the username claim.
// Signature mismatch, expiry, a non-HMAC signing method, and a missing or
// empty username claim all collapse to ErrInvalidToken.
func (tc *TokenCodec) Verify(raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return tc.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	username, ok := claims["username"].(string)
	if !ok || username == "" {
		return "", ErrInvalidToken
	}
	return username, nil
}
