package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionRepo is the session cache: one active refresh-token session per
// username, stored in Redis under `refresh_token:<username>` with a TTL
// equal to the refresh-token lifetime. Storing a new session overwrites the
// previous one, which is how a fresh login invalidates the prior refresh
// token for rotation purposes.
type SessionRepo struct{ RDB *redis.Client }

func NewSessionRepo(rdb *redis.Client) *SessionRepo { return &SessionRepo{RDB: rdb} }

func sessionKey(username string) string {
	return fmt.Sprintf("refresh_token:%s", username)
}

// Store records the refresh token for the username, replacing any prior
// session and resetting the TTL.
func (r *SessionRepo) Store(ctx context.Context, username, refreshToken string, ttl time.Duration) error {
	return r.RDB.Set(ctx, sessionKey(username), refreshToken, ttl).Err()
}

// Exists reports whether the username currently has an active session.
// Refresh validation is presence-based: any valid signed refresh token for a
// currently-sessioned username is accepted.
func (r *SessionRepo) Exists(ctx context.Context, username string) (bool, error) {
	n, err := r.RDB.Exists(ctx, sessionKey(username)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete revokes the session for the username. Deleting a missing session
// is not an error, which keeps logout idempotent.
func (r *SessionRepo) Delete(ctx context.Context, username string) error {
	return r.RDB.Del(ctx, sessionKey(username)).Err()
}
