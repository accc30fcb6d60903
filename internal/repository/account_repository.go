package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/generalapi/identity/internal/model"
)

// AccountRepo is the credential store: durable account records in the
// `accounts` table.
type AccountRepo struct{ DB *sql.DB }

func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{DB: db} }

const accountColumns = "id,username,email,password_hash,api_key,verified,active,verification_token,reset_token,reset_token_created_at,created_at"

// Create inserts an account and returns its ID. Duplicate-key violations are
// mapped to sentinel errors by the unique index named in the driver message,
// so a collision on a token column (possible but vanishingly rare past the
// retry loop) surfaces as the raw error instead of a misleading sentinel.
func (r *AccountRepo) Create(ctx context.Context, a model.Account) (uint64, error) {
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, api_key, verified, active, verification_token, created_at) VALUES (?,?,?,?,?,?,?,?)",
		a.Username, a.Email, a.PasswordHash, a.APIKey, a.Verified, a.Active, a.VerificationToken, a.CreatedAt)
	if err != nil {
		if msg := err.Error(); strings.Contains(msg, "1062") {
			switch {
			case strings.Contains(msg, "uq_accounts_username"):
				return 0, ErrUsernameExists
			case strings.Contains(msg, "uq_accounts_email"):
				return 0, ErrEmailExists
			}
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// ByUsername fetches an account by username.
func (r *AccountRepo) ByUsername(ctx context.Context, username string) (model.Account, error) {
	return r.one(ctx, "username", username)
}

// ByEmail fetches an account by normalized email.
func (r *AccountRepo) ByEmail(ctx context.Context, email string) (model.Account, error) {
	return r.one(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// ByAPIKey fetches an account by API key.
func (r *AccountRepo) ByAPIKey(ctx context.Context, key string) (model.Account, error) {
	return r.one(ctx, "api_key", key)
}

// ByVerificationToken fetches an account by its pending verification token.
func (r *AccountRepo) ByVerificationToken(ctx context.Context, token string) (model.Account, error) {
	return r.one(ctx, "verification_token", token)
}

// ByResetToken fetches an account by its pending password-reset token.
func (r *AccountRepo) ByResetToken(ctx context.Context, token string) (model.Account, error) {
	return r.one(ctx, "reset_token", token)
}

func (r *AccountRepo) one(ctx context.Context, column, value string) (model.Account, error) {
	var (
		a       model.Account
		resetAt sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE "+column+"=? LIMIT 1",
		value).Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.APIKey,
		&a.Verified, &a.Active, &a.VerificationToken, &a.ResetToken, &resetAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return model.Account{}, ErrNotFound
	}
	if err != nil {
		return model.Account{}, err
	}
	if resetAt.Valid {
		t := resetAt.Time
		a.ResetTokenCreatedAt = &t
	}
	return a, nil
}

// UsernameExists reports whether a username is already taken.
func (r *AccountRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, "username", username)
}

// EmailExists reports whether an email is already registered.
func (r *AccountRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// APIKeyExists reports whether an API key value is already in use.
func (r *AccountRepo) APIKeyExists(ctx context.Context, key string) (bool, error) {
	return r.exists(ctx, "api_key", key)
}

// VerificationTokenExists reports whether a verification token is in use.
func (r *AccountRepo) VerificationTokenExists(ctx context.Context, token string) (bool, error) {
	return r.exists(ctx, "verification_token", token)
}

// ResetTokenExists reports whether a reset token is in use.
func (r *AccountRepo) ResetTokenExists(ctx context.Context, token string) (bool, error) {
	return r.exists(ctx, "reset_token", token)
}

func (r *AccountRepo) exists(ctx context.Context, column, value string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE "+column+"=?)", value).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkVerified flips the account to verified, assigns its API key and
// consumes the verification token. The WHERE clause requires the token to
// still be present, so two racing verifications can only succeed once; the
// loser observes zero affected rows and gets ErrNotFound.
func (r *AccountRepo) MarkVerified(ctx context.Context, id uint64, apiKey string) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET verified=1, api_key=?, verification_token=NULL WHERE id=? AND verification_token IS NOT NULL",
		apiKey, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAPIKey stores a new API key on the account.
func (r *AccountRepo) SetAPIKey(ctx context.Context, id uint64, key string) error {
	_, err := r.DB.ExecContext(ctx, "UPDATE accounts SET api_key=? WHERE id=?", key, id)
	return err
}

// SetResetToken records a pending password-reset token and its issue time.
func (r *AccountRepo) SetResetToken(ctx context.Context, id uint64, token string, createdAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET reset_token=?, reset_token_created_at=? WHERE id=?",
		token, createdAt, id)
	return err
}

// ResetPassword stores the new password hash and clears the reset pair in a
// single statement. Requiring the token to still be present makes the
// consume-once guarantee hold under concurrent confirmations.
func (r *AccountRepo) ResetPassword(ctx context.Context, id uint64, passwordHash string) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET password_hash=?, reset_token=NULL, reset_token_created_at=NULL WHERE id=? AND reset_token IS NOT NULL",
		passwordHash, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearExpiredResetTokens removes reset pairs issued before the cutoff.
// The account itself survives; only the pending reset flow is expired.
func (r *AccountRepo) ClearExpiredResetTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET reset_token=NULL, reset_token_created_at=NULL WHERE reset_token_created_at < ?",
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteStaleUnverified deletes accounts that never completed email
// verification within the allowed window.
func (r *AccountRepo) DeleteStaleUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM accounts WHERE verified=0 AND created_at < ?",
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
