package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generalapi/identity/internal/model"
)

const insertAccount = "INSERT INTO accounts (username, email, password_hash, api_key, verified, active, verification_token, created_at) VALUES (?,?,?,?,?,?,?,?)"

func newMockRepo(t *testing.T) (*AccountRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAccountRepo(db), mock
}

func TestCreateReturnsInsertID(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	hash := "pbkdf2-hash"
	token := "verification-token"

	mock.ExpectExec(insertAccount).
		WithArgs("alice", "alice@x.com", hash, nil, false, true, token, now).
		WillReturnResult(sqlmock.NewResult(7, 1))

	id, err := repo.Create(context.Background(), model.Account{
		Username:          "alice",
		Email:             "alice@x.com",
		PasswordHash:      &hash,
		Active:            true,
		VerificationToken: &token,
		CreatedAt:         now,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsDuplicateKeyByIndexName(t *testing.T) {
	cases := []struct {
		name   string
		driver string
		want   error
	}{
		{
			name:   "username index",
			driver: "Error 1062 (23000): Duplicate entry 'alice' for key 'accounts.uq_accounts_username'",
			want:   ErrUsernameExists,
		},
		{
			name:   "email index",
			driver: "Error 1062 (23000): Duplicate entry 'username@x.com' for key 'accounts.uq_accounts_email'",
			want:   ErrEmailExists,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectExec(insertAccount).WillReturnError(errors.New(tc.driver))

			_, err := repo.Create(context.Background(), model.Account{Username: "alice", Email: "username@x.com"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateKeepsUnrecognizedDuplicateRaw(t *testing.T) {
	// A duplicate on a token column must surface as-is, not masquerade as a
	// taken username or email.
	repo, mock := newMockRepo(t)
	raw := errors.New("Error 1062 (23000): Duplicate entry 'abc' for key 'accounts.uq_accounts_verification_token'")
	mock.ExpectExec(insertAccount).WillReturnError(raw)

	_, err := repo.Create(context.Background(), model.Account{Username: "alice", Email: "alice@x.com"})
	assert.NotErrorIs(t, err, ErrUsernameExists)
	assert.NotErrorIs(t, err, ErrEmailExists)
	assert.EqualError(t, err, raw.Error())
}

func TestDeleteStaleUnverifiedPredicate(t *testing.T) {
	// Deletion is restricted to unverified rows older than the cutoff. A
	// verified account must never be deleted regardless of age, and a fresh
	// unverified one must survive, so the exact WHERE clause is pinned here.
	repo, mock := newMockRepo(t)
	cutoff := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM accounts WHERE verified=0 AND created_at < ?").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteStaleUnverified(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearExpiredResetTokensPredicate(t *testing.T) {
	// Expiry clears only the pending reset pair of rows past the cutoff; the
	// statement must be an UPDATE so the account itself survives.
	repo, mock := newMockRepo(t)
	cutoff := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE accounts SET reset_token=NULL, reset_token_created_at=NULL WHERE reset_token_created_at < ?").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ClearExpiredResetTokens(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkVerifiedConsumesTokenOnce(t *testing.T) {
	const stmt = "UPDATE accounts SET verified=1, api_key=?, verification_token=NULL WHERE id=? AND verification_token IS NOT NULL"

	repo, mock := newMockRepo(t)
	mock.ExpectExec(stmt).
		WithArgs("key-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkVerified(context.Background(), 1, "key-1"))

	// Zero affected rows means the token was already consumed.
	mock.ExpectExec(stmt).
		WithArgs("key-2", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.MarkVerified(context.Background(), 1, "key-2"), ErrNotFound)
}
