// Package service implements the identity orchestration: registration with
// email verification, login and token issuance, session revocation, API-key
// management and the time-boxed password-reset flow.
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/generalapi/identity/internal/auth"
	"github.com/generalapi/identity/internal/model"
	"github.com/generalapi/identity/internal/notify"
	"github.com/generalapi/identity/internal/repository"
)

// resetWindow is how long a password-reset token stays valid. The sweeper
// uses the same window when purging stale tokens.
const resetWindow = 15 * time.Minute

const (
	apiKeyBytes     = 32 // 64 hex chars
	nonceTokenBytes = 32 // URL-safe verification / reset tokens
)

var (
	// ErrInvalidEmail is returned when a registration email fails syntax checks.
	ErrInvalidEmail = errors.New("invalid email format")
	// ErrInvalidCredentials is returned on login failure. A missing account,
	// an account without a password and a hash mismatch all collapse into
	// this one error so responses cannot be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrInvalidOrExpiredToken is returned when a verification or reset token
	// cannot be consumed: unknown, already used, outside its window, or tied
	// to a different account than claimed.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrInactive is returned when an API-key operation is attempted by an
	// unverified or deactivated account.
	ErrInactive = errors.New("account is inactive or unverified")
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// CredentialStore is the durable account record store consumed by the
// identity service. *repository.AccountRepo satisfies it; tests provide
// in-memory fakes.
type CredentialStore interface {
	Create(ctx context.Context, a model.Account) (uint64, error)
	ByUsername(ctx context.Context, username string) (model.Account, error)
	ByEmail(ctx context.Context, email string) (model.Account, error)
	ByAPIKey(ctx context.Context, key string) (model.Account, error)
	ByVerificationToken(ctx context.Context, token string) (model.Account, error)
	ByResetToken(ctx context.Context, token string) (model.Account, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	APIKeyExists(ctx context.Context, key string) (bool, error)
	VerificationTokenExists(ctx context.Context, token string) (bool, error)
	ResetTokenExists(ctx context.Context, token string) (bool, error)
	MarkVerified(ctx context.Context, id uint64, apiKey string) error
	SetAPIKey(ctx context.Context, id uint64, key string) error
	SetResetToken(ctx context.Context, id uint64, token string, createdAt time.Time) error
	ResetPassword(ctx context.Context, id uint64, passwordHash string) error
}

// SessionCache tracks the single active refresh-token session per username.
// *repository.SessionRepo satisfies it.
type SessionCache interface {
	Store(ctx context.Context, username, refreshToken string, ttl time.Duration) error
	Exists(ctx context.Context, username string) (bool, error)
	Delete(ctx context.Context, username string) error
}

// TokenPair is the access/refresh pair returned by login-style operations.
type TokenPair struct {
	Access  auth.Token
	Refresh auth.Token
}

// Options carries the tunables for the identity service.
type Options struct {
	AccessTTL   time.Duration // access token lifetime
	RefreshTTL  time.Duration // refresh token and session lifetime
	FrontendURL string        // base URL embedded in emailed links
	FromEmail   string        // sender identity on outbound emails
}

// Identity orchestrates the account lifecycle against the credential store,
// the session cache and the notifier. It holds no mutable state of its own;
// all account state lives in the external stores.
type Identity struct {
	store    CredentialStore
	sessions SessionCache
	notifier notify.Notifier
	hasher   *auth.PasswordHasher
	codec    *auth.TokenCodec
	opts     Options

	now func() time.Time // injected clock, time.Now in production
}

// New builds an Identity service.
func New(store CredentialStore, sessions SessionCache, notifier notify.Notifier,
	hasher *auth.PasswordHasher, codec *auth.TokenCodec, opts Options) *Identity {
	return &Identity{
		store:    store,
		sessions: sessions,
		notifier: notifier,
		hasher:   hasher,
		codec:    codec,
		opts:     opts,
		now:      time.Now,
	}
}

// Register validates the triple, creates an unverified account and emails a
// verification link. Duplicate checks surface repository.ErrUsernameExists
// and repository.ErrEmailExists.
func (s *Identity) Register(ctx context.Context, email, username, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	if taken, err := s.store.UsernameExists(ctx, username); err != nil {
		return fmt.Errorf("check username: %w", err)
	} else if taken {
		return repository.ErrUsernameExists
	}
	if taken, err := s.store.EmailExists(ctx, email); err != nil {
		return fmt.Errorf("check email: %w", err)
	} else if taken {
		return repository.ErrEmailExists
	}

	hash := s.hasher.Hash(password)
	token, err := auth.UniqueToken(ctx,
		func() (string, error) { return auth.RandomURLToken(nonceTokenBytes) },
		s.store.VerificationTokenExists)
	if err != nil {
		return fmt.Errorf("verification token: %w", err)
	}

	acct := model.Account{
		Username:          username,
		Email:             email,
		PasswordHash:      &hash,
		Verified:          false,
		Active:            true,
		VerificationToken: &token,
		CreatedAt:         s.now().UTC(),
	}
	if _, err := s.store.Create(ctx, acct); err != nil {
		return err
	}

	msg := notify.EmailMessage{
		From:    s.opts.FromEmail,
		To:      email,
		Subject: "Verify your email",
		Body:    fmt.Sprintf("Please verify your email by clicking on the following link: %s/auth/verify-email/%s", s.opts.FrontendURL, token),
	}
	if err := s.notifier.SendEmail(ctx, msg); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

// VerifyEmail consumes a verification token exactly once: the account is
// marked verified and receives its API key, which is returned to the caller.
// An unknown token means it never existed or was already swept.
func (s *Identity) VerifyEmail(ctx context.Context, token string) (string, error) {
	acct, err := s.store.ByVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrInvalidOrExpiredToken
		}
		return "", err
	}

	key, err := auth.UniqueToken(ctx,
		func() (string, error) { return auth.RandomHex(apiKeyBytes) },
		s.store.APIKeyExists)
	if err != nil {
		return "", fmt.Errorf("api key: %w", err)
	}
	if err := s.store.MarkVerified(ctx, acct.ID, key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost a race against a concurrent verification of the same token.
			return "", ErrInvalidOrExpiredToken
		}
		return "", err
	}
	return key, nil
}

// Login checks the password and issues a fresh token pair, replacing any
// existing session for the username.
func (s *Identity) Login(ctx context.Context, username, password string) (TokenPair, error) {
	acct, err := s.store.ByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}
	if !acct.HasPassword() || !s.hasher.Verify(password, *acct.PasswordHash) {
		return TokenPair{}, ErrInvalidCredentials
	}
	return s.issueSession(ctx, acct.Username)
}

// Logout revokes the session for the username. Idempotent: logging out an
// already-logged-out user succeeds.
func (s *Identity) Logout(ctx context.Context, username string) error {
	return s.sessions.Delete(ctx, username)
}

// Refresh validates a refresh token and mints a new access token. The check
// is session-presence based: any valid signed refresh token for a username
// with a live session is accepted, and the refresh token is not rotated.
func (s *Identity) Refresh(ctx context.Context, rawRefresh string) (auth.Token, error) {
	username, err := s.codec.Verify(rawRefresh)
	if err != nil {
		return auth.Token{}, auth.ErrInvalidToken
	}
	live, err := s.sessions.Exists(ctx, username)
	if err != nil {
		return auth.Token{}, fmt.Errorf("session lookup: %w", err)
	}
	if !live {
		return auth.Token{}, auth.ErrInvalidToken
	}
	return s.codec.IssueAccess(username, s.opts.AccessTTL)
}

// LoginWithProvider signs in a user whose email was verified by an external
// identity provider. A missing account is created on the fly, already
// verified and without a password. Token issuance then proceeds exactly as
// for a password login.
func (s *Identity) LoginWithProvider(ctx context.Context, email, name string) (TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	acct, err := s.store.ByEmail(ctx, email)
	if err == nil {
		return s.issueSession(ctx, acct.Username)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return TokenPair{}, err
	}

	username := strings.TrimSpace(name)
	if username == "" {
		username = email
		if i := strings.Index(email, "@"); i > 0 {
			username = email[:i]
		}
	}
	candidate := username
	for attempt := 0; ; attempt++ {
		_, err := s.store.Create(ctx, model.Account{
			Username:  candidate,
			Email:     email,
			Verified:  true, // the provider already verified the address
			Active:    true,
			CreatedAt: s.now().UTC(),
		})
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrUsernameExists) || attempt >= 3 {
			return TokenPair{}, err
		}
		suffix, rerr := auth.RandomHex(3)
		if rerr != nil {
			return TokenPair{}, rerr
		}
		candidate = username + "-" + suffix
	}
	return s.issueSession(ctx, candidate)
}

func (s *Identity) issueSession(ctx context.Context, username string) (TokenPair, error) {
	access, err := s.codec.IssueAccess(username, s.opts.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.codec.IssueRefresh(username, s.opts.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.sessions.Store(ctx, username, refresh.Value, s.opts.RefreshTTL); err != nil {
		return TokenPair{}, fmt.Errorf("store session: %w", err)
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// AccountByUsername loads an account for authenticated request handling.
func (s *Identity) AccountByUsername(ctx context.Context, username string) (model.Account, error) {
	return s.store.ByUsername(ctx, username)
}

// AccountByAPIKey resolves an API key to its account. Used by the X-API-Key
// middleware that guards key-authenticated endpoints.
func (s *Identity) AccountByAPIKey(ctx context.Context, key string) (model.Account, error) {
	return s.store.ByAPIKey(ctx, key)
}

// GetAPIKey returns the account's API key, allocating and persisting one if
// the account does not have one yet. Requires a verified, active account.
func (s *Identity) GetAPIKey(ctx context.Context, username string) (string, error) {
	acct, err := s.store.ByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if !acct.CanUseAPIKeys() {
		return "", ErrInactive
	}
	if acct.APIKey != nil && *acct.APIKey != "" {
		return *acct.APIKey, nil
	}
	return s.allocateAPIKey(ctx, acct.ID)
}

// ResetAPIKey discards the current API key and allocates a fresh one.
// Requires a verified, active account.
func (s *Identity) ResetAPIKey(ctx context.Context, username string) (string, error) {
	acct, err := s.store.ByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if !acct.CanUseAPIKeys() {
		return "", ErrInactive
	}
	return s.allocateAPIKey(ctx, acct.ID)
}

func (s *Identity) allocateAPIKey(ctx context.Context, id uint64) (string, error) {
	key, err := auth.UniqueToken(ctx,
		func() (string, error) { return auth.RandomHex(apiKeyBytes) },
		s.store.APIKeyExists)
	if err != nil {
		return "", fmt.Errorf("api key: %w", err)
	}
	if err := s.store.SetAPIKey(ctx, id, key); err != nil {
		return "", err
	}
	return key, nil
}

// ForgotPassword starts the reset flow. It always succeeds from the
// caller's point of view: when the email is unknown, unverified, inactive
// or has no password, nothing happens, so responses cannot be used to probe
// which addresses are registered. Otherwise a reset token is stored and a
// reset link is emailed.
func (s *Identity) ForgotPassword(ctx context.Context, email string) error {
	acct, err := s.store.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !acct.Verified || !acct.Active || !acct.HasPassword() {
		return nil
	}

	token, err := auth.UniqueToken(ctx,
		func() (string, error) { return auth.RandomURLToken(nonceTokenBytes) },
		s.store.ResetTokenExists)
	if err != nil {
		return fmt.Errorf("reset token: %w", err)
	}
	if err := s.store.SetResetToken(ctx, acct.ID, token, s.now().UTC()); err != nil {
		return err
	}

	msg := notify.EmailMessage{
		From:    s.opts.FromEmail,
		To:      acct.Email,
		Subject: "Reset your password",
		Body:    fmt.Sprintf("Please reset your password by clicking on the following link: %s/confirm-reset-password/%s/%d", s.opts.FrontendURL, token, acct.ID),
	}
	if err := s.notifier.SendEmail(ctx, msg); err != nil {
		return fmt.Errorf("send reset email: %w", err)
	}
	return nil
}

// ConfirmResetPassword consumes a reset token: the token must exist, be
// younger than the reset window, and belong to the account the caller
// claims. All three failures collapse into ErrInvalidOrExpiredToken. On
// success the new password hash is stored and the reset pair cleared.
func (s *Identity) ConfirmResetPassword(ctx context.Context, token, accountID, newPassword string) error {
	acct, err := s.store.ByResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}
	if acct.ResetTokenCreatedAt == nil || s.now().UTC().After(acct.ResetTokenCreatedAt.Add(resetWindow)) {
		return ErrInvalidOrExpiredToken
	}
	if accountID != strconv.FormatUint(acct.ID, 10) {
		return ErrInvalidOrExpiredToken
	}

	hash := s.hasher.Hash(newPassword)
	if err := s.store.ResetPassword(ctx, acct.ID, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}
	return nil
}
