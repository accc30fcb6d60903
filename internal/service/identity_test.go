package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generalapi/identity/internal/auth"
	"github.com/generalapi/identity/internal/model"
	"github.com/generalapi/identity/internal/notify"
	"github.com/generalapi/identity/internal/repository"
)

// ----- fakes -----

// memStore is an in-memory CredentialStore enforcing the same uniqueness
// rules as the accounts table.
type memStore struct {
	mu       sync.Mutex
	seq      uint64
	accounts map[uint64]*model.Account
}

func newMemStore() *memStore {
	return &memStore{accounts: map[uint64]*model.Account{}}
}

func (m *memStore) find(pred func(*model.Account) bool) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if pred(a) {
			return *a, nil
		}
	}
	return model.Account{}, repository.ErrNotFound
}

func strMatch(p *string, v string) bool { return p != nil && *p == v }

func (m *memStore) Create(_ context.Context, a model.Account) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Username == a.Username {
			return 0, repository.ErrUsernameExists
		}
		if existing.Email == a.Email {
			return 0, repository.ErrEmailExists
		}
	}
	m.seq++
	a.ID = m.seq
	m.accounts[a.ID] = &a
	return a.ID, nil
}

func (m *memStore) ByUsername(_ context.Context, u string) (model.Account, error) {
	return m.find(func(a *model.Account) bool { return a.Username == u })
}
func (m *memStore) ByEmail(_ context.Context, e string) (model.Account, error) {
	e = strings.ToLower(strings.TrimSpace(e))
	return m.find(func(a *model.Account) bool { return a.Email == e })
}
func (m *memStore) ByAPIKey(_ context.Context, k string) (model.Account, error) {
	return m.find(func(a *model.Account) bool { return strMatch(a.APIKey, k) })
}
func (m *memStore) ByVerificationToken(_ context.Context, t string) (model.Account, error) {
	return m.find(func(a *model.Account) bool { return strMatch(a.VerificationToken, t) })
}
func (m *memStore) ByResetToken(_ context.Context, t string) (model.Account, error) {
	return m.find(func(a *model.Account) bool { return strMatch(a.ResetToken, t) })
}

func (m *memStore) UsernameExists(ctx context.Context, u string) (bool, error) {
	_, err := m.ByUsername(ctx, u)
	return err == nil, nil
}
func (m *memStore) EmailExists(ctx context.Context, e string) (bool, error) {
	_, err := m.ByEmail(ctx, e)
	return err == nil, nil
}
func (m *memStore) APIKeyExists(ctx context.Context, k string) (bool, error) {
	_, err := m.ByAPIKey(ctx, k)
	return err == nil, nil
}
func (m *memStore) VerificationTokenExists(ctx context.Context, t string) (bool, error) {
	_, err := m.ByVerificationToken(ctx, t)
	return err == nil, nil
}
func (m *memStore) ResetTokenExists(ctx context.Context, t string) (bool, error) {
	_, err := m.ByResetToken(ctx, t)
	return err == nil, nil
}

func (m *memStore) MarkVerified(_ context.Context, id uint64, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.VerificationToken == nil {
		return repository.ErrNotFound
	}
	a.Verified = true
	a.APIKey = &apiKey
	a.VerificationToken = nil
	return nil
}

func (m *memStore) SetAPIKey(_ context.Context, id uint64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.APIKey = &key
	}
	return nil
}

func (m *memStore) SetResetToken(_ context.Context, id uint64, token string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.ResetToken = &token
		a.ResetTokenCreatedAt = &createdAt
	}
	return nil
}

func (m *memStore) ResetPassword(_ context.Context, id uint64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.ResetToken == nil {
		return repository.ErrNotFound
	}
	a.PasswordHash = &hash
	a.ResetToken = nil
	a.ResetTokenCreatedAt = nil
	return nil
}

// memSessions is an in-memory SessionCache. TTL is recorded but not enforced;
// expiry behavior belongs to Redis.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]string
}

func newMemSessions() *memSessions { return &memSessions{sessions: map[string]string{}} }

func (m *memSessions) Store(_ context.Context, username, token string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[username] = token
	return nil
}
func (m *memSessions) Exists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[username]
	return ok, nil
}
func (m *memSessions) Delete(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, username)
	return nil
}

// capturingNotifier records outbound messages instead of touching a broker.
type capturingNotifier struct {
	mu   sync.Mutex
	sent []notify.EmailMessage
}

func (n *capturingNotifier) SendEmail(_ context.Context, msg notify.EmailMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *capturingNotifier) messages() []notify.EmailMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.EmailMessage(nil), n.sent...)
}

// ----- harness -----

type fixture struct {
	store    *memStore
	sessions *memSessions
	notifier *capturingNotifier
	identity *Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	sessions := newMemSessions()
	notifier := &capturingNotifier{}
	identity := New(store, sessions, notifier,
		auth.NewPasswordHasher("test-secret"),
		auth.NewTokenCodec("test-secret"),
		Options{
			AccessTTL:   30 * time.Minute,
			RefreshTTL:  30 * 24 * time.Hour,
			FrontendURL: "https://app.example.com",
			FromEmail:   "GeneralAPI",
		})
	return &fixture{store: store, sessions: sessions, notifier: notifier, identity: identity}
}

func (f *fixture) register(t *testing.T, email, username, password string) {
	t.Helper()
	require.NoError(t, f.identity.Register(context.Background(), email, username, password))
}

func (f *fixture) verificationToken(t *testing.T, username string) string {
	t.Helper()
	acct, err := f.store.ByUsername(context.Background(), username)
	require.NoError(t, err)
	require.NotNil(t, acct.VerificationToken)
	return *acct.VerificationToken
}

func (f *fixture) registerVerified(t *testing.T, email, username, password string) string {
	t.Helper()
	f.register(t, email, username, password)
	key, err := f.identity.VerifyEmail(context.Background(), f.verificationToken(t, username))
	require.NoError(t, err)
	return key
}

// ----- tests -----

func TestRegisterAndVerifyEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "alice@x.com", "alice", "pw1")

	acct, err := f.store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, acct.Verified)
	assert.True(t, acct.Active)
	assert.Nil(t, acct.APIKey)
	require.NotNil(t, acct.VerificationToken)
	require.NotNil(t, acct.PasswordHash)
	assert.NotEqual(t, "pw1", *acct.PasswordHash)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@x.com", msgs[0].To)
	assert.Contains(t, msgs[0].Body, *acct.VerificationToken)

	key, err := f.identity.VerifyEmail(ctx, *acct.VerificationToken)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	verified, err := f.store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, verified.Verified)
	assert.Nil(t, verified.VerificationToken)
	require.NotNil(t, verified.APIKey)
	assert.Equal(t, key, *verified.APIKey)
}

func TestVerifyEmailConsumesTokenOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice@x.com", "alice", "pw1")
	token := f.verificationToken(t, "alice")

	_, err := f.identity.VerifyEmail(context.Background(), token)
	require.NoError(t, err)

	_, err = f.identity.VerifyEmail(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestVerifyEmailUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.identity.VerifyEmail(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.identity.Register(ctx, "not-an-email", "alice", "pw1"), ErrInvalidEmail)

	f.register(t, "alice@x.com", "alice", "pw1")
	assert.ErrorIs(t, f.identity.Register(ctx, "bob@x.com", "alice", "pw2"), repository.ErrUsernameExists)
	assert.ErrorIs(t, f.identity.Register(ctx, "alice@x.com", "bob", "pw2"), repository.ErrEmailExists)
}

func TestLoginLogoutRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "alice@x.com", "alice", "pw1")

	pair, err := f.identity.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.Access.Value)
	require.NotEmpty(t, pair.Refresh.Value)

	// Refresh succeeds exactly while the session exists.
	access, err := f.identity.Refresh(ctx, pair.Refresh.Value)
	require.NoError(t, err)
	assert.NotEmpty(t, access.Value)

	require.NoError(t, f.identity.Logout(ctx, "alice"))
	_, err = f.identity.Refresh(ctx, pair.Refresh.Value)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// Logout is idempotent.
	require.NoError(t, f.identity.Logout(ctx, "alice"))
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "alice@x.com", "alice", "pw1")

	_, err := f.identity.Login(ctx, "nobody", "pw1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.identity.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Provider-created accounts have no password; a password login against
	// them must fail with the same error.
	_, err = f.identity.LoginWithProvider(ctx, "carol@x.com", "carol")
	require.NoError(t, err)
	_, err = f.identity.Login(ctx, "carol", "anything")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginOverwritesPriorSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "alice@x.com", "alice", "pw1")

	first, err := f.identity.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	second, err := f.identity.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	// The session check is presence-based, so the first refresh token is
	// still accepted while the second session is live.
	_, err = f.identity.Refresh(ctx, first.Refresh.Value)
	assert.NoError(t, err)
	_, err = f.identity.Refresh(ctx, second.Refresh.Value)
	assert.NoError(t, err)

	require.NoError(t, f.identity.Logout(ctx, "alice"))
	_, err = f.identity.Refresh(ctx, second.Refresh.Value)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRefreshRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	_, err := f.identity.Refresh(context.Background(), "garbage")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestForgotPasswordAntiEnumeration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unknown email: success with zero side effects.
	require.NoError(t, f.identity.ForgotPassword(ctx, "ghost@x.com"))
	assert.Empty(t, f.notifier.messages())

	// Unverified account: same.
	f.register(t, "bob@x.com", "bob", "pw1")
	sent := len(f.notifier.messages()) // the verification email
	require.NoError(t, f.identity.ForgotPassword(ctx, "bob@x.com"))
	assert.Len(t, f.notifier.messages(), sent)

	// Provider account without a password: same.
	_, err := f.identity.LoginWithProvider(ctx, "carol@x.com", "carol")
	require.NoError(t, err)
	require.NoError(t, f.identity.ForgotPassword(ctx, "carol@x.com"))
	assert.Len(t, f.notifier.messages(), sent)
}

func TestForgotPasswordSendsResetLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "alice@x.com", "alice", "pw1")

	require.NoError(t, f.identity.ForgotPassword(ctx, "alice@x.com"))

	acct, err := f.store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, acct.ResetToken)
	require.NotNil(t, acct.ResetTokenCreatedAt)

	msgs := f.notifier.messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, "alice@x.com", last.To)
	assert.Contains(t, last.Body, *acct.ResetToken)
	assert.Contains(t, last.Body, strconv.FormatUint(acct.ID, 10))
}

func TestConfirmResetPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "alice@x.com", "alice", "pw1")
	require.NoError(t, f.identity.ForgotPassword(ctx, "alice@x.com"))

	acct, err := f.store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	id := strconv.FormatUint(acct.ID, 10)

	require.NoError(t, f.identity.ConfirmResetPassword(ctx, *acct.ResetToken, id, "pw2"))

	// The pair is cleared and the token cannot be replayed.
	after, err := f.store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, after.ResetToken)
	assert.Nil(t, after.ResetTokenCreatedAt)
	assert.ErrorIs(t, f.identity.ConfirmResetPassword(ctx, *acct.ResetToken, id, "pw3"),
		ErrInvalidOrExpiredToken)

	// Old password is out, new password is in.
	_, err = f.identity.Login(ctx, "alice", "pw1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.identity.Login(ctx, "alice", "pw2")
	assert.NoError(t, err)
}

func TestConfirmResetPasswordFailureModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "alice@x.com", "alice", "pw1")
	require.NoError(t, f.identity.ForgotPassword(ctx, "alice@x.com"))

	acct, err := f.store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	id := strconv.FormatUint(acct.ID, 10)

	// Unknown token.
	assert.ErrorIs(t, f.identity.ConfirmResetPassword(ctx, "bogus", id, "pw2"),
		ErrInvalidOrExpiredToken)

	// Account-id mismatch.
	assert.ErrorIs(t, f.identity.ConfirmResetPassword(ctx, *acct.ResetToken, "999", "pw2"),
		ErrInvalidOrExpiredToken)

	// Expired window: move the clock 16 minutes forward.
	f.identity.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	assert.ErrorIs(t, f.identity.ConfirmResetPassword(ctx, *acct.ResetToken, id, "pw2"),
		ErrInvalidOrExpiredToken)

	// Nothing changed: the original password still works.
	f.identity.now = time.Now
	_, err = f.identity.Login(ctx, "alice", "pw1")
	assert.NoError(t, err)
}

func TestAPIKeyLazyIssuanceAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.registerVerified(t, "alice@x.com", "alice", "pw1")

	// GetAPIKey returns the verified key without reallocating.
	key, err := f.identity.GetAPIKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, issued, key)

	// Reset always allocates fresh.
	fresh, err := f.identity.ResetAPIKey(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, issued, fresh)

	key, err = f.identity.GetAPIKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fresh, key)
}

func TestAPIKeyLazyIssuanceForProviderAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Provider accounts are verified but start with no API key; get-api-key
	// allocates one on first use.
	_, err := f.identity.LoginWithProvider(ctx, "carol@x.com", "carol")
	require.NoError(t, err)

	key, err := f.identity.GetAPIKey(ctx, "carol")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	again, err := f.identity.GetAPIKey(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestAPIKeyRequiresVerifiedActiveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "bob@x.com", "bob", "pw1") // never verified

	_, err := f.identity.GetAPIKey(ctx, "bob")
	assert.ErrorIs(t, err, ErrInactive)
	_, err = f.identity.ResetAPIKey(ctx, "bob")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestLoginWithProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.identity.LoginWithProvider(ctx, "Dana@X.com", "dana")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Access.Value)

	acct, err := f.store.ByEmail(ctx, "dana@x.com")
	require.NoError(t, err)
	assert.True(t, acct.Verified)
	assert.True(t, acct.Active)
	assert.Nil(t, acct.PasswordHash)
	assert.Equal(t, "dana", acct.Username)

	// Second provider login reuses the account instead of creating another.
	_, err = f.identity.LoginWithProvider(ctx, "dana@x.com", "dana")
	require.NoError(t, err)
	_, err = f.store.ByEmail(ctx, "dana@x.com")
	require.NoError(t, err)
	assert.Len(t, f.store.accounts, 1)
}

func TestLoginWithProviderUsernameCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "dana@x.com", "dana", "pw1")

	// Different email, same display name: the bridge must pick a distinct
	// username rather than fail.
	_, err := f.identity.LoginWithProvider(ctx, "dana@elsewhere.com", "dana")
	require.NoError(t, err)

	acct, err := f.store.ByEmail(ctx, "dana@elsewhere.com")
	require.NoError(t, err)
	assert.NotEqual(t, "dana", acct.Username)
	assert.True(t, strings.HasPrefix(acct.Username, "dana-"))
}
