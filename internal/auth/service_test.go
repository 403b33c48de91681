package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with the same lockout semantics as the
// Postgres repository.
type memStore struct {
	mu    sync.Mutex
	users map[string]*User
	seq   int
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*User)}
}

func (m *memStore) FindByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) FindByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return *u, nil
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) FindByUsernameOrEmail(_ context.Context, username, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username || u.Email == email {
			return *u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) FindByResetTokenHash(_ context.Context, digest string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ResetTokenHash != nil && *u.ResetTokenHash == digest {
			return *u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) Create(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username || u.Email == user.Email {
			return User{}, ErrDuplicateUser
		}
	}
	m.seq++
	user.ID = "user-" + strconv.Itoa(m.seq)
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = &user
	return user, nil
}

func (m *memStore) RegisterFailedLogin(_ context.Context, userID string, maxAttempts int, lockWindow time.Duration, now time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, nil, ErrUserNotFound
	}

	if u.LockedUntil != nil && now.Before(*u.LockedUntil) {
		until := *u.LockedUntil
		return u.LoginAttempts, &until, nil
	}

	if u.LockedUntil != nil {
		u.LoginAttempts = 1
		u.LockedUntil = nil
	} else {
		u.LoginAttempts++
	}

	if u.LoginAttempts >= maxAttempts {
		until := now.Add(lockWindow)
		u.LockedUntil = &until
		return u.LoginAttempts, &until, nil
	}

	return u.LoginAttempts, nil, nil
}

func (m *memStore) RecordLogin(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.LoginAttempts = 0
	u.LockedUntil = nil
	login := now
	u.LastLogin = &login
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, userID, passwordHash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	stamp := changedAt
	u.PasswordChangedAt = &stamp
	u.ResetTokenHash = nil
	u.ResetTokenExpiry = nil
	return nil
}

func (m *memStore) SetResetToken(_ context.Context, userID, digest string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.ResetTokenHash = &digest
	u.ResetTokenExpiry = &expiry
	return nil
}

func (m *memStore) ClearResetToken(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.ResetTokenHash = nil
	u.ResetTokenExpiry = nil
	return nil
}

func (m *memStore) get(t *testing.T, id string) User {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	require.True(t, ok, "user %s not in store", id)
	return *u
}

func (m *memStore) mutate(id string, fn func(*User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		fn(u)
	}
}

type memMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

type sentMail struct {
	to, subject, text, html string
}

func (m *memMailer) Send(_ context.Context, to, subject, text, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, text: text, html: html})
	return nil
}

func newTestService(t *testing.T) (*Service, *memStore, *memMailer) {
	t.Helper()
	store := newMemStore()
	mailer := &memMailer{}
	issuer := NewTokenIssuer("access-secret", "refresh-secret", time.Hour, 24*time.Hour)
	service, err := NewService(store, NewPasswordHasher(DefaultHashCost), issuer, mailer, "https://bins.example.com")
	require.NoError(t, err)
	return service, store, mailer
}

func registerUser(t *testing.T, service *Service, username, email, password string) User {
	t.Helper()
	user, _, err := service.Register(context.Background(), username, email, password, "", false)
	require.NoError(t, err)
	return user
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates user and issues both tokens", func(t *testing.T) {
		service, _, _ := newTestService(t)

		user, tokens, err := service.Register(ctx, "alice", "alice@x.com", "Sup3r!Secret", "", false)
		require.NoError(t, err)
		assert.Equal(t, "alice", user.Username)
		assert.Equal(t, "alice@x.com", user.Email)
		assert.Equal(t, RoleUser, user.Role)
		assert.True(t, user.Active)
		assert.NotEmpty(t, tokens.AccessToken)
		assert.NotEmpty(t, tokens.RefreshToken)
	})

	t.Run("requested admin role is forced to user for anonymous callers", func(t *testing.T) {
		service, _, _ := newTestService(t)

		user, _, err := service.Register(ctx, "alice", "alice@x.com", "Sup3r!Secret", RoleAdmin, false)
		require.NoError(t, err)
		assert.Equal(t, RoleUser, user.Role)
	})

	t.Run("admin caller may assign a role", func(t *testing.T) {
		service, _, _ := newTestService(t)

		user, _, err := service.Register(ctx, "carol", "carol@x.com", "password123", RoleSupervisor, true)
		require.NoError(t, err)
		assert.Equal(t, RoleSupervisor, user.Role)
	})

	t.Run("email is lowercased and trimmed", func(t *testing.T) {
		service, _, _ := newTestService(t)

		user, _, err := service.Register(ctx, "dave", "  Dave@X.COM ", "password123", "", false)
		require.NoError(t, err)
		assert.Equal(t, "dave@x.com", user.Email)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		service, _, _ := newTestService(t)
		registerUser(t, service, "alice", "alice@x.com", "password123")

		_, _, err := service.Register(ctx, "alice2", "alice@x.com", "password123", "", false)
		assert.ErrorIs(t, err, ErrDuplicateUser)
	})

	t.Run("input validation", func(t *testing.T) {
		service, _, _ := newTestService(t)

		tests := []struct {
			name     string
			username string
			email    string
			password string
		}{
			{"short username", "ab", "a@x.com", "password123"},
			{"username with spaces", "a b c", "a@x.com", "password123"},
			{"bad email", "alice", "not-an-email", "password123"},
			{"short password", "alice", "a@x.com", "short12"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, _, err := service.Register(ctx, tt.username, tt.email, tt.password, "", false)
				var validationErr ValidationError
				assert.ErrorAs(t, err, &validationErr)
			})
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("success updates last login and resets attempts", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		store.mutate(user.ID, func(u *User) { u.LoginAttempts = 3 })

		got, tokens, err := service.Login(ctx, "alice@x.com", "password123")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
		assert.NotEmpty(t, tokens.AccessToken)
		assert.NotEmpty(t, tokens.RefreshToken)

		stored := store.get(t, user.ID)
		assert.Equal(t, 0, stored.LoginAttempts)
		assert.NotNil(t, stored.LastLogin)
	})

	t.Run("unknown email is indistinguishable from wrong password", func(t *testing.T) {
		service, _, _ := newTestService(t)
		registerUser(t, service, "alice", "alice@x.com", "password123")

		_, _, unknownErr := service.Login(ctx, "nobody@x.com", "password123")
		_, _, wrongErr := service.Login(ctx, "alice@x.com", "wrongpassword")
		assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
		assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	})

	t.Run("deactivated account is rejected before tokens", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		store.mutate(user.ID, func(u *User) { u.Active = false })

		_, tokens, err := service.Login(ctx, "alice@x.com", "password123")
		assert.ErrorIs(t, err, ErrAccountDisabled)
		assert.Empty(t, tokens.AccessToken)
	})

	t.Run("five failures lock the account for the lock window", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")

		for i := 1; i <= 4; i++ {
			_, _, err := service.Login(ctx, "alice@x.com", "wrongpassword")
			assert.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
			assert.Equal(t, i, store.get(t, user.ID).LoginAttempts, "attempt %d", i)
		}

		before := time.Now().UTC()
		_, _, err := service.Login(ctx, "alice@x.com", "wrongpassword")
		var locked ErrLoginLocked
		require.ErrorAs(t, err, &locked)

		stored := store.get(t, user.ID)
		assert.Equal(t, 5, stored.LoginAttempts)
		require.NotNil(t, stored.LockedUntil)
		assert.WithinDuration(t, before.Add(defaultLockWindow), *stored.LockedUntil, 5*time.Second)
	})

	t.Run("attempts during the lock window do not increment the counter", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		until := time.Now().UTC().Add(10 * time.Minute)
		store.mutate(user.ID, func(u *User) {
			u.LoginAttempts = 5
			u.LockedUntil = &until
		})

		_, _, err := service.Login(ctx, "alice@x.com", "wrongpassword")
		var locked ErrLoginLocked
		require.ErrorAs(t, err, &locked)
		assert.Equal(t, until, locked.Until)
		assert.Equal(t, 5, store.get(t, user.ID).LoginAttempts)

		// The correct password is rejected the same way while locked.
		_, _, err = service.Login(ctx, "alice@x.com", "password123")
		assert.ErrorAs(t, err, &locked)
	})

	t.Run("elapsed lock plus failure restarts the counter at one", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		until := time.Now().UTC().Add(-time.Minute)
		store.mutate(user.ID, func(u *User) {
			u.LoginAttempts = 5
			u.LockedUntil = &until
		})

		_, _, err := service.Login(ctx, "alice@x.com", "wrongpassword")
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		stored := store.get(t, user.ID)
		assert.Equal(t, 1, stored.LoginAttempts)
		assert.Nil(t, stored.LockedUntil)
	})

	t.Run("elapsed lock plus success clears the lock", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		until := time.Now().UTC().Add(-time.Minute)
		store.mutate(user.ID, func(u *User) {
			u.LoginAttempts = 5
			u.LockedUntil = &until
		})

		_, _, err := service.Login(ctx, "alice@x.com", "password123")
		require.NoError(t, err)

		stored := store.get(t, user.ID)
		assert.Equal(t, 0, stored.LoginAttempts)
		assert.Nil(t, stored.LockedUntil)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("valid refresh token mints a new access token only", func(t *testing.T) {
		service, _, _ := newTestService(t)
		registerUser(t, service, "alice", "alice@x.com", "password123")
		_, tokens, err := service.Login(ctx, "alice@x.com", "password123")
		require.NoError(t, err)

		user, refreshed, err := service.Refresh(ctx, tokens.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "alice", user.Username)
		assert.NotEmpty(t, refreshed.AccessToken)
		assert.Empty(t, refreshed.RefreshToken)
	})

	t.Run("all verification failures collapse to one generic outcome", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		_, tokens, err := service.Login(ctx, "alice@x.com", "password123")
		require.NoError(t, err)

		otherIssuer := NewTokenIssuer("other-secret", "other-secret", time.Hour, 24*time.Hour)
		tampered, err := otherIssuer.IssueRefresh(user.ID, time.Now().UTC())
		require.NoError(t, err)

		expired, err := service.issuer.IssueRefresh(user.ID, time.Now().UTC().Add(-30*24*time.Hour))
		require.NoError(t, err)

		accessAsRefresh := tokens.AccessToken

		for name, token := range map[string]string{
			"tampered":   tampered,
			"expired":    expired,
			"malformed":  "not-a-token",
			"wrong type": accessAsRefresh,
		} {
			_, _, err := service.Refresh(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidOrExpiredToken, name)
		}

		// A token for a user that no longer exists fails the same way.
		store.mu.Lock()
		delete(store.users, user.ID)
		store.mu.Unlock()
		_, _, err = service.Refresh(ctx, tokens.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("deactivated user cannot refresh", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		_, tokens, err := service.Login(ctx, "alice@x.com", "password123")
		require.NoError(t, err)

		store.mutate(user.ID, func(u *User) { u.Active = false })
		_, _, err = service.Refresh(ctx, tokens.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})
}

func TestForgotPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a token and mails the reset link", func(t *testing.T) {
		service, store, mailer := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")

		require.NoError(t, service.ForgotPassword(ctx, "alice@x.com"))

		stored := store.get(t, user.ID)
		require.NotNil(t, stored.ResetTokenHash)
		require.NotNil(t, stored.ResetTokenExpiry)
		assert.WithinDuration(t, time.Now().UTC().Add(ResetTokenTTL), *stored.ResetTokenExpiry, 5*time.Second)

		require.Len(t, mailer.sent, 1)
		assert.Equal(t, "alice@x.com", mailer.sent[0].to)
		assert.Contains(t, mailer.sent[0].text, "https://bins.example.com/reset-password/")
		// The stored value is the digest, never the plaintext.
		assert.NotContains(t, mailer.sent[0].text, *stored.ResetTokenHash)
	})

	t.Run("unknown email returns the identical nil outcome", func(t *testing.T) {
		service, _, mailer := newTestService(t)

		require.NoError(t, service.ForgotPassword(ctx, "nobody@x.com"))
		assert.Empty(t, mailer.sent)
	})

	t.Run("delivery failure rolls the token back", func(t *testing.T) {
		service, store, mailer := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		mailer.fail = errors.New("smtp down")

		err := service.ForgotPassword(ctx, "alice@x.com")
		require.Error(t, err)

		stored := store.get(t, user.ID)
		assert.Nil(t, stored.ResetTokenHash)
		assert.Nil(t, stored.ResetTokenExpiry)
	})
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()

	// issueReset runs the forgot flow and extracts the plaintext token from
	// the captured mail.
	issueReset := func(t *testing.T, service *Service, mailer *memMailer, email string) string {
		t.Helper()
		require.NoError(t, service.ForgotPassword(ctx, email))
		require.NotEmpty(t, mailer.sent)
		text := mailer.sent[len(mailer.sent)-1].text
		marker := "https://bins.example.com/reset-password/"
		idx := strings.Index(text, marker)
		require.GreaterOrEqual(t, idx, 0)
		token := text[idx+len(marker):]
		if end := strings.IndexAny(token, " \r\n"); end >= 0 {
			token = token[:end]
		}
		return token
	}

	t.Run("token is usable exactly once", func(t *testing.T) {
		service, store, mailer := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		token := issueReset(t, service, mailer, "alice@x.com")

		got, tokens, err := service.ResetPassword(ctx, token, "newpassword456")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
		assert.NotEmpty(t, tokens.AccessToken)
		assert.NotEmpty(t, tokens.RefreshToken)

		stored := store.get(t, user.ID)
		assert.Nil(t, stored.ResetTokenHash)
		assert.Nil(t, stored.ResetTokenExpiry)
		require.NotNil(t, stored.PasswordChangedAt)

		_, _, err = service.ResetPassword(ctx, token, "anotherpassword")
		assert.ErrorIs(t, err, ErrResetTokenInvalid)

		// The new password works, the old one does not.
		_, _, err = service.Login(ctx, "alice@x.com", "newpassword456")
		require.NoError(t, err)
		_, _, err = service.Login(ctx, "alice@x.com", "password123")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("expired token is rejected with the generic failure", func(t *testing.T) {
		service, store, mailer := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")
		token := issueReset(t, service, mailer, "alice@x.com")

		expired := time.Now().UTC().Add(-time.Minute)
		store.mutate(user.ID, func(u *User) { u.ResetTokenExpiry = &expired })

		_, _, err := service.ResetPassword(ctx, token, "newpassword456")
		assert.ErrorIs(t, err, ErrResetTokenInvalid)
	})

	t.Run("unknown token is rejected with the generic failure", func(t *testing.T) {
		service, _, _ := newTestService(t)

		_, _, err := service.ResetPassword(ctx, "deadbeef", "newpassword456")
		assert.ErrorIs(t, err, ErrResetTokenInvalid)
	})

	t.Run("tokens issued before the reset become stale", func(t *testing.T) {
		service, _, mailer := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")

		oldAccess, err := service.issuer.IssueAccess(user.ID, time.Now().UTC().Add(-time.Minute))
		require.NoError(t, err)
		_, err = service.Authenticate(ctx, oldAccess)
		require.NoError(t, err)

		token := issueReset(t, service, mailer, "alice@x.com")
		_, fresh, err := service.ResetPassword(ctx, token, "newpassword456")
		require.NoError(t, err)

		_, err = service.Authenticate(ctx, oldAccess)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

		_, err = service.Authenticate(ctx, fresh.AccessToken)
		assert.NoError(t, err)
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong current password is unauthorized", func(t *testing.T) {
		service, _, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")

		_, err := service.ChangePassword(ctx, user.ID, "wrongpassword", "newpassword456")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("correct current password swaps the hash and mints a token", func(t *testing.T) {
		service, store, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")

		oldAccess, err := service.issuer.IssueAccess(user.ID, time.Now().UTC().Add(-time.Minute))
		require.NoError(t, err)

		access, err := service.ChangePassword(ctx, user.ID, "password123", "newpassword456")
		require.NoError(t, err)
		assert.NotEmpty(t, access)

		stored := store.get(t, user.ID)
		require.NotNil(t, stored.PasswordChangedAt)

		_, err = service.Authenticate(ctx, access)
		assert.NoError(t, err)
		_, err = service.Authenticate(ctx, oldAccess)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

		_, _, err = service.Login(ctx, "alice@x.com", "newpassword456")
		assert.NoError(t, err)
	})

	t.Run("new password is validated", func(t *testing.T) {
		service, _, _ := newTestService(t)
		user := registerUser(t, service, "alice", "alice@x.com", "password123")

		_, err := service.ChangePassword(ctx, user.ID, "password123", "short")
		var validationErr ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})
}

func TestSeedAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the admin once", func(t *testing.T) {
		service, store, _ := newTestService(t)

		require.NoError(t, service.SeedAdmin(ctx, "admin", "ops@x.com", "adminpassword"))
		user, err := store.FindByEmail(ctx, "ops@x.com")
		require.NoError(t, err)
		assert.Equal(t, RoleAdmin, user.Role)

		// Idempotent on re-run.
		require.NoError(t, service.SeedAdmin(ctx, "admin", "ops@x.com", "adminpassword"))
	})
}
