package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 30 * time.Minute
)

var (
	ErrInvalidCredentials    = errors.New("incorrect email or password")
	ErrAccountDisabled       = errors.New("account has been deactivated")
	ErrInvalidOrExpiredToken = errors.New("token is invalid or has expired")
	ErrResetTokenInvalid     = errors.New("reset token is invalid or has expired")
)

// ErrLoginLocked reports an in-effect lockout window.
type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return fmt.Sprintf("account locked, try again in %d minutes", e.RemainingMinutes())
}

func (e ErrLoginLocked) RemainingMinutes() int {
	minutes := int(time.Until(e.Until).Minutes()) + 1
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// Store is the credential store contract the façade orchestrates against.
// *Repository is the Postgres implementation; tests use an in-memory fake.
type Store interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	FindByUsernameOrEmail(ctx context.Context, username, email string) (User, error)
	FindByResetTokenHash(ctx context.Context, digest string) (User, error)
	Create(ctx context.Context, user User) (User, error)
	RegisterFailedLogin(ctx context.Context, userID string, maxAttempts int, lockWindow time.Duration, now time.Time) (int, *time.Time, error)
	RecordLogin(ctx context.Context, userID string, now time.Time) error
	UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error
	SetResetToken(ctx context.Context, userID, digest string, expiry time.Time) error
	ClearResetToken(ctx context.Context, userID string) error
}

// Mailer delivers the reset message. The service constructs the content and
// rolls back the issued token if delivery fails.
type Mailer interface {
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

type Service struct {
	store       Store
	hasher      *PasswordHasher
	issuer      *TokenIssuer
	mailer      Mailer
	baseURL     string
	maxAttempts int
	lockWindow  time.Duration

	// dummyHash keeps the unknown-email login path doing the same bcrypt
	// work as the wrong-password path.
	dummyHash string
}

func NewService(store Store, hasher *PasswordHasher, issuer *TokenIssuer, mailer Mailer, baseURL string) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	if issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	if mailer == nil {
		return nil, errors.New("mailer is required")
	}

	dummyHash, err := hasher.Hash("binwatch-timing-filler")
	if err != nil {
		return nil, fmt.Errorf("precompute filler hash: %w", err)
	}

	return &Service{
		store:       store,
		hasher:      hasher,
		issuer:      issuer,
		mailer:      mailer,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: defaultMaxAttempts,
		lockWindow:  defaultLockWindow,
		dummyHash:   dummyHash,
	}, nil
}

// WithLockoutPolicy overrides the failed-attempt threshold and lock window.
func (s *Service) WithLockoutPolicy(maxAttempts int, lockWindow time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockWindow > 0 {
		s.lockWindow = lockWindow
	}
}

// SeedAdmin creates the initial admin account when no user owns the email
// yet. Deployments need one admin before roles can be granted.
func (s *Service) SeedAdmin(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = NormalizeEmail(email)

	if err := validateNewUser(username, email, password); err != nil {
		return err
	}

	_, err := s.store.FindByUsernameOrEmail(ctx, username, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	_, err = s.store.Create(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Active:       true,
	})
	return err
}

// Register creates a user and signs it in. The requested role only sticks
// when the caller is an authenticated admin; everyone else gets "user".
func (s *Service) Register(ctx context.Context, username, email, password, role string, callerIsAdmin bool) (User, Tokens, error) {
	username = strings.TrimSpace(username)
	email = NormalizeEmail(email)

	if err := validateNewUser(username, email, password); err != nil {
		return User{}, Tokens{}, err
	}

	if !callerIsAdmin || !ValidRole(role) {
		role = RoleUser
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, Tokens{}, err
	}

	user, err := s.store.Create(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	})
	if err != nil {
		return User{}, Tokens{}, err
	}

	tokens, err := s.issueTokens(user.ID, time.Now().UTC())
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (User, Tokens, error) {
	email = NormalizeEmail(email)
	now := time.Now().UTC()

	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn the same hashing cost as a real mismatch.
			s.hasher.Verify(password, s.dummyHash)
			return User{}, Tokens{}, ErrInvalidCredentials
		}
		return User{}, Tokens{}, err
	}

	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return User{}, Tokens{}, ErrLoginLocked{Until: *user.LockedUntil}
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		_, lockedUntil, regErr := s.store.RegisterFailedLogin(ctx, user.ID, s.maxAttempts, s.lockWindow, now)
		if regErr != nil {
			return User{}, Tokens{}, regErr
		}
		if lockedUntil != nil {
			return User{}, Tokens{}, ErrLoginLocked{Until: *lockedUntil}
		}
		return User{}, Tokens{}, ErrInvalidCredentials
	}

	if !user.Active {
		return User{}, Tokens{}, ErrAccountDisabled
	}

	if err := s.store.RecordLogin(ctx, user.ID, now); err != nil {
		return User{}, Tokens{}, err
	}

	tokens, err := s.issueTokens(user.ID, now)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

// Refresh verifies a refresh token and mints a new access token only;
// refresh tokens are not rotated. Every failure collapses to the same
// generic outcome so callers cannot probe for the cause.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (User, Tokens, error) {
	claims, err := s.issuer.VerifyRefresh(strings.TrimSpace(refreshToken))
	if err != nil {
		return User{}, Tokens{}, ErrInvalidOrExpiredToken
	}

	user, err := s.userForClaims(ctx, claims)
	if err != nil {
		return User{}, Tokens{}, err
	}

	access, err := s.issuer.IssueAccess(user.ID, time.Now().UTC())
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, Tokens{
		AccessToken: access,
		ExpiresIn:   int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

// Authenticate resolves an access token to its live user. Tokens issued
// before the user's last password change are rejected as stale.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (User, error) {
	claims, err := s.issuer.VerifyAccess(strings.TrimSpace(accessToken))
	if err != nil {
		return User{}, ErrInvalidOrExpiredToken
	}

	user, err := s.userForClaims(ctx, claims)
	if err != nil {
		return User{}, err
	}

	return user, nil
}

func (s *Service) userForClaims(ctx context.Context, claims TokenClaims) (User, error) {
	user, err := s.store.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidOrExpiredToken
		}
		return User{}, err
	}
	if !user.Active {
		return User{}, ErrInvalidOrExpiredToken
	}
	if user.PasswordChangedAt != nil && claims.IssuedAt.Before(*user.PasswordChangedAt) {
		return User{}, ErrInvalidOrExpiredToken
	}
	return user, nil
}

// ForgotPassword issues a reset token and mails its one-time plaintext. An
// unknown or deactivated account gets the identical nil outcome so the
// endpoint cannot be used to enumerate emails.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = NormalizeEmail(email)

	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if !user.Active {
		return nil
	}

	plaintext, digest, err := generateResetToken()
	if err != nil {
		return err
	}

	expiry := time.Now().UTC().Add(ResetTokenTTL)
	if err := s.store.SetResetToken(ctx, user.ID, digest, expiry); err != nil {
		return err
	}

	subject, text, html := s.resetMessage(user.Username, plaintext)
	if err := s.mailer.Send(ctx, user.Email, subject, text, html); err != nil {
		// Never leave a usable token the user does not know about.
		if clearErr := s.store.ClearResetToken(ctx, user.ID); clearErr != nil {
			return fmt.Errorf("clear reset token after send failure: %w (send: %v)", clearErr, err)
		}
		return fmt.Errorf("send reset email: %w", err)
	}

	return nil
}

// ResetPassword consumes a one-time reset token and signs the user in with
// fresh tokens.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (User, Tokens, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, Tokens{}, ErrResetTokenInvalid
	}
	if err := validateNewPassword(newPassword); err != nil {
		return User{}, Tokens{}, err
	}

	now := time.Now().UTC()
	user, err := s.store.FindByResetTokenHash(ctx, hashResetToken(token))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, Tokens{}, ErrResetTokenInvalid
		}
		return User{}, Tokens{}, err
	}
	if user.ResetTokenExpiry == nil || now.After(*user.ResetTokenExpiry) {
		return User{}, Tokens{}, ErrResetTokenInvalid
	}

	if err := s.changePassword(ctx, user.ID, newPassword, now); err != nil {
		return User{}, Tokens{}, err
	}

	tokens, err := s.issueTokens(user.ID, now)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

// ChangePassword re-verifies the current password for an already
// authenticated user, then stores the new one and mints a fresh access token.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (string, error) {
	if err := validateNewPassword(newPassword); err != nil {
		return "", err
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}

	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err := s.changePassword(ctx, user.ID, newPassword, now); err != nil {
		return "", err
	}

	return s.issuer.IssueAccess(user.ID, now)
}

func (s *Service) changePassword(ctx context.Context, userID, newPassword string, now time.Time) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	// Backdated one second so tokens minted in the same second as the
	// change are not rejected as stale.
	return s.store.UpdatePassword(ctx, userID, hash, now.Add(-time.Second))
}

func (s *Service) issueTokens(userID string, now time.Time) (Tokens, error) {
	access, err := s.issuer.IssueAccess(userID, now)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.issuer.IssueRefresh(userID, now)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) resetMessage(username, token string) (subject, text, html string) {
	resetURL := fmt.Sprintf("%s/reset-password/%s", s.baseURL, token)
	subject = "Reset your binwatch password"
	text = fmt.Sprintf(
		"Hi %s,\n\nA password reset was requested for your account. Open the link below within the next hour to choose a new password:\n\n%s\n\nIf you did not request this, you can ignore this message.\n",
		username, resetURL,
	)
	html = fmt.Sprintf(
		`<p>Hi %s,</p><p>A password reset was requested for your account. The link below is valid for one hour:</p><p><a href="%s">Reset password</a></p><p>If you did not request this, you can ignore this message.</p>`,
		username, resetURL,
	)
	return subject, text, html
}
