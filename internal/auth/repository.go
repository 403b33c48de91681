package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrDuplicateUser = errors.New("username or email already in use")
)

const userColumns = `
	id, username, email, password_hash, role, active,
	login_attempts, locked_until, reset_token_hash, reset_token_expiry,
	password_changed_at, last_login, created_at, updated_at
`

// Repository is the Postgres credential store. All lockout bookkeeping runs
// inside row-locked transactions so concurrent failures never lose a count.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, `WHERE email = $1`, email)
}

func (r *Repository) FindByID(ctx context.Context, id string) (User, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

func (r *Repository) FindByUsernameOrEmail(ctx context.Context, username, email string) (User, error) {
	return r.findOne(ctx, `WHERE username = $1 OR email = $2`, username, email)
}

func (r *Repository) FindByResetTokenHash(ctx context.Context, digest string) (User, error) {
	return r.findOne(ctx, `WHERE reset_token_hash = $1`, digest)
}

func (r *Repository) findOne(ctx context.Context, where string, args ...any) (User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where, args...)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

func (r *Repository) Create(ctx context.Context, user User) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	user.ID = id.String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, active, login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.Role, user.Active, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateUser
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

// RegisterFailedLogin applies one failed verification to the lockout state
// under a row lock: a still-active lock is left untouched, an elapsed lock
// restarts the count at 1, and reaching maxAttempts starts a new lock window.
// The returned lockedUntil is non-nil whenever the account is locked after
// the update.
func (r *Repository) RegisterFailedLogin(ctx context.Context, userID string, maxAttempts int, lockWindow time.Duration, now time.Time) (int, *time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin failed-login tx: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT login_attempts, locked_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrUserNotFound
		}
		return 0, nil, fmt.Errorf("lock user row: %w", err)
	}

	now = now.UTC()
	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return 0, nil, fmt.Errorf("commit failed-login tx: %w", err)
		}
		return attempts, &until, nil
	}

	if lockedUntil.Valid {
		// Previous lock elapsed; this failure starts a fresh count.
		attempts = 1
	} else {
		attempts++
	}

	var nextLock *time.Time
	var nextLockValue any
	if attempts >= maxAttempts {
		until := now.Add(lockWindow)
		nextLock = &until
		nextLockValue = until
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET login_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, userID, attempts, nextLockValue, now)
	if err != nil {
		return 0, nil, fmt.Errorf("update failed-login state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit failed-login tx: %w", err)
	}

	return attempts, nextLock, nil
}

// RecordLogin resets the lockout state and stamps last_login after a
// successful authentication.
func (r *Repository) RecordLogin(ctx context.Context, userID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET login_attempts = 0, locked_until = NULL, last_login = $2, updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// UpdatePassword stores a new hash, stamps password_changed_at, and clears
// any outstanding reset token in the same statement.
func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2,
		    password_changed_at = $3,
		    reset_token_hash = NULL,
		    reset_token_expiry = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, userID, passwordHash, changedAt.UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *Repository) SetResetToken(ctx context.Context, userID, digest string, expiry time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET reset_token_hash = $2, reset_token_expiry = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, digest, expiry.UTC())
	if err != nil {
		return fmt.Errorf("set reset token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set reset token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *Repository) ClearResetToken(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET reset_token_hash = NULL, reset_token_expiry = NULL, updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear reset token: %w", err)
	}
	return nil
}

// ClearExpiredResetTokens drops reset fields whose expiry has passed. Used
// by the maintenance endpoint; consume already rejects expired tokens.
func (r *Repository) ClearExpiredResetTokens(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET reset_token_hash = NULL, reset_token_expiry = NULL, updated_at = NOW()
		WHERE reset_token_expiry IS NOT NULL AND reset_token_expiry < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("clear expired reset tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired reset tokens rows affected: %w", err)
	}
	return affected, nil
}

// ClearElapsedLockouts unlocks accounts whose lock window has passed so the
// attempt counter does not linger between maintenance runs.
func (r *Repository) ClearElapsedLockouts(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE locked_until IS NOT NULL AND locked_until < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("clear elapsed lockouts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("elapsed lockouts rows affected: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var lockedUntil, resetExpiry, passwordChangedAt, lastLogin sql.NullTime
	var resetHash sql.NullString

	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Role, &user.Active,
		&user.LoginAttempts, &lockedUntil, &resetHash, &resetExpiry,
		&passwordChangedAt, &lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.LockedUntil = nullTimePtr(lockedUntil)
	user.ResetTokenExpiry = nullTimePtr(resetExpiry)
	user.PasswordChangedAt = nullTimePtr(passwordChangedAt)
	user.LastLogin = nullTimePtr(lastLogin)
	if resetHash.Valid {
		user.ResetTokenHash = &resetHash.String
	}

	return user, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
