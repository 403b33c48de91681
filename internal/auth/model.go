package auth

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{3,30}$`)
var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const minPasswordLength = 8

type User struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	Role              string
	Active            bool
	LoginAttempts     int
	LockedUntil       *time.Time
	ResetTokenHash    *string
	ResetTokenExpiry  *time.Time
	PasswordChangedAt *time.Time
	LastLogin         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PublicUser is the only user representation that leaves the service.
// The password hash and lockout bookkeeping never serialize outward.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
	}
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// ValidationError marks a caller-fault input problem. The message is safe
// to return verbatim.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleSupervisor:
		return true
	}
	return false
}

// NormalizeEmail applies the canonical form used for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateNewUser(username, email, password string) error {
	if !usernameRegex.MatchString(username) {
		return ValidationError{Message: "username must be 3-30 characters of letters, digits, _ or -"}
	}
	if !emailRegex.MatchString(email) {
		return ValidationError{Message: "email address is not valid"}
	}
	return validateNewPassword(password)
}

func validateNewPassword(password string) error {
	if len(password) < minPasswordLength {
		return ValidationError{Message: fmt.Sprintf("password must be at least %d characters", minPasswordLength)}
	}
	return nil
}
