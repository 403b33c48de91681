package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost is the floor for the bcrypt work factor. Costs below it
// are clamped up so a misconfigured deployment never weakens stored hashes.
const DefaultHashCost = 12

type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < DefaultHashCost {
		cost = DefaultHashCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &PasswordHasher{cost: cost}
}

func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches the stored hash. The comparison
// is constant-time at the bcrypt level regardless of where a mismatch occurs.
func (h *PasswordHasher) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
