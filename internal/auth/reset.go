package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ResetTokenTTL bounds how long a password-reset token stays consumable.
const ResetTokenTTL = time.Hour

const resetTokenBytes = 32

// generateResetToken returns the plaintext token handed to the user exactly
// once and the SHA-256 digest that is the only thing ever persisted.
func generateResetToken() (plaintext, digest string, err error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate reset token: %w", err)
	}
	plaintext = hex.EncodeToString(buf)
	return plaintext, hashResetToken(plaintext), nil
}

func hashResetToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
