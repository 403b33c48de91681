package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateResetToken(t *testing.T) {
	plaintext, digest, err := generateResetToken()
	require.NoError(t, err)

	// 32 bytes of entropy, hex encoded.
	assert.Len(t, plaintext, 64)
	assert.Len(t, digest, 64)
	assert.NotEqual(t, plaintext, digest)

	sum := sha256.Sum256([]byte(plaintext))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
	assert.Equal(t, digest, hashResetToken(plaintext))
}

func TestGenerateResetTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 32 {
		plaintext, _, err := generateResetToken()
		require.NoError(t, err)
		assert.False(t, seen[plaintext])
		seen[plaintext] = true
	}
}
