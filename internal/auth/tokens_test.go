package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("access-secret", "refresh-secret", time.Hour, 24*time.Hour)
	now := time.Now().UTC()

	access, err := issuer.IssueAccess("user-1", now)
	require.NoError(t, err)
	refresh, err := issuer.IssueRefresh("user-1", now)
	require.NoError(t, err)

	accessClaims, err := issuer.VerifyAccess(access)
	require.NoError(t, err)
	assert.Equal(t, "user-1", accessClaims.UserID)
	assert.WithinDuration(t, now, accessClaims.IssuedAt, time.Second)

	refreshClaims, err := issuer.VerifyRefresh(refresh)
	require.NoError(t, err)
	assert.Equal(t, "user-1", refreshClaims.UserID)
}

func TestTokenIssuerRejectsWrongType(t *testing.T) {
	issuer := NewTokenIssuer("access-secret", "refresh-secret", time.Hour, 24*time.Hour)
	now := time.Now().UTC()

	access, err := issuer.IssueAccess("user-1", now)
	require.NoError(t, err)
	refresh, err := issuer.IssueRefresh("user-1", now)
	require.NoError(t, err)

	_, err = issuer.VerifyRefresh(access)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = issuer.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenIssuerExpiry(t *testing.T) {
	issuer := NewTokenIssuer("access-secret", "refresh-secret", time.Hour, 24*time.Hour)

	expired, err := issuer.IssueAccess("user-1", time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = issuer.VerifyAccess(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenIssuerWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("access-secret", "refresh-secret", time.Hour, 24*time.Hour)
	other := NewTokenIssuer("other-secret", "other-secret", time.Hour, 24*time.Hour)

	access, err := other.IssueAccess("user-1", time.Now().UTC())
	require.NoError(t, err)

	_, err = issuer.VerifyAccess(access)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenIssuerMalformed(t *testing.T) {
	issuer := NewTokenIssuer("access-secret", "refresh-secret", time.Hour, 24*time.Hour)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := issuer.VerifyAccess(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	}
}

func TestTokenIssuerRefreshSecretFallback(t *testing.T) {
	// An empty refresh secret falls back to the access secret.
	issuer := NewTokenIssuer("access-secret", "", time.Hour, 24*time.Hour)

	refresh, err := issuer.IssueRefresh("user-1", time.Now().UTC())
	require.NoError(t, err)

	withAccessAsRefresh := NewTokenIssuer("unused", "access-secret", time.Hour, 24*time.Hour)
	claims, err := withAccessAsRefresh.VerifyRefresh(refresh)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestTokenIssuerDistinctSecretsIsolate(t *testing.T) {
	issuer := NewTokenIssuer("access-secret", "refresh-secret", time.Hour, 24*time.Hour)
	now := time.Now().UTC()

	// A refresh token signed with the refresh secret must not verify as an
	// access token even if the typ claim were ignored, because the secrets
	// differ.
	refresh, err := issuer.IssueRefresh("user-1", now)
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
