package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Verification failures stay typed inside the package; the service collapses
// both to a single generic outcome before anything reaches a caller.
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("token is invalid")
)

type TokenClaims struct {
	UserID   string
	IssuedAt time.Time
}

// TokenIssuer mints and verifies the two stateless HS256 tokens. The refresh
// secret may equal the access secret when no distinct one is configured;
// bootstrap owns warning about that.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewTokenIssuer(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	if refreshSecret == "" {
		refreshSecret = accessSecret
	}
	return &TokenIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

func (t *TokenIssuer) AccessTTL() time.Duration {
	return t.accessTTL
}

func (t *TokenIssuer) IssueAccess(userID string, now time.Time) (string, error) {
	return t.sign(userID, tokenTypeAccess, t.accessSecret, now, t.accessTTL)
}

func (t *TokenIssuer) IssueRefresh(userID string, now time.Time) (string, error) {
	return t.sign(userID, tokenTypeRefresh, t.refreshSecret, now, t.refreshTTL)
}

func (t *TokenIssuer) sign(userID, typ string, secret []byte, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"typ": typ,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return encoded, nil
}

func (t *TokenIssuer) VerifyAccess(tokenStr string) (TokenClaims, error) {
	return t.verify(tokenStr, tokenTypeAccess, t.accessSecret)
}

func (t *TokenIssuer) VerifyRefresh(tokenStr string) (TokenClaims, error) {
	return t.verify(tokenStr, tokenTypeRefresh, t.refreshSecret)
}

func (t *TokenIssuer) verify(tokenStr, wantType string, secret []byte) (TokenClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenClaims{}, ErrTokenExpired
		}
		return TokenClaims{}, ErrTokenInvalid
	}
	if !token.Valid {
		return TokenClaims{}, ErrTokenInvalid
	}
	if typ, _ := claims["typ"].(string); typ != wantType {
		return TokenClaims{}, ErrTokenInvalid
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return TokenClaims{}, ErrTokenInvalid
	}
	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return TokenClaims{}, ErrTokenInvalid
	}

	return TokenClaims{UserID: sub, IssuedAt: issuedAt.Time}, nil
}
