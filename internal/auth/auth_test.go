package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Username: "operator", Password: "s3cret", JWTSecret: "test-secret"})
	require.NoError(t, err)
	assert.True(t, a.IsEnabled())

	_, _, err = a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("admin", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, expiresAt, err := a.Authenticate("operator", "s3cret")
	require.NoError(t, err)
	assert.Greater(t, expiresAt, time.Now().Unix())

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestAuthenticator_BcryptPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	a, err := NewAuthenticator(Config{Enabled: true, Password: hash})
	require.NoError(t, err)

	_, _, err = a.Authenticate("admin", "hunter2")
	assert.NoError(t, err)
}

func TestAuthenticator_Disabled(t *testing.T) {
	a, err := NewAuthenticator(Config{})
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "")
	assert.ErrorIs(t, err, ErrAuthDisabled)

	_, err = NewAuthenticator(Config{Enabled: true})
	assert.Error(t, err, "enabled without password")
}

func TestAuthenticator_ValidateToken(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Password: "pw", JWTSecret: "secret-a", JWTExpiry: time.Hour})
	require.NoError(t, err)
	other, err := NewAuthenticator(Config{Enabled: true, Password: "pw", JWTSecret: "secret-b"})
	require.NoError(t, err)

	now := time.Now()
	token, expiresAt, err := a.issue("operator", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expiresAt)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.NotEmpty(t, claims.ID)

	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "signed with another key")

	_, err = a.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	stale, _, err := a.issue("operator", now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = a.ValidateToken(stale)
	assert.ErrorIs(t, err, ErrExpiredToken)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			Issuer:    "someone-else",
		},
	}).SignedString([]byte("secret-a"))
	require.NoError(t, err)
	_, err = a.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong issuer")

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username:         "operator",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer},
	}).SignedString([]byte("secret-a"))
	require.NoError(t, err)
	_, err = a.ValidateToken(noExpiry)
	assert.ErrorIs(t, err, ErrInvalidToken, "expiry is required")
}

func TestNewAuthenticator_RandomKey(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Password: "pw"})
	require.NoError(t, err)
	b, err := NewAuthenticator(Config{Enabled: true, Password: "pw"})
	require.NoError(t, err)

	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
