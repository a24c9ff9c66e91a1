package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
)

// Issuer is stamped into every token and required on validation
const Issuer = "queueguard"

const defaultTokenTTL = 24 * time.Hour

// Config holds operator credentials for zone editing
type Config struct {
	Enabled   bool
	Username  string
	Password  string // Plaintext or a bcrypt hash
	JWTSecret string // Random per process when empty, so tokens do not survive a restart
	JWTExpiry time.Duration
}

// Claims identifies the operator behind a session token
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator checks the operator password and issues HS256 session tokens
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	signingKey   []byte
	tokenTTL     time.Duration
	parser       *jwt.Parser
}

// NewAuthenticator creates an authenticator; enabling auth without a password is an error
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	a := &Authenticator{
		enabled:  cfg.Enabled,
		username: cfg.Username,
		tokenTTL: cfg.JWTExpiry,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
		),
	}
	if a.username == "" {
		a.username = "admin"
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = defaultTokenTTL
	}

	if cfg.JWTSecret != "" {
		a.signingKey = []byte(cfg.JWTSecret)
	} else {
		a.signingKey = make([]byte, 32)
		if _, err := rand.Read(a.signingKey); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}

	if !cfg.Enabled {
		return a, nil
	}
	if cfg.Password == "" {
		return nil, errors.New("auth enabled but no password configured")
	}
	if isBcryptHash(cfg.Password) {
		a.passwordHash = []byte(cfg.Password)
		return a, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.passwordHash = hash
	return a, nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a token and its expiry (unix seconds)
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.issue(username, time.Now())
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

func (a *Authenticator) issue(username string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(a.tokenTTL)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken checks signature, issuer and expiry and returns the claims
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.signingKey, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword creates a bcrypt hash suitable for Config.Password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
