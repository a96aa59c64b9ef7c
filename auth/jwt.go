// Package auth issues and verifies session tokens that carry the chat
// identity record used in the socket handshake.
package auth

import (
	"errors"
	"time"

	domain "github.com/example/chat-sync/domain/chat"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrAnonymous is returned when signing an identity without a username.
	ErrAnonymous = errors.New("identity has no username")
)

// Config holds token settings.
type Config struct {
	SecretKey     string
	TokenDuration time.Duration
	Issuer        string
}

// Claims are the session token claims.
type Claims struct {
	User domain.User `json:"user"`
	jwt.RegisteredClaims
}

// Manager signs and verifies session tokens.
type Manager struct {
	config Config
}

// NewManager creates a Manager.
func NewManager(config Config) *Manager {
	if config.Issuer == "" {
		config.Issuer = "chat-sync"
	}
	if config.TokenDuration <= 0 {
		config.TokenDuration = 24 * time.Hour
	}
	return &Manager{config: config}
}

// Sign returns a token for user.
func (m *Manager) Sign(user domain.User) (string, error) {
	if user.IsAnonymous() || user.UserID == "" {
		return "", ErrAnonymous
	}
	now := time.Now()
	claims := Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   user.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.SecretKey))
}

// Verify validates the token and returns the identity it carries.
func (m *Manager) Verify(tokenString string) (domain.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.config.SecretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.User{}, ErrExpiredToken
		}
		return domain.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.User.UserID != claims.Subject {
		return domain.User{}, ErrInvalidToken
	}
	return claims.User, nil
}

// Duration returns the token lifetime.
func (m *Manager) Duration() time.Duration {
	return m.config.TokenDuration
}
