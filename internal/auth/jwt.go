package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/config"
	"github.com/lorawan-server/lpwan-bridge/pkg/crypto"
)

const issuer = "lpwan-bridge"

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// ErrInvalidToken is returned for malformed, expired or wrongly typed tokens
var ErrInvalidToken = errors.New("invalid token")

// JWTManager issues and checks the tokens of the admin API
type JWTManager struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
		now:    time.Now,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username  string `json:"username"`
	IsAdmin   bool   `json:"is_admin"`
	TokenType string `json:"token_type"`
}

// GenerateTokenPair generates access and refresh tokens for username
func (m *JWTManager) GenerateTokenPair(username string) (string, string, error) {
	access, err := m.sign(username, tokenTypeAccess, m.config.AccessTokenTTL)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := m.sign(username, tokenTypeRefresh, m.config.RefreshTokenTTL)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}

	return access, refresh, nil
}

func (m *JWTManager) sign(username, tokenType string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username:  username,
		IsAdmin:   true,
		TokenType: tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// ValidateToken validates an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	return m.parse(tokenString, tokenTypeAccess)
}

// RefreshToken exchanges a refresh token for a new token pair
func (m *JWTManager) RefreshToken(refreshTokenString string) (string, string, error) {
	claims, err := m.parse(refreshTokenString, tokenTypeRefresh)
	if err != nil {
		return "", "", err
	}
	return m.GenerateTokenPair(claims.Username)
}

func (m *JWTManager) parse(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyPassword verifies a password against a bcrypt hash
func (m *JWTManager) VerifyPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return crypto.VerifyPassword(password, hash)
}
