package service

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/deployd/agent/pkg/config"
	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "deployd"

// AuthService validates bearer tokens for the REST API and the exec channel.
// Tokens are HS256 JWTs signed with JWT_SECRET, or the static AGENT_API_TOKEN.
type AuthService struct {
	secret      []byte
	staticToken string
	now         func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		secret:      []byte(cfg.JWTSecret),
		staticToken: cfg.AgentAPIToken,
		now:         time.Now,
	}
}

// Claims represents JWT claims
type Claims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for subject valid for ttl.
func (s *AuthService) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("JWT_SECRET is not configured")
	}
	now := s.now()
	claims := &Claims{
		IsAdmin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a token and returns its claims
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, &AuthError{Reason: "missing token"}
	}
	if s.staticToken != "" && subtle.ConstantTimeCompare([]byte(tokenString), []byte(s.staticToken)) == 1 {
		return &Claims{IsAdmin: true, RegisteredClaims: jwt.RegisteredClaims{Subject: "agent-token"}}, nil
	}
	if len(s.secret) == 0 {
		return nil, &AuthError{Reason: "invalid token"}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, &AuthError{Reason: err.Error()}
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, &AuthError{Reason: "invalid token"}
}
