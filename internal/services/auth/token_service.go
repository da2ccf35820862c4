// Package auth validates the HS256 bearer tokens presented on API requests
// and WebSocket upgrades.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingClaims = errors.New("missing required claims")
)

// AccessClaims is the token payload: subject is the user, org scopes every
// topic the connection may subscribe to.
type AccessClaims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"org"`
}

// TokenService signs and verifies access tokens with a shared secret.
type TokenService struct {
	secret []byte
	logger arbor.ILogger
}

// NewTokenService creates a verifier for the configured signing secret.
func NewTokenService(secret string, logger arbor.ILogger) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("websocket auth_secret is required")
	}
	if logger == nil {
		logger = common.GetLogger()
	}
	return &TokenService{secret: []byte(secret), logger: logger}, nil
}

// Verify parses and validates a token, returning the claims the server acts
// on. Expired tokens and non-HMAC algorithms are rejected.
func (s *TokenService) Verify(token string) (*interfaces.TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.OrganizationID == "" {
		return nil, ErrMissingClaims
	}

	return &interfaces.TokenClaims{
		UserID:         claims.Subject,
		OrganizationID: claims.OrganizationID,
	}, nil
}

// Issue mints a token for a user within an organization. Used by operator
// tooling and tests.
func (s *TokenService) Issue(userID, organizationID string, ttl time.Duration) (string, error) {
	if userID == "" || organizationID == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrganizationID: organizationID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
