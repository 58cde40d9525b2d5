// Package auth verifies the bearer credentials presented on connect and on
// REST calls. Tokens are HS256 JWTs carrying the user id and display name.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"collabsync/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means no credential was presented
	ErrMissingToken = errors.New("authentication required")
	// ErrInvalidToken means the credential did not verify
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the token contents
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator verifies tokens signed with a shared secret
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses a token and returns the user it was issued to
func (a *Authenticator) Verify(token string) (*models.UserInfo, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}

	name := claims.Username
	if name == "" {
		name = userID
	}

	return &models.UserInfo{ID: userID, Name: name}, nil
}

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to
// the token query parameter for clients that cannot set headers on upgrade
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the credential of an HTTP request
func (a *Authenticator) Authenticate(r *http.Request) (*models.UserInfo, error) {
	return a.Verify(TokenFromRequest(r))
}

// Issuer signs tokens. Used by tests and local tooling, not by the server.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the user
func (i *Issuer) Issue(user models.UserInfo) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

type contextKey struct{}

// WithUser stores the authenticated user in ctx
func WithUser(ctx context.Context, user *models.UserInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the user stored by WithUser
func UserFromContext(ctx context.Context) (*models.UserInfo, bool) {
	user, ok := ctx.Value(contextKey{}).(*models.UserInfo)
	return user, ok && user != nil
}
