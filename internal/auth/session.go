// Package auth issues and validates the session tokens identifying API users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fclairamb/notrition/internal/apperrors"
)

const (
	// Issuer is the iss claim of every session token.
	Issuer = "notrition"

	// DefaultTTL is the lifetime of issued session tokens.
	DefaultTTL = 30 * 24 * time.Hour

	// StateTTL is the lifetime of OAuth state tokens.
	StateTTL = 10 * time.Minute

	// AudienceSession is the aud claim of session tokens.
	AudienceSession = "session"

	// AudienceOAuthState is the aud claim of OAuth state tokens. They only identify the user
	// on the authorization callback and are refused as sessions.
	AudienceOAuthState = "oauth-state"
)

// Claims is the session token payload. The subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
}

// Sessions issues and validates HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewSessions creates a session manager. A zero ttl means DefaultTTL.
func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, apperrors.ErrSessionSecretRequired
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		clock:  time.Now,
	}, nil
}

// Issue returns a signed session token for userID.
func (s *Sessions) Issue(userID string) (string, error) {
	return s.issue(userID, AudienceSession, s.ttl)
}

// IssueState returns a short-lived OAuth state token for userID.
func (s *Sessions) IssueState(userID string) (string, error) {
	return s.issue(userID, AudienceOAuthState, StateTTL)
}

// Validate parses a session token and returns the user ID it was issued for.
func (s *Sessions) Validate(token string) (string, error) {
	return s.validate(token, AudienceSession)
}

// ValidateState parses an OAuth state token and returns the user ID it was issued for.
func (s *Sessions) ValidateState(token string) (string, error) {
	return s.validate(token, AudienceOAuthState)
}

func (s *Sessions) issue(userID, audience string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperrors.ErrUserIDRequired
	}

	now := s.clock()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   userID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", audience, err)
	}
	return signed, nil
}

func (s *Sessions) validate(token, audience string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.ErrInvalidSession
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", apperrors.ErrInvalidSession)
		}
		return "", fmt.Errorf("%w: %w", apperrors.ErrInvalidSession, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", apperrors.ErrInvalidSession
	}
	return claims.Subject, nil
}

// ValidateRequest validates the bearer token of an HTTP request.
func (s *Sessions) ValidateRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: missing bearer token", apperrors.ErrInvalidSession)
	}
	return s.Validate(token)
}

type userIDKey struct{}

// WithUserID returns a context carrying the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the authenticated user, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return ""
}
