package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/notrition/internal/apperrors"
)

func TestNewSessionsRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewSessions("  ", time.Hour)
	require.ErrorIs(t, err, apperrors.ErrSessionSecretRequired)
}

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()

	sessions, err := NewSessions("s3cret", time.Hour)
	require.NoError(t, err)

	token, err := sessions.Issue("alice")
	require.NoError(t, err)

	userID, err := sessions.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	req := httptest.NewRequest("GET", "/api/recipes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	userID, err = sessions.ValidateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = sessions.Issue("")
	require.ErrorIs(t, err, apperrors.ErrUserIDRequired)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	sessions, err := NewSessions("s3cret", time.Hour)
	require.NoError(t, err)

	otherKey, err := NewSessions("other", time.Hour)
	require.NoError(t, err)
	forged, err := otherKey.Issue("alice")
	require.NoError(t, err)

	expiring, err := NewSessions("s3cret", time.Minute)
	require.NoError(t, err)
	expiring.clock = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiring.Issue("alice")
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:  Issuer,
		Subject: "alice",
	}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	state, err := sessions.IssueState("alice")
	require.NoError(t, err)

	noAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	foreignIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:  "someone-else",
		Subject: "alice",
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "wrong key", token: forged},
		{name: "expired", token: expired},
		{name: "none algorithm", token: noneAlg},
		{name: "foreign issuer", token: foreignIssuer},
		{name: "oauth state", token: state},
		{name: "no audience", token: noAudience},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := sessions.Validate(tt.token)
			require.ErrorIs(t, err, apperrors.ErrInvalidSession)
		})
	}
}

func TestOAuthState(t *testing.T) {
	t.Parallel()

	sessions, err := NewSessions("s3cret", time.Hour)
	require.NoError(t, err)

	state, err := sessions.IssueState("alice")
	require.NoError(t, err)

	userID, err := sessions.ValidateState(state)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	session, err := sessions.Issue("alice")
	require.NoError(t, err)
	_, err = sessions.ValidateState(session)
	require.ErrorIs(t, err, apperrors.ErrInvalidSession, "a session is not a state")

	stale, err := NewSessions("s3cret", time.Hour)
	require.NoError(t, err)
	stale.clock = func() time.Time { return time.Now().Add(-StateTTL - time.Minute) }
	expired, err := stale.IssueState("alice")
	require.NoError(t, err)
	_, err = sessions.ValidateState(expired)
	require.ErrorIs(t, err, apperrors.ErrInvalidSession)
}

func TestValidateRequestWithoutBearer(t *testing.T) {
	t.Parallel()

	sessions, err := NewSessions("s3cret", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	_, err = sessions.ValidateRequest(req)
	require.ErrorIs(t, err, apperrors.ErrInvalidSession)
}

func TestUserIDContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, UserIDFromContext(context.Background()))
	assert.Equal(t, "bob", UserIDFromContext(WithUserID(context.Background(), "bob")))
}
