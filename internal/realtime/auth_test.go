package realtime

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, method jwt.SigningMethod, claims *TokenClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator(testSecret, false)
	valid := makeAccessToken(t, "user-123")

	t.Run("query token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws/party/p1?token="+valid, nil)
		uid, err := a.Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "user-123", uid)
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws/party/p1", nil)
		req.Header.Set("Authorization", "Bearer "+valid)
		uid, err := a.Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "user-123", uid)
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws/party/p1", nil)
		_, err := a.Authenticate(req)
		assert.ErrorIs(t, err, errUnauthenticated)
	})

	t.Run("refresh token", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS256, &TokenClaims{
			UserID:    "user-123",
			TokenType: "refresh",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		})
		req := httptest.NewRequest("GET", "/ws/party/p1?token="+tok, nil)
		_, err := a.Authenticate(req)
		assert.ErrorIs(t, err, errUnauthenticated)
	})

	t.Run("expired", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS256, &TokenClaims{
			UserID:    "user-123",
			TokenType: "access",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		})
		req := httptest.NewRequest("GET", "/ws/party/p1?token="+tok, nil)
		_, err := a.Authenticate(req)
		assert.ErrorIs(t, err, errUnauthenticated)
	})

	t.Run("other algorithm", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS512, &TokenClaims{
			UserID:    "user-123",
			TokenType: "access",
		})
		req := httptest.NewRequest("GET", "/ws/party/p1?token="+tok, nil)
		_, err := a.Authenticate(req)
		assert.ErrorIs(t, err, errUnauthenticated)
	})

	t.Run("gateway header ignored unless trusted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws/party/p1", nil)
		req.Header.Set("X-User-Id", "user-9")
		_, err := a.Authenticate(req)
		assert.ErrorIs(t, err, errUnauthenticated)

		uid, err := NewAuthenticator(nil, true).Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "user-9", uid)
	})
}
