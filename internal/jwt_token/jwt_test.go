package jwttoken

import (
	"testing"
	"time"

	dErrors "contactr/pkg/domain-errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var extractor = NewClaimsExtractor()

// signedToken signs with a throwaway key; the extractor never checks it.
func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-the-issuer-key"))
	require.NoError(t, err)
	return token
}

func Test_Extract_MissingToken(t *testing.T) {
	for _, token := range []string{"", "   "} {
		_, err := extractor.Extract(token)
		require.ErrorIs(t, err, ErrMissingToken)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
		assert.Equal(t, "No token provided", dErrors.Message(err))
	}
}

func Test_Extract_MalformedToken(t *testing.T) {
	for _, token := range []string{"invalid-token-string", "a.b", "a.%%%.c"} {
		_, err := extractor.Extract(token)
		require.ErrorIs(t, err, ErrMalformedClaims, token)
		assert.Equal(t, "Invalid token payload", dErrors.Message(err))
	}
}

func Test_Extract_MissingEmailClaim(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"name": "Ada", "sub": "user-1"})

	_, err := extractor.Extract(token)
	require.ErrorIs(t, err, ErrMalformedClaims)
}

func Test_Extract_NameResolutionOrder(t *testing.T) {
	tests := []struct {
		name     string
		claims   jwt.MapClaims
		expected string
	}{
		{
			name:     "explicit name wins",
			claims:   jwt.MapClaims{"email": "ada@example.com", "name": "Ada Lovelace", "preferred_username": "ada"},
			expected: "Ada Lovelace",
		},
		{
			name:     "preferred username when name absent",
			claims:   jwt.MapClaims{"email": "ada@example.com", "preferred_username": "ada"},
			expected: "ada",
		},
		{
			name:     "placeholder when both absent",
			claims:   jwt.MapClaims{"email": "ada@example.com"},
			expected: PlaceholderName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := extractor.Extract(signedToken(t, tt.claims))
			require.NoError(t, err)
			assert.Equal(t, "ada@example.com", identity.Email)
			assert.Equal(t, tt.expected, identity.DisplayName)
		})
	}
}

func Test_Extract_SessionCarriedThrough(t *testing.T) {
	identity, err := extractor.Extract(signedToken(t, jwt.MapClaims{"email": "a@example.com", "sid": "sess-1"}))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", identity.SessionID)

	identity, err = extractor.Extract(signedToken(t, jwt.MapClaims{"email": "a@example.com", "session_state": "kc-state"}))
	require.NoError(t, err)
	assert.Equal(t, "kc-state", identity.SessionID)

	identity, err = extractor.Extract(signedToken(t, jwt.MapClaims{"email": "a@example.com"}))
	require.NoError(t, err)
	assert.Empty(t, identity.SessionID)
}

func Test_Extract_IgnoresExpiryAndSignature(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"email": "late@example.com",
		"exp":   time.Now().Add(-time.Hour).Unix(),
		"iss":   "someone-else",
	})

	identity, err := extractor.Extract(token)
	require.NoError(t, err)
	assert.Equal(t, "late@example.com", identity.Email)
}

func Test_Extract_RegisteredClaimShapesAreIgnored(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{name: "non-numeric exp", claims: jwt.MapClaims{"email": "ada@example.com", "exp": "never"}},
		{name: "non-numeric iat", claims: jwt.MapClaims{"email": "ada@example.com", "iat": "yesterday"}},
		{name: "numeric aud", claims: jwt.MapClaims{"email": "ada@example.com", "aud": 42}},
		{name: "object sub", claims: jwt.MapClaims{"email": "ada@example.com", "sub": map[string]any{"id": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := extractor.Extract(signedToken(t, tt.claims))
			require.NoError(t, err)
			assert.Equal(t, "ada@example.com", identity.Email)
		})
	}
}

func Test_Extract_NonStringEmailIsRejected(t *testing.T) {
	_, err := extractor.Extract(signedToken(t, jwt.MapClaims{"email": 7}))
	require.ErrorIs(t, err, ErrMalformedClaims)
}
