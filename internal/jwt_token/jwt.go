package jwttoken

import (
	"strings"

	"contactr/internal/domain"
	dErrors "contactr/pkg/domain-errors"

	"github.com/golang-jwt/jwt/v5"
)

// PlaceholderName is used when a token carries neither a name nor a
// preferred_username claim.
const PlaceholderName = "Unknown User"

var (
	// ErrMissingToken is returned when the connection request carried no token.
	ErrMissingToken = dErrors.New(dErrors.CodeUnauthorized, "No token provided")
	// ErrMalformedClaims is returned when the token cannot be decoded or has no email claim.
	ErrMalformedClaims = dErrors.New(dErrors.CodeUnauthorized, "Invalid token payload")
)

// Claims represents the subset of identity-provider claims the relay reads.
// Registered claims (exp, iat, aud, ...) are not decoded, so their shape
// never affects admission.
type Claims struct {
	Email             string
	Name              string
	PreferredUsername string
	SessionID         string
	SessionState      string
}

func claimsFromMap(m jwt.MapClaims) *Claims {
	return &Claims{
		Email:             stringClaim(m, "email"),
		Name:              stringClaim(m, "name"),
		PreferredUsername: stringClaim(m, "preferred_username"),
		SessionID:         stringClaim(m, "sid"),
		SessionState:      stringClaim(m, "session_state"),
	}
}

// stringClaim returns the claim when it is a JSON string, otherwise "".
func stringClaim(m jwt.MapClaims, key string) string {
	s, _ := m[key].(string)
	return s
}

// ClaimsExtractor decodes bearer tokens into subscriber identities.
//
// Signatures, expiry and issuer are NOT checked. Tokens reach the relay only
// after the issuing gateway has verified them; the relay sits inside that
// trust boundary and only needs the identity claims.
type ClaimsExtractor struct {
	parser *jwt.Parser
}

func NewClaimsExtractor() *ClaimsExtractor {
	return &ClaimsExtractor{parser: jwt.NewParser()}
}

// Extract decodes the token's claims and resolves an Identity.
func (e *ClaimsExtractor) Extract(tokenString string) (domain.Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return domain.Identity{}, ErrMissingToken
	}

	raw := jwt.MapClaims{}
	if _, _, err := e.parser.ParseUnverified(tokenString, raw); err != nil {
		return domain.Identity{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "Invalid token payload")
	}
	claims := claimsFromMap(raw)
	if strings.TrimSpace(claims.Email) == "" {
		return domain.Identity{}, ErrMalformedClaims
	}

	return ToIdentity(claims), nil
}
