package jwttoken

import (
	"contactr/internal/domain"
)

// ToIdentity maps decoded claims onto the relay identity. Name resolution
// order is name, then preferred_username, then PlaceholderName.
func ToIdentity(claims *Claims) domain.Identity {
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	if name == "" {
		name = PlaceholderName
	}

	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = claims.SessionState
	}

	return domain.Identity{
		Email:       claims.Email,
		DisplayName: name,
		SessionID:   sessionID,
	}
}
