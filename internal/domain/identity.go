package domain

// Identity is the subscriber identity resolved from token claims at admission.
// It is attached to exactly one connection and never changes afterwards.
type Identity struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId,omitempty"`
}
