package interfaces

// TokenClaims is the subset of a verified access token the server uses.
type TokenClaims struct {
	UserID         string
	OrganizationID string
}

// TokenVerifier validates bearer tokens presented on API and WebSocket
// connections.
type TokenVerifier interface {
	// Verify parses and validates a token, returning its claims.
	Verify(token string) (*TokenClaims, error)
}
