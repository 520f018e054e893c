package identity

import (
	"github.com/golang-jwt/jwt/v5"
)

// userIDFromToken extracts the user id from the session token's claims
// without verifying the signature — verification is the server's job;
// the client only needs the subject to key the realtime connection.
// Returns "" for anything that does not parse as a JWT.
func userIDFromToken(token string) string {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	if id, ok := claims["userId"].(string); ok {
		return id
	}
	return ""
}
