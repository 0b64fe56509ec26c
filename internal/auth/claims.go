package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

// TokenTypeAccess is the only token type this service issues or accepts.
const TokenTypeAccess TokenType = "access"

// Claims are the only supported JWT claims shape for this service.
// A signaling agent serves exactly one user; UserID must match it for all
// non-service activity (see rbac.RequireUser).
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
