package auth

import (
	"time"
)

// ScopeAdmin is the only scope issued today.
const ScopeAdmin = "admin"

// AdminClaims are the claims of an admin API token. v4.local tokens are
// encrypted, so claims are only readable with the key.
type AdminClaims struct {
	AdminID int64  `json:"admin_id"`
	Scope   string `json:"scope"`

	Issuer     string    `json:"iss"`
	Subject    string    `json:"sub"`
	Audience   string    `json:"aud"`
	Expiration time.Time `json:"exp"`
	NotBefore  time.Time `json:"nbf"`
	IssuedAt   time.Time `json:"iat"`
	TokenID    string    `json:"jti"`
}
