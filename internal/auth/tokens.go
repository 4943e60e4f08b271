package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"aidanwoods.dev/go-paseto"

	"github.com/gatekeeperapp/gatekeeper-server/internal/id"
)

const (
	tokenIssuer   = "gatekeeper-server"
	tokenAudience = "gatekeeper-admin"

	defaultTokenDuration = 24 * time.Hour
)

// TokenService issues and verifies PASETO v4.local admin tokens.
type TokenService struct {
	symmetricKey paseto.V4SymmetricKey
	duration     time.Duration
	now          func() time.Time
}

// NewTokenService creates a token service from a 32-byte key.
func NewTokenService(key []byte, duration time.Duration) (*TokenService, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("PASETO v4 key must be exactly %d bytes, got %d", keyLength, len(key))
	}
	symmetricKey, err := paseto.V4SymmetricKeyFromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create PASETO symmetric key: %w", err)
	}
	if duration <= 0 {
		duration = defaultTokenDuration
	}
	return &TokenService{
		symmetricKey: symmetricKey,
		duration:     duration,
		now:          time.Now,
	}, nil
}

// IssueAdminToken creates a token whose subject is the admin's account id.
func (s *TokenService) IssueAdminToken(adminID int64) (string, time.Time, error) {
	if adminID == 0 {
		return "", time.Time{}, errors.New("admin id is required")
	}
	now := s.now()
	expires := now.Add(s.duration)

	token := paseto.NewToken()
	token.SetIssuer(tokenIssuer)
	token.SetSubject(strconv.FormatInt(adminID, 10))
	token.SetAudience(tokenAudience)
	token.SetIssuedAt(now)
	token.SetNotBefore(now)
	token.SetExpiration(expires)

	tokenID, err := id.Token()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token ID: %w", err)
	}
	token.SetJti(tokenID)

	//nolint:errcheck // Token.Set only errors on invalid types, which we control
	_ = token.Set("admin_id", adminID)
	//nolint:errcheck // Token.Set only errors on invalid types, which we control
	_ = token.Set("scope", ScopeAdmin)

	return token.V4Encrypt(s.symmetricKey, nil), expires, nil
}

// Verify decrypts and validates a token.
func (s *TokenService) Verify(tokenString string) (*AdminClaims, error) {
	parser := paseto.NewParser()
	parser.AddRule(paseto.ForAudience(tokenAudience))
	parser.AddRule(paseto.IssuedBy(tokenIssuer))
	parser.AddRule(paseto.NotExpired())
	parser.AddRule(paseto.ValidAt(s.now()))

	token, err := parser.ParseV4Local(s.symmetricKey, tokenString, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	var claims AdminClaims
	if err := json.Unmarshal(token.ClaimsJSON(), &claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	if claims.Scope != ScopeAdmin {
		return nil, fmt.Errorf("invalid token scope %q", claims.Scope)
	}
	if claims.Subject != strconv.FormatInt(claims.AdminID, 10) {
		return nil, errors.New("token subject does not match admin id")
	}
	return &claims, nil
}

// Duration returns the configured token lifetime.
func (s *TokenService) Duration() time.Duration {
	return s.duration
}
