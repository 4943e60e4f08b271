package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
)

func (s *Server) registerAuthRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        loginPath,
		Summary:     "Admin login",
		Description: "Exchanges the admin password for a PASETO access token",
		Tags:        []string{"Authentication"},
	}, s.handleLogin)
}

// === DTOs ===

// LoginRequest is the request body for admin login.
type LoginRequest struct {
	Password string `json:"password" minLength:"1" maxLength:"1024" doc:"Admin password"`
}

// LoginInput wraps the login request for Huma.
type LoginInput struct {
	Body LoginRequest
}

// AuthResponse contains an issued token.
type AuthResponse struct {
	AccessToken string    `json:"access_token" doc:"PASETO v4.local token"`
	TokenType   string    `json:"token_type" doc:"Always Bearer"`
	ExpiresAt   time.Time `json:"expires_at" doc:"Token expiry"`
	AdminID     int64     `json:"admin_id" doc:"Token subject"`
}

// AuthOutput wraps the auth response for Huma.
type AuthOutput struct {
	Body AuthResponse
}

// === Handlers ===

func (s *Server) handleLogin(_ context.Context, input *LoginInput) (*AuthOutput, error) {
	if s.cfg.AdminPasswordHash == "" {
		return nil, domainerrors.Forbidden("password login is disabled")
	}
	if !auth.VerifyPassword(s.cfg.AdminPasswordHash, input.Body.Password) {
		return nil, domainerrors.InvalidCredentials("invalid password")
	}

	adminID := s.services.Admin.AdminID()
	token, expires, err := s.tokens.IssueAdminToken(adminID)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to issue token")
	}

	s.logger.Info("admin logged in", "admin_id", adminID)
	return &AuthOutput{Body: AuthResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
		AdminID:     adminID,
	}}, nil
}
