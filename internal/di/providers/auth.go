package providers

import (
	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
)

// AuthKey wraps the admin token key bytes.
type AuthKey []byte

// ProvideAuthKey loads or generates the admin token key.
func ProvideAuthKey(i do.Injector) (AuthKey, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	key, err := auth.LoadOrGenerateKey(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	// Update config with the loaded key
	cfg.Auth.AccessTokenKey = key

	log.Info("Authentication key loaded",
		"token_duration", cfg.Auth.TokenDuration,
		"password_login", cfg.Auth.AdminPasswordHash != "",
	)

	return AuthKey(key), nil
}

// ProvideTokenService provides the PASETO admin token service.
func ProvideTokenService(i do.Injector) (*auth.TokenService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	authKey := do.MustInvoke[AuthKey](i)

	return auth.NewTokenService([]byte(authKey), cfg.Auth.TokenDuration)
}
