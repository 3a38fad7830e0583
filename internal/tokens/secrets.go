package tokens

import (
	"time"

	"github.com/terraconstructs/authbridge/internal/config"
)

// SigningOptions are the secret and registered claims used for one token type.
type SigningOptions struct {
	Secret    []byte
	ExpiresIn time.Duration
	Issuer    string
	Audience  string
}

// SecretProvider resolves signing options per token type. Access and refresh
// tokens may use different secrets.
type SecretProvider interface {
	Access() SigningOptions
	Refresh() SigningOptions
}

// ConfigSecretProvider reads signing options from the jwt config block.
type ConfigSecretProvider struct {
	access  SigningOptions
	refresh SigningOptions
}

// NewConfigSecretProvider snapshots cfg. A missing refresh secret falls back
// to the access secret.
func NewConfigSecretProvider(cfg config.JWTConfig) *ConfigSecretProvider {
	refreshSecret := cfg.Refresh.Secret
	if refreshSecret == "" {
		refreshSecret = cfg.Secret
	}
	return &ConfigSecretProvider{
		access: SigningOptions{
			Secret:    []byte(cfg.Secret),
			ExpiresIn: cfg.SignInOptions.ExpiresIn,
			Issuer:    cfg.SignInOptions.Issuer,
			Audience:  cfg.SignInOptions.Audience,
		},
		refresh: SigningOptions{
			Secret:    []byte(refreshSecret),
			ExpiresIn: cfg.Refresh.SignInOptions.ExpiresIn,
			Issuer:    cfg.Refresh.SignInOptions.Issuer,
			Audience:  cfg.Refresh.SignInOptions.Audience,
		},
	}
}

func (p *ConfigSecretProvider) Access() SigningOptions  { return p.access }
func (p *ConfigSecretProvider) Refresh() SigningOptions { return p.refresh }
