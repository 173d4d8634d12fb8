package vault

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/vault/api"

	"github.com/hengadev/medvault"
)

// Config holds the connection settings of a Vault client. Empty fields fall
// back to the standard VAULT_* environment variables.
type Config struct {
	// Address is the Vault server address, e.g. "https://vault.example.com".
	Address string

	// Namespace is the Vault namespace for HCP Vault.
	Namespace string

	// Token authenticates directly. It takes precedence over AppRole.
	Token string

	// RoleID and SecretID authenticate with AppRole.
	RoleID   string
	SecretID string

	// Mount is the mount path of the Transit engine, "transit" by default.
	Mount string
}

// ConfigFromEnvironment reads VAULT_ADDR, VAULT_NAMESPACE, VAULT_TOKEN,
// VAULT_ROLE_ID, VAULT_SECRET_ID and VAULT_TRANSIT_MOUNT.
func ConfigFromEnvironment() Config {
	return Config{
		Address:   os.Getenv("VAULT_ADDR"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Token:     os.Getenv("VAULT_TOKEN"),
		RoleID:    os.Getenv("VAULT_ROLE_ID"),
		SecretID:  os.Getenv("VAULT_SECRET_ID"),
		Mount:     os.Getenv("VAULT_TRANSIT_MOUNT"),
	}
}

// newClient creates an authenticated Vault client.
//
// Authentication priority:
//  1. Token when set
//  2. AppRole when both RoleID and SecretID are set
//  3. Otherwise ErrInvalidConfiguration
func newClient(ctx context.Context, cfg Config) (*api.Client, error) {
	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	if config.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required (VAULT_ADDR)", medvault.ErrInvalidConfiguration)
	}
	config.HttpClient.Transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %w", medvault.ErrKMSUnavailable, err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
		return client, nil
	}

	if cfg.RoleID != "" && cfg.SecretID != "" {
		resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to login with AppRole: %w", medvault.ErrAuthenticationFailed, err)
		}
		if resp == nil || resp.Auth == nil {
			return nil, fmt.Errorf("%w: no auth info returned from AppRole login", medvault.ErrAuthenticationFailed)
		}
		client.SetToken(resp.Auth.ClientToken)
		return client, nil
	}

	return nil, fmt.Errorf("%w: no Vault authentication method configured (set VAULT_TOKEN or VAULT_ROLE_ID+VAULT_SECRET_ID)",
		medvault.ErrInvalidConfiguration)
}
