// Package vault registers the "vault" secret provider backed by HashiCorp
// Vault Transit. Control-table passwords are Transit ciphertexts
// ("vault:v1:..."); each is unwrapped through the transit/decrypt endpoint.
// Vault address and token come from the standard VAULT_* environment.
package vault

import (
	"context"
	"encoding/base64"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/registry/secret"
)

func init() {
	secret.Register(secret.Plugin{
		Name: "vault",
		Loader: func(ctx context.Context, cfg *config.Config) (secret.Decrypter, error) {
			if cfg.VaultTransitKey == "" {
				return nil, fmt.Errorf("vault provider: MIGRATION_SERVICE_VAULT_TRANSIT_KEY is required")
			}
			client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
			if err != nil {
				return nil, fmt.Errorf("vault provider: creating client: %w", err)
			}
			return &vaultDecrypter{client: client, transitKey: cfg.VaultTransitKey}, nil
		},
	})
}

type vaultDecrypter struct {
	client     *vaultapi.Client
	transitKey string
}

func (d *vaultDecrypter) ID() string { return "vault" }

func (d *vaultDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	resp, err := d.client.Logical().WriteWithContext(ctx, "transit/decrypt/"+d.transitKey, map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("vault transit decrypt: %w", err)
	}
	if resp == nil || resp.Data == nil {
		return "", fmt.Errorf("vault transit decrypt: empty response")
	}
	encoded, ok := resp.Data["plaintext"].(string)
	if !ok {
		return "", fmt.Errorf("vault transit decrypt: missing plaintext in response")
	}
	plain, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault transit decrypt: invalid plaintext encoding: %w", err)
	}
	return string(plain), nil
}
