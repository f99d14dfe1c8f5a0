// Package plain registers the "plain" secret provider: control-table passwords
// are stored in cleartext. Intended for development and test environments.
package plain

import (
	"context"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/registry/secret"
)

func init() {
	secret.Register(secret.Plugin{
		Name: "plain",
		Loader: func(ctx context.Context, cfg *config.Config) (secret.Decrypter, error) {
			return &plainDecrypter{}, nil
		},
	})
}

type plainDecrypter struct{}

func (d *plainDecrypter) ID() string { return "plain" }

func (d *plainDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return ciphertext, nil
}
