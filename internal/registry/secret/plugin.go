package secret

import (
	"context"
	"fmt"

	"github.com/chirino/migration-service/internal/config"
)

// Decrypter is the SPI for pluggable credential decryption providers.
type Decrypter interface {
	// ID returns the provider identifier (e.g. "plain", "aesgcm", "vault").
	ID() string

	// Decrypt returns the plaintext for an encrypted credential blob.
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Plugin bundles a provider name with its loader function.
type Plugin struct {
	Name   string
	Loader func(ctx context.Context, cfg *config.Config) (Decrypter, error)
}

var plugins []Plugin

// Register adds a secret provider plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the Plugin for the given name.
func Select(name string) (Plugin, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p, nil
		}
	}
	return Plugin{}, fmt.Errorf("unknown secret provider %q; registered: %v", name, Names())
}
