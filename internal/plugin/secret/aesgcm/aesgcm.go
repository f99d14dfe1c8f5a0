// Package aesgcm registers the "aesgcm" secret provider. Control-table
// passwords are base64(nonce||ciphertext) encrypted with AES-GCM under a
// locally-configured key.
package aesgcm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/registry/secret"
)

func init() {
	secret.Register(secret.Plugin{
		Name: "aesgcm",
		Loader: func(ctx context.Context, cfg *config.Config) (secret.Decrypter, error) {
			if cfg.SecretKey == "" {
				return nil, fmt.Errorf("aesgcm provider: MIGRATION_SERVICE_SECRET_KEY is required")
			}
			key, err := config.DecodeSecretKey(cfg.SecretKey)
			if err != nil {
				return nil, fmt.Errorf("aesgcm provider: invalid key: %w", err)
			}
			gcm, err := newGCM(key)
			if err != nil {
				return nil, fmt.Errorf("aesgcm provider: %w", err)
			}
			return &gcmDecrypter{gcm: gcm}, nil
		},
	})
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type gcmDecrypter struct {
	gcm cipher.AEAD
}

func (d *gcmDecrypter) ID() string { return "aesgcm" }

func (d *gcmDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid base64 ciphertext: %w", err)
	}
	ns := d.gcm.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := d.gcm.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plain), nil
}

// Encrypt is the inverse of Decrypt. Used by provisioning tooling and tests to
// produce control-table password blobs.
func Encrypt(gcmKey []byte, plaintext string) (string, error) {
	gcm, err := newGCM(gcmKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
