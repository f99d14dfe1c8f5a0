package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the migration service.
type Config struct {
	// AdminDBURL is the admin (control-plane) database connection URL. The
	// control table, tenants table, lock table and outcome table all live here.
	AdminDBURL string

	// Bootstrap control-plane tables (migration_locks, migration_outcomes) on startup.
	BootstrapAtStart bool

	// Admin DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Regions used to build the built-in default fleet when the control table
	// does not exist yet (comma-separated, e.g. "us-east-1,eu-west-1").
	DefaultRegions string

	// DefaultDBHost/Port/User describe where the default fleet lives.
	DefaultDBHost string
	DefaultDBPort int
	DefaultDBUser string

	// DefaultDBPassword is the fallback credential used when a control-table
	// row's password cannot be decrypted, and for the default fleet.
	DefaultDBPassword string

	// SecretProvider selects the credential decrypter: "plain", "aesgcm" or "vault".
	SecretProvider string

	// SecretKey is the AES key for the "aesgcm" provider (hex or base64, 16/24/32 bytes).
	SecretKey string

	// VaultTransitKey is the Vault Transit key name for the "vault" provider.
	VaultTransitKey string

	// RunnerType selects the migration runner plugin. "flyway" shells out to
	// the external tool; tests register fakes.
	RunnerType string

	// ToolPath is the migration tool executable.
	ToolPath string

	// ToolTimeout is the wall-clock budget for one tool invocation. Distinct
	// from any network timeout; a breach is reported as a timeout outcome.
	ToolTimeout time.Duration

	// ScriptRoot is the base directory for migration scripts. Locations are
	// resolved per connection type underneath it: global/, regions/<region>/, tenant/.
	ScriptRoot string

	// LockTTL bounds how long a crashed worker can hold a lock.
	LockTTL time.Duration

	// TenantBatchSize is how many tenant schemas migrate concurrently in one
	// Phase 3 batch.
	TenantBatchSize int

	// WorkerID identifies this process as a lock holder. Defaults to
	// "<hostname>[<uuid fragment>]", generated once per process.
	WorkerID string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BootstrapAtStart: true,
		DBMaxOpenConns:   25,
		DBMaxIdleConns:   5,
		DefaultRegions:   "us-east-1",
		DefaultDBHost:    "localhost",
		DefaultDBPort:    5432,
		DefaultDBUser:    "postgres",
		SecretProvider:   "plain",
		RunnerType:       "flyway",
		ToolPath:         "flyway",
		ToolTimeout:      10 * time.Minute,
		ScriptRoot:       "migrations",
		LockTTL:          600 * time.Second,
		TenantBatchSize:  10,
		WorkerID:         defaultWorkerID(),
	}
}

// Regions parses DefaultRegions into a list, dropping empty entries.
func (c *Config) Regions() []string {
	parts := strings.Split(c.DefaultRegions, ",")
	regions := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			regions = append(regions, p)
		}
	}
	return regions
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s[%s]", host, uuid.NewString()[:8])
}
