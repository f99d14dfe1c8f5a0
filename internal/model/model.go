package model

import (
	"fmt"
	"time"
)

// ConnectionType classifies a database connection within the fleet.
type ConnectionType string

const (
	ConnectionTypeAdmin     ConnectionType = "admin"
	ConnectionTypeShared    ConnectionType = "shared"
	ConnectionTypeAnalytics ConnectionType = "analytics"
	ConnectionTypeTenant    ConnectionType = "tenant"
)

// DatabaseConnection is one row of the database_connections control table.
// The control table is owned by the platform provisioning flow; this service
// only ever reads it.
type DatabaseConnection struct {
	// ID is the stable connection identifier (e.g. "shared-us-east-1").
	ID string `json:"id" gorm:"primaryKey"`

	// Name is the human-readable connection name.
	Name string `json:"name" gorm:"not null"`

	Host string `json:"host" gorm:"not null"`
	Port int    `json:"port" gorm:"not null;default:5432"`

	// DatabaseName is the PostgreSQL database to connect to.
	DatabaseName string `json:"databaseName" gorm:"column:database_name;not null"`

	Username string `json:"username" gorm:"not null"`

	// PasswordEncrypted is the opaque encrypted credential blob. Decrypted
	// through the configured secret provider when a Target is built.
	PasswordEncrypted string `json:"-" gorm:"column:password_encrypted"`

	SSLMode     string `json:"sslMode" gorm:"column:ssl_mode;default:prefer"`
	MaxPoolSize int    `json:"maxPoolSize" gorm:"column:max_pool_size;default:10"`

	IsActive  bool `json:"isActive" gorm:"column:is_active;not null;default:true"`
	IsHealthy bool `json:"isHealthy" gorm:"column:is_healthy;not null;default:true"`

	Region         string         `json:"region"`
	ConnectionType ConnectionType `json:"connectionType" gorm:"column:connection_type;not null"`

	// Schemas lists the schema names this connection owns, in migration order.
	// Later schemas may reference objects created by earlier ones.
	Schemas []string `json:"schemas" gorm:"type:jsonb;serializer:json"`

	// Metadata is free-form operator-supplied data; never interpreted here.
	Metadata map[string]interface{} `json:"metadata" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;default:now()"`
}

func (DatabaseConnection) TableName() string { return "database_connections" }

// Target is a fully resolved migration target: one database connection plus
// the set of schemas it owns, with the credential already decrypted.
// Targets are immutable for the duration of one orchestration run.
type Target struct {
	ID             string
	Name           string
	Host           string
	Port           int
	DatabaseName   string
	Username       string
	Password       string
	SSLMode        string
	MaxPoolSize    int
	Region         string
	ConnectionType ConnectionType
	IsActive       bool
	IsHealthy      bool
	Schemas        []string
	Metadata       map[string]interface{}
}

// JDBCURL returns the JDBC-style URL the external migration tool expects.
func (t *Target) JDBCURL() string {
	return fmt.Sprintf("jdbc:postgresql://%s:%d/%s?sslmode=%s", t.Host, t.Port, t.DatabaseName, t.SSLMode)
}

// TenantSchema is one row of the tenants table: a (database, schema) pair
// owned by an active tenant. Phase 3 enumerates these ordered by CreatedAt
// so batching is deterministic across runs.
type TenantSchema struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	DatabaseName string    `json:"databaseName" gorm:"column:database_name;not null"`
	SchemaName   string    `json:"schemaName" gorm:"column:schema_name;not null"`
	IsActive     bool      `json:"isActive" gorm:"column:is_active;not null;default:true"`
	CreatedAt    time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

func (TenantSchema) TableName() string { return "tenants" }

// LockRecord is one advisory lock row. At most one live (non-expired) row
// exists per resource key. This is application-level locking, not a database
// engine lock, so it holds across separate worker processes and restarts.
type LockRecord struct {
	ResourceKey string    `json:"resourceKey" gorm:"primaryKey;column:resource_key"`
	LockedBy    string    `json:"lockedBy" gorm:"column:locked_by;not null"`
	LockedAt    time.Time `json:"lockedAt" gorm:"column:locked_at;not null;default:now()"`
	ExpiresAt   time.Time `json:"expiresAt" gorm:"column:expires_at;not null;index"`
}

func (LockRecord) TableName() string { return "migration_locks" }

// ResourceKey builds the lock key protecting one (database, schema) pair.
func ResourceKey(database, schema string) string {
	return database + ":" + schema
}

// OutcomeStatus is the recorded result of one migration attempt.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// MigrationOutcome is one row of the migration_outcomes tracking table.
// Rows are append-only; the unique index makes duplicate attempts for the
// same (batch, database, schema) key idempotent.
type MigrationOutcome struct {
	ID             int64         `json:"id" gorm:"primaryKey;autoIncrement"`
	BatchID        string        `json:"batchId" gorm:"column:batch_id;not null;uniqueIndex:idx_outcome_attempt"`
	TargetDatabase string        `json:"targetDatabase" gorm:"column:target_database;not null;uniqueIndex:idx_outcome_attempt"`
	TargetSchema   string        `json:"targetSchema" gorm:"column:target_schema;not null;uniqueIndex:idx_outcome_attempt"`
	TargetType     string        `json:"targetType" gorm:"column:target_type;not null;default:schema"`
	Status         OutcomeStatus `json:"status" gorm:"not null"`
	ErrorMessage   string        `json:"errorMessage" gorm:"column:error_message"`
	StartedAt      time.Time     `json:"startedAt" gorm:"column:started_at;not null"`
	CompletedAt    time.Time     `json:"completedAt" gorm:"column:completed_at;not null"`
}

func (MigrationOutcome) TableName() string { return "migration_outcomes" }

// StatusState classifies a target schema's migration status.
type StatusState string

const (
	StatusUpToDate StatusState = "up-to-date"
	StatusPending  StatusState = "pending"
	StatusFailed   StatusState = "failed"
)

// MigrationStatus is a read-only projection of one schema's migration state,
// computed on demand from the external tool's info output. Never persisted.
type MigrationStatus struct {
	Database       string      `json:"database"`
	Schema         string      `json:"schema"`
	Version        string      `json:"version,omitempty"`
	Pending        []string    `json:"pending,omitempty"`
	AppliedCount   int         `json:"appliedCount"`
	LastMigratedAt *time.Time  `json:"lastMigratedAt,omitempty"`
	State          StatusState `json:"state"`
	Error          string      `json:"error,omitempty"`
}
