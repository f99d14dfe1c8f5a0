// Package store is the control-plane persistence layer on the admin database:
// the read-only connections control table and tenants table, plus the lock and
// outcome tables this service owns.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
)

// Store wraps the admin database connection.
type Store struct {
	db *gorm.DB
}

// Open connects to the admin database and applies pool settings from cfg.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.AdminDBURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	return &Store{db: db.WithContext(ctx)}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Bootstrap creates the tables this service owns. The control table and
// tenants table belong to the provisioning flow and are never created here.
func (s *Store) Bootstrap(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.LockRecord{}, &model.MigrationOutcome{}); err != nil {
		return fmt.Errorf("failed to bootstrap control-plane tables: %w", err)
	}
	return nil
}

// Close tears down the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Locks returns the lock repository backed by this store.
func (s *Store) Locks() *LockRepo {
	return &LockRepo{db: s.db}
}

// Recorder returns the outcome recorder backed by this store.
func (s *Store) Recorder() *Recorder {
	return &Recorder{db: s.db}
}

// ListConnections reads every row of the connections control table. Returns
// *ErrControlTableMissing when the table does not exist and *RegistryLoadError
// for any other failure.
func (s *Store) ListConnections(ctx context.Context) ([]model.DatabaseConnection, error) {
	var rows []model.DatabaseConnection
	err := s.db.WithContext(ctx).Order("id").Find(&rows).Error
	if err != nil {
		if isUndefinedTable(err) {
			return nil, &ErrControlTableMissing{Table: model.DatabaseConnection{}.TableName()}
		}
		return nil, &RegistryLoadError{Err: err}
	}
	return rows, nil
}

// ListActiveTenants reads all active tenant (database, schema) pairs ordered
// by creation time, so Phase 3 batching is deterministic. A missing tenants
// table yields an empty list: a fresh environment has no tenants yet.
func (s *Store) ListActiveTenants(ctx context.Context) ([]model.TenantSchema, error) {
	var rows []model.TenantSchema
	err := s.db.WithContext(ctx).
		Where("is_active").
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return rows, nil
}

// isUndefinedTable reports SQLSTATE 42P01.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
