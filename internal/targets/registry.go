// Package targets discovers and caches migration targets from the
// database_connections control table, and owns one pooled connection per
// target for the lifetime of the process.
package targets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/registry/secret"
	"github.com/chirino/migration-service/internal/store"
)

// Registry owns the in-memory target cache and the per-target connection
// pools. There are no package-level singletons: one Registry is constructed
// per process and passed into the orchestrator.
type Registry struct {
	cfg       *config.Config
	store     *store.Store
	decrypter secret.Decrypter

	mu      sync.RWMutex
	targets map[string]*model.Target

	poolsMu sync.Mutex
	pools   map[string]*pgxpool.Pool

	closeOnce sync.Once
}

// New creates a Registry. Call Load before the first lookup.
func New(cfg *config.Config, s *store.Store, d secret.Decrypter) *Registry {
	return &Registry{
		cfg:       cfg,
		store:     s,
		decrypter: d,
		targets:   map[string]*model.Target{},
		pools:     map[string]*pgxpool.Pool{},
	}
}

// Load reads the control table and replaces the target cache. When the control
// table does not exist the built-in default fleet is substituted so a fresh
// environment is still migratable. Any other read failure is fatal for the
// run and surfaces as *store.RegistryLoadError.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.store.ListConnections(ctx)
	if err != nil {
		var missing *store.ErrControlTableMissing
		if errors.As(err, &missing) {
			log.Warn("Control table not found, using built-in default targets", "table", missing.Table)
			r.replace(r.defaultTargets())
			return nil
		}
		return err
	}

	loaded := make(map[string]*model.Target, len(rows))
	for i := range rows {
		t := r.buildTarget(ctx, &rows[i])
		loaded[t.ID] = t
	}
	r.replace(loaded)
	log.Info("Loaded migration targets", "count", len(loaded))
	return nil
}

// buildTarget resolves one control-table row into a Target, decrypting its
// credential. Decryption failure falls back to the environment-supplied
// default password instead of failing the whole load.
func (r *Registry) buildTarget(ctx context.Context, row *model.DatabaseConnection) *model.Target {
	password := r.cfg.DefaultDBPassword
	if row.PasswordEncrypted != "" {
		plain, err := r.decrypter.Decrypt(ctx, row.PasswordEncrypted)
		if err != nil {
			log.Error("Failed to decrypt target credential, falling back to default password",
				"target", row.ID, "provider", r.decrypter.ID(), "err", err)
		} else {
			password = plain
		}
	}
	return &model.Target{
		ID:             row.ID,
		Name:           row.Name,
		Host:           row.Host,
		Port:           row.Port,
		DatabaseName:   row.DatabaseName,
		Username:       row.Username,
		Password:       password,
		SSLMode:        row.SSLMode,
		MaxPoolSize:    row.MaxPoolSize,
		Region:         row.Region,
		ConnectionType: row.ConnectionType,
		IsActive:       row.IsActive,
		IsHealthy:      row.IsHealthy,
		Schemas:        row.Schemas,
		Metadata:       row.Metadata,
	}
}

// defaultTargets is the fixed degraded-mode fleet: one admin target plus one
// shared and one analytics target per configured region.
func (r *Registry) defaultTargets() map[string]*model.Target {
	base := model.Target{
		Host:        r.cfg.DefaultDBHost,
		Port:        r.cfg.DefaultDBPort,
		Username:    r.cfg.DefaultDBUser,
		Password:    r.cfg.DefaultDBPassword,
		SSLMode:     "prefer",
		MaxPoolSize: 10,
		IsActive:    true,
		IsHealthy:   true,
	}

	admin := base
	admin.ID = "admin"
	admin.Name = "Platform admin database"
	admin.DatabaseName = "platform_admin"
	admin.ConnectionType = model.ConnectionTypeAdmin
	admin.Schemas = []string{"admin", "platform_common"}

	out := map[string]*model.Target{admin.ID: &admin}
	for _, region := range r.cfg.Regions() {
		shared := base
		shared.ID = "shared-" + region
		shared.Name = "Shared database " + region
		shared.DatabaseName = "shared_" + sanitizeRegion(region)
		shared.Region = region
		shared.ConnectionType = model.ConnectionTypeShared
		shared.Schemas = []string{"platform_common", "tenant_template"}
		out[shared.ID] = &shared

		analytics := base
		analytics.ID = "analytics-" + region
		analytics.Name = "Analytics database " + region
		analytics.DatabaseName = "analytics_" + sanitizeRegion(region)
		analytics.Region = region
		analytics.ConnectionType = model.ConnectionTypeAnalytics
		analytics.Schemas = []string{"analytics"}
		out[analytics.ID] = &analytics
	}
	return out
}

func sanitizeRegion(region string) string {
	out := make([]rune, 0, len(region))
	for _, c := range region {
		if c == '-' || c == '.' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

func (r *Registry) replace(targets map[string]*model.Target) {
	r.mu.Lock()
	r.targets = targets
	r.mu.Unlock()
}

// Get returns the cached target with the given id.
func (r *Registry) Get(id string) (*model.Target, error) {
	r.mu.RLock()
	t, ok := r.targets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &TargetNotFoundError{ID: id}
	}
	return t, nil
}

// Find returns the target for a (region, connection type) pair. A cache miss
// triggers one Load refresh before giving up; connections are provisioned
// while the service runs, so a miss may just mean the cache is stale.
func (r *Registry) Find(ctx context.Context, region string, connType model.ConnectionType) (*model.Target, error) {
	if t := r.find(region, connType); t != nil {
		return t, nil
	}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	if t := r.find(region, connType); t != nil {
		return t, nil
	}
	return nil, &TargetNotFoundError{Region: region, ConnectionType: string(connType)}
}

func (r *Registry) find(region string, connType model.ConnectionType) *model.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range sortedTargets(r.targets) {
		if t.ConnectionType == connType && (region == "" || t.Region == region) {
			return t
		}
	}
	return nil
}

// FindByDatabase returns the target owning the given database name, with the
// same refresh-on-miss behavior as Find. Phase 3 uses this to resolve tenant
// rows to their connection.
func (r *Registry) FindByDatabase(ctx context.Context, database string) (*model.Target, error) {
	if t := r.findByDatabase(database); t != nil {
		return t, nil
	}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	if t := r.findByDatabase(database); t != nil {
		return t, nil
	}
	return nil, &TargetNotFoundError{Database: database}
}

func (r *Registry) findByDatabase(database string) *model.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range sortedTargets(r.targets) {
		if t.DatabaseName == database {
			return t
		}
	}
	return nil
}

// ByType returns the active, healthy targets of one connection type, ordered
// by region then id for deterministic phase sequencing.
func (r *Registry) ByType(connType model.ConnectionType) []*model.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Target
	for _, t := range sortedTargets(r.targets) {
		if t.ConnectionType == connType && t.IsActive && t.IsHealthy {
			out = append(out, t)
		}
	}
	return out
}

func sortedTargets(m map[string]*model.Target) []*model.Target {
	out := make([]*model.Target, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pool returns the pooled connection for a target, creating it on first use.
// Pools are expensive and reused across phases; they are safe for concurrent
// use by batch workers since pgxpool multiplexes connections.
func (r *Registry) Pool(ctx context.Context, t *model.Target) (*pgxpool.Pool, error) {
	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	if pool, ok := r.pools[t.ID]; ok {
		return pool, nil
	}

	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to create connection config: %w", err)
	}
	poolConfig.ConnConfig.Host = t.Host
	poolConfig.ConnConfig.Port = uint16(t.Port)
	poolConfig.ConnConfig.Database = t.DatabaseName
	poolConfig.ConnConfig.User = t.Username
	poolConfig.ConnConfig.Password = t.Password
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second
	if t.SSLMode == "disable" {
		poolConfig.ConnConfig.TLSConfig = nil
	}
	poolConfig.MaxConns = int32(t.MaxPoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for target %s: %w", t.ID, err)
	}
	r.pools[t.ID] = pool
	return pool, nil
}

// PingAll checks connectivity to every active, healthy target through its
// pool and returns the unreachable ones keyed by target id. Unreachable
// targets are reported, not fatal: each one surfaces again as a per-target
// failure during its phase.
func (r *Registry) PingAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	cached := sortedTargets(r.targets)
	r.mu.RUnlock()

	unreachable := map[string]error{}
	for _, t := range cached {
		if !t.IsActive || !t.IsHealthy {
			continue
		}
		pool, err := r.Pool(ctx, t)
		if err == nil {
			err = pool.Ping(ctx)
		}
		if err != nil {
			log.Warn("Target unreachable", "target", t.ID, "database", t.DatabaseName, "err", err)
			unreachable[t.ID] = err
		}
	}
	return unreachable
}

// CloseAll tears down every cached pool exactly once.
func (r *Registry) CloseAll() {
	r.closeOnce.Do(func() {
		r.poolsMu.Lock()
		defer r.poolsMu.Unlock()
		for id, pool := range r.pools {
			pool.Close()
			delete(r.pools, id)
		}
	})
}
