package targets_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/store"
	"github.com/chirino/migration-service/internal/targets"
	"github.com/chirino/migration-service/internal/testutil/testpg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// reversingDecrypter "decrypts" by prefixing; failingDecrypter always errors.
type reversingDecrypter struct{}

func (reversingDecrypter) ID() string { return "test" }
func (reversingDecrypter) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return "plain:" + ciphertext, nil
}

type failingDecrypter struct{}

func (failingDecrypter) ID() string { return "failing" }
func (failingDecrypter) Decrypt(context.Context, string) (string, error) {
	return "", fmt.Errorf("kms unavailable")
}

func setupRegistryTest(t *testing.T) (*config.Config, *store.Store, *gorm.DB, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)
	cfg := config.DefaultConfig()
	cfg.AdminDBURL = dbURL
	cfg.DefaultDBPassword = "default-pw"
	cfg.DefaultRegions = "us-east-1,eu-west-1"
	ctx := config.WithContext(context.Background(), &cfg)

	s, err := store.Open(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &cfg, s, db, ctx
}

func seedControlTable(t *testing.T, db *gorm.DB, rows ...model.DatabaseConnection) {
	t.Helper()
	require.NoError(t, db.AutoMigrate(&model.DatabaseConnection{}))
	if len(rows) > 0 {
		require.NoError(t, db.Create(&rows).Error)
	}
}

func TestLoadDegradedModeDefaults(t *testing.T) {
	cfg, s, _, ctx := setupRegistryTest(t)

	// No control table at all.
	reg := targets.New(cfg, s, reversingDecrypter{})
	require.NoError(t, reg.Load(ctx))

	admins := reg.ByType(model.ConnectionTypeAdmin)
	require.Len(t, admins, 1)
	assert.Equal(t, []string{"admin", "platform_common"}, admins[0].Schemas)
	assert.Equal(t, "default-pw", admins[0].Password)

	assert.Len(t, reg.ByType(model.ConnectionTypeShared), 2)
	assert.Len(t, reg.ByType(model.ConnectionTypeAnalytics), 2)
}

func TestLoadFromControlTable(t *testing.T) {
	cfg, s, db, ctx := setupRegistryTest(t)
	seedControlTable(t, db,
		model.DatabaseConnection{
			ID: "admin", Name: "Admin", Host: "db-admin", Port: 5432,
			DatabaseName: "platform_admin", Username: "migrator",
			PasswordEncrypted: "blob-a", ConnectionType: model.ConnectionTypeAdmin,
			IsActive: true, IsHealthy: true,
			Schemas: []string{"admin", "platform_common"},
		},
		model.DatabaseConnection{
			ID: "shared-us", Name: "Shared US", Host: "db-us", Port: 5432,
			DatabaseName: "shared_us", Username: "migrator",
			PasswordEncrypted: "blob-b", Region: "us-east-1",
			ConnectionType: model.ConnectionTypeShared,
			IsActive:       true, IsHealthy: true,
			Schemas: []string{"platform_common", "tenant_template"},
		},
	)

	reg := targets.New(cfg, s, reversingDecrypter{})
	require.NoError(t, reg.Load(ctx))

	admin, err := reg.Get("admin")
	require.NoError(t, err)
	assert.Equal(t, "plain:blob-a", admin.Password)
	assert.Equal(t, "jdbc:postgresql://db-admin:5432/platform_admin?sslmode=prefer", admin.JDBCURL())

	shared, err := reg.Find(ctx, "us-east-1", model.ConnectionTypeShared)
	require.NoError(t, err)
	assert.Equal(t, "shared-us", shared.ID)

	byDB, err := reg.FindByDatabase(ctx, "shared_us")
	require.NoError(t, err)
	assert.Equal(t, "shared-us", byDB.ID)

	_, err = reg.Get("nope")
	var notFound *targets.TargetNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestDecryptionFailureFallsBackToDefault(t *testing.T) {
	cfg, s, db, ctx := setupRegistryTest(t)
	seedControlTable(t, db, model.DatabaseConnection{
		ID: "admin", Name: "Admin", Host: "db", Port: 5432,
		DatabaseName: "platform_admin", Username: "migrator",
		PasswordEncrypted: "blob", ConnectionType: model.ConnectionTypeAdmin,
		IsActive: true, IsHealthy: true,
	})

	// Decryption failure must not abort the load.
	reg := targets.New(cfg, s, failingDecrypter{})
	require.NoError(t, reg.Load(ctx))

	admin, err := reg.Get("admin")
	require.NoError(t, err)
	assert.Equal(t, "default-pw", admin.Password)
}

func TestFindRefreshesOnMiss(t *testing.T) {
	cfg, s, db, ctx := setupRegistryTest(t)
	seedControlTable(t, db)

	reg := targets.New(cfg, s, reversingDecrypter{})
	require.NoError(t, reg.Load(ctx))

	// Provisioned after the initial load.
	require.NoError(t, db.Create(&model.DatabaseConnection{
		ID: "analytics-eu", Name: "Analytics EU", Host: "db-eu", Port: 5432,
		DatabaseName: "analytics_eu", Username: "migrator",
		Region:         "eu-west-1",
		ConnectionType: model.ConnectionTypeAnalytics,
		IsActive:       true, IsHealthy: true,
		Schemas: []string{"analytics"},
	}).Error)

	found, err := reg.Find(ctx, "eu-west-1", model.ConnectionTypeAnalytics)
	require.NoError(t, err)
	assert.Equal(t, "analytics-eu", found.ID)

	_, err = reg.Find(ctx, "ap-south-1", model.ConnectionTypeAnalytics)
	var notFound *targets.TargetNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestByTypeFiltersInactiveTargets(t *testing.T) {
	cfg, s, db, ctx := setupRegistryTest(t)
	seedControlTable(t, db,
		model.DatabaseConnection{
			ID: "shared-ok", Name: "ok", Host: "h", Port: 5432,
			DatabaseName: "shared_ok", Username: "m", Region: "us-east-1",
			ConnectionType: model.ConnectionTypeShared, IsActive: true, IsHealthy: true,
		},
		model.DatabaseConnection{
			ID: "shared-sick", Name: "sick", Host: "h", Port: 5432,
			DatabaseName: "shared_sick", Username: "m", Region: "us-east-1",
			ConnectionType: model.ConnectionTypeShared, IsActive: true, IsHealthy: false,
		},
	)

	reg := targets.New(cfg, s, reversingDecrypter{})
	require.NoError(t, reg.Load(ctx))

	shared := reg.ByType(model.ConnectionTypeShared)
	require.Len(t, shared, 1)
	assert.Equal(t, "shared-ok", shared[0].ID)
}

func TestPoolCachingAndCloseAll(t *testing.T) {
	cfg, s, _, ctx := setupRegistryTest(t)
	dbURL := cfg.AdminDBURL

	// Point the default fleet at the test container so pools actually connect.
	host, port, user, pass, dbName := parseTestURL(t, dbURL)
	cfg.DefaultDBHost = host
	cfg.DefaultDBPort = port
	cfg.DefaultDBUser = user
	cfg.DefaultDBPassword = pass

	reg := targets.New(cfg, s, reversingDecrypter{})
	require.NoError(t, reg.Load(ctx))
	admin, err := reg.Get("admin")
	require.NoError(t, err)
	admin.DatabaseName = dbName
	admin.SSLMode = "disable"

	p1, err := reg.Pool(ctx, admin)
	require.NoError(t, err)
	p2, err := reg.Pool(ctx, admin)
	require.NoError(t, err)
	assert.Same(t, p1, p2, "pool must be cached per target")
	require.NoError(t, p1.Ping(ctx))

	reg.CloseAll()
	reg.CloseAll() // second call is a no-op
}

func TestPingAllReportsUnreachableTargets(t *testing.T) {
	cfg, s, _, ctx := setupRegistryTest(t)
	cfg.DefaultRegions = "us-east-1"

	// Point the default fleet at the test container. The admin target gets a
	// real database; the regional ones keep database names that do not exist
	// there, so their pings fail.
	host, port, user, pass, dbName := parseTestURL(t, cfg.AdminDBURL)
	cfg.DefaultDBHost = host
	cfg.DefaultDBPort = port
	cfg.DefaultDBUser = user
	cfg.DefaultDBPassword = pass

	reg := targets.New(cfg, s, reversingDecrypter{})
	t.Cleanup(reg.CloseAll)
	require.NoError(t, reg.Load(ctx))
	admin, err := reg.Get("admin")
	require.NoError(t, err)
	admin.DatabaseName = dbName
	admin.SSLMode = "disable"

	unreachable := reg.PingAll(ctx)
	assert.NotContains(t, unreachable, "admin")
	assert.Contains(t, unreachable, "shared-us-east-1")
	assert.Contains(t, unreachable, "analytics-us-east-1")
}

func parseTestURL(t *testing.T, dbURL string) (host string, port int, user, pass, dbName string) {
	t.Helper()
	u, err := url.Parse(dbURL)
	require.NoError(t, err)
	host = u.Hostname()
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	user = u.User.Username()
	pass, _ = u.User.Password()
	dbName = strings.TrimPrefix(u.Path, "/")
	return
}
