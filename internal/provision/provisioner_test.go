package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zlamberty/mtgdb/internal/config"
	"github.com/zlamberty/mtgdb/internal/database"
)

// The tests below run the real DDL sequence and therefore need a disposable
// Postgres instance reachable as a superuser. They are skipped unless
// MTGDB_TEST_HOST is set. Object names are generated per test because the
// database and table steps are not idempotent.

func testDBConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()

	host := os.Getenv("MTGDB_TEST_HOST")
	if host == "" {
		t.Skip("MTGDB_TEST_HOST not set; needs a disposable Postgres reachable as a superuser")
	}

	return config.DatabaseConfig{
		Host:            host,
		Port:            envOr("MTGDB_TEST_PORT", "5432"),
		User:            envOr("MTGDB_TEST_USER", "postgres"),
		Password:        os.Getenv("MTGDB_TEST_PASSWORD"),
		DBName:          envOr("MTGDB_TEST_DBNAME", "postgres"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		WaitTimeout:     5 * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testProvisionConfig() config.ProvisionConfig {
	name := fmt.Sprintf("mtg_t%d", time.Now().UnixNano())
	return config.ProvisionConfig{Role: name, RolePassword: "mtg", Database: name}
}

// newTestProvisioner wires a provisioner against generated object names and
// registers teardown of whatever the test ends up creating.
func newTestProvisioner(t *testing.T) (*Provisioner, *sqlx.DB, config.DatabaseConfig, config.ProvisionConfig) {
	t.Helper()

	dbCfg := testDBConfig(t)
	cfg := testProvisionConfig()

	admin, err := database.Connect(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })
	t.Cleanup(func() {
		_ = Teardown(context.Background(), admin, cfg, zap.NewNop())
	})

	return New(admin, dbCfg, cfg, zap.NewNop()), admin, dbCfg, cfg
}

// targetConn connects to the provisioned database, either as the admin role
// or as the provisioned role itself. Closed before teardown runs.
func targetConn(t *testing.T, dbCfg config.DatabaseConfig, cfg config.ProvisionConfig, asRole bool) *sqlx.DB {
	t.Helper()

	targetCfg := dbCfg
	targetCfg.DBName = cfg.Database
	if asRole {
		targetCfg.User = cfg.Role
		targetCfg.Password = cfg.RolePassword
	}

	db, err := database.Connect(targetCfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun_FullSequence(t *testing.T) {
	p, admin, dbCfg, cfg := newTestProvisioner(t)
	ctx := context.Background()

	require.NoError(t, p.Run(ctx))

	status, err := Inspect(ctx, admin, dbCfg, cfg, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, status.RoleExists)
	assert.True(t, status.RoleCanLogin)
	assert.True(t, status.DatabaseExists)
	require.Len(t, status.Tables, 3)
	for _, tbl := range status.Tables {
		assert.True(t, tbl.Exists, "table %s", tbl.Name)
		assert.Equal(t, cfg.Role, tbl.Owner, "table %s", tbl.Name)
		assert.True(t, tbl.Granted, "table %s", tbl.Name)
	}
	assert.True(t, status.Done())
}

func TestEnsureRole_Idempotent(t *testing.T) {
	p, admin, _, cfg := newTestProvisioner(t)
	ctx := context.Background()

	created, err := p.EnsureRole(ctx)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = p.EnsureRole(ctx)
	require.NoError(t, err)
	assert.False(t, created, "second run must not create again")

	var count int
	require.NoError(t, admin.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pg_roles WHERE rolname = $1`, cfg.Role))
	assert.Equal(t, 1, count)

	var canLogin bool
	require.NoError(t, admin.GetContext(ctx, &canLogin,
		`SELECT rolcanlogin FROM pg_roles WHERE rolname = $1`, cfg.Role))
	assert.True(t, canLogin)
}

func TestCreateDatabase_NotIdempotent(t *testing.T) {
	p, _, _, _ := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureRole(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CreateDatabase(ctx))

	err = p.CreateDatabase(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrecondition))

	var stepError *StepError
	require.ErrorAs(t, err, &stepError)
	assert.Equal(t, StepCreateDatabase, stepError.Step)
}

func TestCreateTables_NotIdempotent(t *testing.T) {
	p, _, dbCfg, cfg := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureRole(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CreateDatabase(ctx))

	target := targetConn(t, dbCfg, cfg, false)
	require.NoError(t, p.CreateTables(ctx, target))

	err = p.CreateTables(ctx, target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrecondition))
}

func TestPartialSequenceLeavesTablesVisible(t *testing.T) {
	// Stop before the grants step: the sequence has no cross-step
	// transaction, so the tables must already be there for a privileged role.
	p, _, dbCfg, cfg := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureRole(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CreateDatabase(ctx))

	target := targetConn(t, dbCfg, cfg, false)
	require.NoError(t, p.CreateTables(ctx, target))

	for _, name := range TableNames() {
		var count int
		require.NoError(t, target.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+name))
		assert.Zero(t, count)
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	p, admin, dbCfg, cfg := newTestProvisioner(t)
	ctx := context.Background()

	require.NoError(t, p.Run(ctx))

	require.NoError(t, Teardown(ctx, admin, cfg, zap.NewNop()))
	require.NoError(t, Teardown(ctx, admin, cfg, zap.NewNop()))

	status, err := Inspect(ctx, admin, dbCfg, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, status.RoleExists)
	assert.False(t, status.DatabaseExists)
	assert.False(t, status.Done())
}
