package provision

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zlamberty/mtgdb/internal/config"
	"github.com/zlamberty/mtgdb/internal/database"
)

// Step names reported in errors and logs
const (
	StepEnsureRole     = "ensure_role"
	StepCreateDatabase = "create_database"
	StepConnectTarget  = "connect_target"
	StepCreateTables   = "create_tables"
	StepGrant          = "grant_privileges"
)

// Provisioner runs the one-time schema bootstrap for the mtg tagging
// database: role, database, tables, grants, in that order. Every step is
// fatal on error and never retried; only the role step is guarded against
// re-running. There is no cross-step transaction, so a failure after table
// creation leaves the tables in place without grants.
type Provisioner struct {
	admin  *sqlx.DB
	dbCfg  config.DatabaseConfig
	cfg    config.ProvisionConfig
	logger *zap.Logger
}

// New creates a provisioner over an admin connection to the maintenance database
func New(admin *sqlx.DB, dbCfg config.DatabaseConfig, cfg config.ProvisionConfig, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		admin:  admin,
		dbCfg:  dbCfg,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes the provisioning sequence, halting at the first failing step
func (p *Provisioner) Run(ctx context.Context) error {
	created, err := p.EnsureRole(ctx)
	if err != nil {
		return err
	}
	if created {
		p.logger.Info("Created role", zap.String("role", p.cfg.Role))
	} else {
		p.logger.Info("Role already exists, skipping creation", zap.String("role", p.cfg.Role))
	}

	if err := p.CreateDatabase(ctx); err != nil {
		return err
	}
	p.logger.Info("Created database",
		zap.String("database", p.cfg.Database),
		zap.String("owner", p.cfg.Role))

	target, err := p.connectTarget()
	if err != nil {
		return &StepError{Step: StepConnectTarget, Err: err}
	}
	defer target.Close()

	if err := p.CreateTables(ctx, target); err != nil {
		return err
	}

	if err := p.GrantPrivileges(ctx, target); err != nil {
		return err
	}
	p.logger.Info("Granted privileges", zap.String("role", p.cfg.Role))

	return nil
}

// EnsureRole creates the login role unless the catalog already has one with
// that name. Reports whether this call created the role.
func (p *Provisioner) EnsureRole(ctx context.Context) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`
	if err := p.admin.GetContext(ctx, &exists, query, p.cfg.Role); err != nil {
		p.logger.Error("Failed to query pg_roles", zap.Error(err), zap.String("role", p.cfg.Role))
		return false, stepErr(StepEnsureRole, err)
	}
	if exists {
		return false, nil
	}

	stmt := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s",
		pq.QuoteIdentifier(p.cfg.Role), pq.QuoteLiteral(p.cfg.RolePassword))
	if _, err := p.admin.ExecContext(ctx, stmt); err != nil {
		p.logger.Error("Failed to create role", zap.Error(err), zap.String("role", p.cfg.Role))
		return false, stepErr(StepEnsureRole, err)
	}

	return true, nil
}

// CreateDatabase creates the target database owned by the role. Postgres
// forbids CREATE DATABASE inside a transaction block, so this is a bare
// Exec; re-running against an existing database fails with ErrPrecondition.
func (p *Provisioner) CreateDatabase(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
		pq.QuoteIdentifier(p.cfg.Database), pq.QuoteIdentifier(p.cfg.Role))
	if _, err := p.admin.ExecContext(ctx, stmt); err != nil {
		p.logger.Error("Failed to create database", zap.Error(err), zap.String("database", p.cfg.Database))
		return stepErr(StepCreateDatabase, err)
	}

	return nil
}

// connectTarget opens the connection the table and grant steps run on
func (p *Provisioner) connectTarget() (*sqlx.DB, error) {
	targetCfg := p.dbCfg
	targetCfg.DBName = p.cfg.Database
	return database.Connect(targetCfg)
}

// CreateTables creates categories, cards and usertags in dependency order,
// each in its own transaction. SET LOCAL ROLE makes the provisioned role own
// the tables and their serial sequences, so it can insert serial rows without
// extra sequence grants.
func (p *Provisioner) CreateTables(ctx context.Context, target *sqlx.DB) error {
	for _, t := range tables {
		if err := p.createTable(ctx, target, t); err != nil {
			return err
		}
		p.logger.Info("Created table", zap.String("table", t.name))
	}

	return nil
}

func (p *Provisioner) createTable(ctx context.Context, target *sqlx.DB, t tableDDL) error {
	tx, err := target.BeginTxx(ctx, nil)
	if err != nil {
		return stepErr(StepCreateTables, err)
	}
	defer tx.Rollback()

	setRole := fmt.Sprintf("SET LOCAL ROLE %s", pq.QuoteIdentifier(p.cfg.Role))
	if _, err := tx.ExecContext(ctx, setRole); err != nil {
		p.logger.Error("Failed to assume role", zap.Error(err), zap.String("table", t.name))
		return stepErr(StepCreateTables, err)
	}

	if _, err := tx.ExecContext(ctx, t.ddl); err != nil {
		p.logger.Error("Failed to create table", zap.Error(err), zap.String("table", t.name))
		return stepErr(StepCreateTables, err)
	}

	if err := tx.Commit(); err != nil {
		return stepErr(StepCreateTables, err)
	}

	return nil
}

// GrantPrivileges grants all privileges on the three tables to the role as
// one atomic unit
func (p *Provisioner) GrantPrivileges(ctx context.Context, target *sqlx.DB) error {
	tx, err := target.BeginTxx(ctx, nil)
	if err != nil {
		return stepErr(StepGrant, err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf("GRANT ALL PRIVILEGES ON categories, cards, usertags TO %s",
		pq.QuoteIdentifier(p.cfg.Role))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		p.logger.Error("Failed to grant privileges", zap.Error(err), zap.String("role", p.cfg.Role))
		return stepErr(StepGrant, err)
	}

	if err := tx.Commit(); err != nil {
		return stepErr(StepGrant, err)
	}

	return nil
}
