package provision

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/zlamberty/mtgdb/internal/config"
	"github.com/zlamberty/mtgdb/internal/database"
)

// TableStatus describes one provisioned table
type TableStatus struct {
	Name    string
	Exists  bool
	Owner   string
	Granted bool // role holds SELECT, INSERT, UPDATE and DELETE
}

// Status reports how far a previous provisioning run got. The sequence has
// no cross-step transaction, so any prefix of it may have been applied.
type Status struct {
	RoleExists     bool
	RoleCanLogin   bool
	DatabaseExists bool
	Tables         []TableStatus
}

// Done reports whether every step of the sequence has been applied
func (s *Status) Done() bool {
	if !s.RoleExists || !s.RoleCanLogin || !s.DatabaseExists {
		return false
	}
	for _, t := range s.Tables {
		if !t.Exists || !t.Granted {
			return false
		}
	}
	return true
}

// Inspect reads the engine catalogs and reports the provisioning state. It
// never modifies anything and tolerates any partial state; a missing database
// simply reports every table as absent.
func Inspect(ctx context.Context, admin *sqlx.DB, dbCfg config.DatabaseConfig, cfg config.ProvisionConfig, logger *zap.Logger) (*Status, error) {
	status := &Status{}

	query := `SELECT rolcanlogin FROM pg_roles WHERE rolname = $1`
	err := admin.GetContext(ctx, &status.RoleCanLogin, query, cfg.Role)
	switch {
	case err == nil:
		status.RoleExists = true
	case errors.Is(err, sql.ErrNoRows):
		// role missing, nothing more to learn from pg_roles
	default:
		logger.Error("Failed to query pg_roles", zap.Error(err))
		return nil, classify(err)
	}

	query = `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`
	if err := admin.GetContext(ctx, &status.DatabaseExists, query, cfg.Database); err != nil {
		logger.Error("Failed to query pg_database", zap.Error(err))
		return nil, classify(err)
	}

	for _, name := range TableNames() {
		status.Tables = append(status.Tables, TableStatus{Name: name})
	}
	if !status.DatabaseExists {
		return status, nil
	}

	targetCfg := dbCfg
	targetCfg.DBName = cfg.Database
	target, err := database.Connect(targetCfg)
	if err != nil {
		return nil, classify(err)
	}
	defer target.Close()

	for i := range status.Tables {
		if err := inspectTable(ctx, target, cfg.Role, status.RoleExists, &status.Tables[i]); err != nil {
			logger.Error("Failed to inspect table", zap.Error(err), zap.String("table", status.Tables[i].Name))
			return nil, classify(err)
		}
	}

	return status, nil
}

func inspectTable(ctx context.Context, target *sqlx.DB, role string, roleExists bool, ts *TableStatus) error {
	query := `SELECT tableowner FROM pg_tables WHERE schemaname = 'public' AND tablename = $1`
	err := target.GetContext(ctx, &ts.Owner, query, ts.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	ts.Exists = true

	// has_table_privilege raises an error for unknown roles
	if !roleExists {
		return nil
	}

	query = `SELECT has_table_privilege($1, $2, 'SELECT')
		AND has_table_privilege($1, $2, 'INSERT')
		AND has_table_privilege($1, $2, 'UPDATE')
		AND has_table_privilege($1, $2, 'DELETE')`
	return target.GetContext(ctx, &ts.Granted, query, role, ts.Name)
}
