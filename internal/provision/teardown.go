package provision

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zlamberty/mtgdb/internal/config"
)

// Teardown drops the provisioned database and role so the sequence can be
// re-run from a clean slate. This is the operator recovery path for the
// non-idempotent steps: the database must go before the role that owns it.
// Both statements use IF EXISTS, so running it against a partially
// provisioned or untouched engine is fine.
func Teardown(ctx context.Context, admin *sqlx.DB, cfg config.ProvisionConfig, logger *zap.Logger) error {
	drops := []string{
		fmt.Sprintf("DROP DATABASE IF EXISTS %s", pq.QuoteIdentifier(cfg.Database)),
		fmt.Sprintf("DROP ROLE IF EXISTS %s", pq.QuoteIdentifier(cfg.Role)),
	}

	for _, stmt := range drops {
		if _, err := admin.ExecContext(ctx, stmt); err != nil {
			logger.Error("Teardown statement failed", zap.Error(err), zap.String("statement", stmt))
			return classify(err)
		}
	}

	logger.Info("Dropped provisioned objects",
		zap.String("database", cfg.Database),
		zap.String("role", cfg.Role))
	return nil
}
