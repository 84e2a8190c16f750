package database

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/zlamberty/mtgdb/internal/config"
)

// Connect opens a pooled connection using the pgx stdlib driver. The open is
// lazy: nothing is dialed until first use, so callers racing server startup
// get their first dial from WaitForReady instead of failing here.
func Connect(dbConfig config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", DSN(dbConfig))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	return db, nil
}

// DSN builds a keyword/value connection string from the configuration
func DSN(dbConfig config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.DBName,
		dbConfig.SSLMode,
	)
}

// WaitForReady pings the database with exponential backoff until it answers,
// the timeout elapses, or ctx is cancelled. This only covers connection
// establishment; once provisioning starts, step failures are never retried.
func WaitForReady(ctx context.Context, db *sqlx.DB, dbConfig config.DatabaseConfig) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = dbConfig.WaitTimeout

	operation := func() error {
		return db.PingContext(ctx)
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
