// cmd/provisioner/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zlamberty/mtgdb/internal/config"
	"github.com/zlamberty/mtgdb/internal/database"
	"github.com/zlamberty/mtgdb/internal/provision"
)

const usage = `usage: provisioner [provision|status|teardown] [flags]

  provision   create the role, database, tables and grants (default)
  status      report which provisioning steps have been applied
  teardown    drop the provisioned database and role

flags:
  -config path    configuration file (default "config/config.yaml")
`

func main() {
	command := "provision"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("provisioner", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := fs.String("config", "config/config.yaml", "configuration file")
	fs.Parse(args)

	// Optional .env next to the binary, environment always wins
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logger
	logger, err := createLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to the maintenance database as the admin role
	admin, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer admin.Close()

	ctx := context.Background()
	if err := database.WaitForReady(ctx, admin, cfg.Database); err != nil {
		logger.Fatal("Database never became ready", zap.Error(err))
	}

	switch command {
	case "provision":
		p := provision.New(admin, cfg.Database, cfg.Provision, logger)
		if err := p.Run(ctx); err != nil {
			logger.Fatal("Provisioning failed", zap.Error(err))
		}
		logger.Info("Provisioning complete",
			zap.String("database", cfg.Provision.Database),
			zap.String("role", cfg.Provision.Role))

	case "status":
		status, err := provision.Inspect(ctx, admin, cfg.Database, cfg.Provision, logger)
		if err != nil {
			logger.Fatal("Status inspection failed", zap.Error(err))
		}
		reportStatus(logger, status)

	case "teardown":
		if err := provision.Teardown(ctx, admin, cfg.Provision, logger); err != nil {
			logger.Fatal("Teardown failed", zap.Error(err))
		}

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func reportStatus(logger *zap.Logger, status *provision.Status) {
	logger.Info("Role",
		zap.Bool("exists", status.RoleExists),
		zap.Bool("canLogin", status.RoleCanLogin))
	logger.Info("Database", zap.Bool("exists", status.DatabaseExists))
	for _, t := range status.Tables {
		logger.Info("Table",
			zap.String("name", t.Name),
			zap.Bool("exists", t.Exists),
			zap.String("owner", t.Owner),
			zap.Bool("granted", t.Granted))
	}
	if status.Done() {
		logger.Info("Provisioning fully applied")
	} else {
		logger.Warn("Provisioning incomplete")
	}
}

func createLogger(level string) (*zap.Logger, error) {
	// Parse log level
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Create logger config
	config := zap.Config{
		Level:            zapLevel,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
