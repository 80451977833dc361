package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/config"
	"github.com/saviobatista/asset-tracker/internal/db/migrations"
	"github.com/saviobatista/asset-tracker/internal/logging"
)

const pingTimeout = 5 * time.Second

type options struct {
	dbURL    string
	rollback bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.ForService("migrate", cfg.LogLevel, cfg.LogFormat)

	opts, err := parseFlags(os.Args[1:], cfg.DBConnStr, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		logger.Error().Err(err).Msg("Invalid arguments")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", opts.dbURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		stop()
		os.Exit(1)
	}

	err = run(ctx, db, migrations.All(), opts.rollback, logger)
	if cerr := db.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("Failed to close database")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Migration failed")
		stop()
		os.Exit(1)
	}
}

// parseFlags reads the command line. The -db flag overrides DB_CONN_STR.
func parseFlags(args []string, defaultURL string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.dbURL, "db", defaultURL, "Database connection string")
	fs.BoolVar(&opts.rollback, "rollback", false, "Rollback the last migration")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.dbURL == "" {
		return opts, fmt.Errorf("DB_CONN_STR %w", config.ErrMissing)
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// run applies pending migrations, or rolls back the most recent one
func run(ctx context.Context, db *sql.DB, list []*migrations.Migration, rollback bool, logger zerolog.Logger) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	migrator := migrations.New(db, logger)

	if rollback {
		last, err := migrator.Rollback(ctx, list)
		if errors.Is(err, migrations.ErrNothingToRollback) {
			logger.Info().Msg("No migrations to rollback")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info().Str("migration", last.Name).Msg("Rollback complete")
		return nil
	}

	count, err := migrator.Migrate(ctx, list)
	if err != nil {
		return err
	}
	logger.Info().Int("applied", count).Int("total", len(list)).Msg("Migrations complete")
	return nil
}
