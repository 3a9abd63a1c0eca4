// Package main provides a CLI tool for leafmail database migrations.
// Migrations are embedded in the binary; -path switches to a directory on disk.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/welldanyogia/leafmail/internal/config"
	"github.com/welldanyogia/leafmail/internal/logger"
	"github.com/welldanyogia/leafmail/migrations"
)

// Version is set at build time
var Version = "dev"

const defaultMigrationTimeout = 5 * time.Minute

// Config holds migration configuration
type Config struct {
	DatabaseDSN    string
	MigrationsPath string // empty uses the embedded migrations
	Timeout        time.Duration
	DryRun         bool
}

func main() {
	log := logger.New(logger.DefaultConfig())

	db := config.DatabaseConfig{}
	var (
		migrPath = flag.String("path", os.Getenv("MIGRATIONS_PATH"), "Migrations directory (default: embedded)")
		timeout  = flag.Duration("timeout", defaultMigrationTimeout, "Timeout per migration")
		dryRun   = flag.Bool("dry-run", false, "Show what would be done without executing")
		version  = flag.Bool("version", false, "Print version and exit")
	)
	flag.StringVar(&db.Host, "db-host", getEnv("DB_HOST", "localhost"), "Database host")
	flag.StringVar(&db.Port, "db-port", getEnv("DB_PORT", "5432"), "Database port")
	flag.StringVar(&db.User, "db-user", getEnv("DB_USER", "postgres"), "Database user")
	flag.StringVar(&db.Password, "db-password", getEnv("DB_PASSWORD", ""), "Database password")
	flag.StringVar(&db.DBName, "db-name", getEnv("DB_NAME", "leafmail"), "Database name")
	flag.StringVar(&db.SSLMode, "db-sslmode", getEnv("DB_SSLMODE", "disable"), "Database SSL mode")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Database Migration Tool for leafmail\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]     Apply all or N down migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V      Set version V without running migrations (use with caution)\n")
		fmt.Fprintf(os.Stderr, "  version      Print current migration version\n")
		fmt.Fprintf(os.Stderr, "  create NAME  Create a new migration file pair (requires -path)\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *version {
		fmt.Printf("migrate version %s\n", Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := &Config{
		DatabaseDSN:    db.DSN(),
		MigrationsPath: *migrPath,
		Timeout:        *timeout,
		DryRun:         *dryRun,
	}

	if err := runCommand(cfg, args[0], args[1:], log); err != nil {
		log.Error("Migration command failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// runCommand executes the specified migration command
func runCommand(cfg *Config, cmd string, args []string, log *slog.Logger) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return fmt.Errorf("create requires a migration name")
		}
		if cfg.MigrationsPath == "" {
			return fmt.Errorf("create requires -path to the migrations directory")
		}
		return createMigration(cfg, args[0], log)
	case "version":
		return showVersion(cfg, log)
	case "up":
		steps, err := parseSteps(args)
		if err != nil {
			return err
		}
		return migrateSteps(cfg, steps, log)
	case "down":
		steps, err := parseSteps(args)
		if err != nil {
			return err
		}
		if steps == 0 {
			return migrateSteps(cfg, allDown, log)
		}
		return migrateSteps(cfg, -steps, log)
	case "goto":
		if len(args) < 1 {
			return fmt.Errorf("goto requires a version number")
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		return migrateGoto(cfg, uint(v), log)
	case "force":
		if len(args) < 1 {
			return fmt.Errorf("force requires a version number")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		return migrateForce(cfg, v, log)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// allDown marks a full rollback in migrateSteps
const allDown = -1 << 31

// parseSteps reads the optional step count; 0 means all
func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	steps, err := strconv.Atoi(args[0])
	if err != nil || steps < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return steps, nil
}

// createMigration creates a new migration file pair
func createMigration(cfg *Config, name string, log *slog.Logger) error {
	nextNum, err := getNextMigrationNumber(cfg.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to determine next migration number: %w", err)
	}

	upFile := filepath.Join(cfg.MigrationsPath, fmt.Sprintf("%03d_%s.up.sql", nextNum, name))
	downFile := filepath.Join(cfg.MigrationsPath, fmt.Sprintf("%03d_%s.down.sql", nextNum, name))

	if cfg.DryRun {
		log.Info("[DRY RUN] Would create migration", slog.String("up", upFile), slog.String("down", downFile))
		return nil
	}

	if err := os.MkdirAll(cfg.MigrationsPath, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	created := time.Now().Format(time.RFC3339)
	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, created)
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		return fmt.Errorf("failed to create up migration: %w", err)
	}
	downContent := fmt.Sprintf("-- Migration: %s (rollback)\n-- Created: %s\n\n", name, created)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		return fmt.Errorf("failed to create down migration: %w", err)
	}

	log.Info("Created migration files", slog.String("up", upFile), slog.String("down", downFile))
	return nil
}

// getNextMigrationNumber finds the next available migration number
func getNextMigrationNumber(migrationsPath string) (int, error) {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}

	maxNum := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &num); err == nil && num > maxNum {
			maxNum = num
		}
	}
	return maxNum + 1, nil
}

// showVersion displays the current migration version
func showVersion(cfg *Config, log *slog.Logger) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("No migrations have been applied yet")
			return nil
		}
		return fmt.Errorf("failed to get version: %w", err)
	}

	log.Info("Current migration version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// migrateSteps applies up (positive), down (negative) or all (0, allDown) migrations
func migrateSteps(cfg *Config, steps int, log *slog.Logger) error {
	if cfg.DryRun {
		log.Info("[DRY RUN] Would run migrations", slog.Int("steps", steps))
		return nil
	}

	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	currentVersion, _, _ := m.Version()
	log.Info("Starting migration", slog.Uint64("from", uint64(currentVersion)), slog.Int("steps", steps))

	switch steps {
	case 0:
		err = m.Up()
	case allDown:
		err = m.Down()
	default:
		err = m.Steps(steps)
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("No migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	newVersion, _, _ := m.Version()
	log.Info("Migration completed", slog.Uint64("from", uint64(currentVersion)), slog.Uint64("to", uint64(newVersion)))
	return nil
}

// migrateGoto migrates to a specific version
func migrateGoto(cfg *Config, version uint, log *slog.Logger) error {
	if cfg.DryRun {
		log.Info("[DRY RUN] Would migrate", slog.Uint64("to", uint64(version)))
		return nil
	}

	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("Already at version", slog.Uint64("version", uint64(version)))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("Migration completed", slog.Uint64("to", uint64(version)))
	return nil
}

// migrateForce sets the version without running migrations
func migrateForce(cfg *Config, version int, log *slog.Logger) error {
	if cfg.DryRun {
		log.Info("[DRY RUN] Would force version", slog.Int("version", version))
		return nil
	}

	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}

	log.Warn("Version forced; no migrations were run", slog.Int("version", version))
	return nil
}

// newMigrate creates a migrate instance over the pgx stdlib driver
func newMigrate(cfg *Config) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	var m *migrate.Migrate
	if cfg.MigrationsPath == "" {
		var src source.Driver
		src, err = iofs.New(migrations.FS, ".")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	} else {
		var migrationsPath string
		migrationsPath, err = filepath.Abs(cfg.MigrationsPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
		}
		m, err = migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.LockTimeout = cfg.Timeout
	return m, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
