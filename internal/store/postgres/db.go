// Package postgres implements store.Store on PostgreSQL through GORM.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"procodus.dev/biosync/internal/model"
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger       *slog.Logger
	Host         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	Port         int
	MaxOpenConns int
	// SkipMigrations leaves the schema untouched, for deployments that migrate out of band.
	SkipMigrations bool
}

// DSN renders the libpq connection string. The session time zone is pinned to
// UTC so that date columns and timestamps round-trip unchanged.
func (c *DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// NewDB creates a new database connection and runs migrations.
func NewDB(ctx context.Context, cfg *DBConfig) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("database port out of range: %d", cfg.Port)
	}

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	return Open(ctx, postgres.Open(cfg.DSN()), cfg)
}

// Open connects through an explicit dialector. Tests use it with a DSN handed
// out by a container.
func Open(ctx context.Context, dialector gorm.Dialector, cfg *DBConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent), // slog is the only log sink
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	if cfg.SkipMigrations {
		return db, nil
	}

	if err := runMigrations(ctx, db, cfg.Logger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations creates tables and the partial unique indexes that back the
// dedup and mapping invariants.
func runMigrations(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	logger.Info("running database migrations")

	if err := db.WithContext(ctx).AutoMigrate(
		&model.Device{},
		&model.IdentityMapping{},
		&model.AccessCard{},
		&model.RawEvent{},
		&model.AttendanceRecord{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	logger.Info("database migrations completed successfully")
	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if logger != nil {
		logger.Info("closing database connection")
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
