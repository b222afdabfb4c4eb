package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	applogger "github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/migrations"
)

// Database wraps GORM database connection with additional functionality
type Database struct {
	db     *gorm.DB
	logger applogger.Interface
}

// Supported database drivers
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config holds database configuration
type Config struct {
	Driver          string `yaml:"driver"`
	Path            string `yaml:"path"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		Path:            "data/fleet-controller.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: "5m",
		LogLevel:        "warn",
	}
}

// New opens the database and applies pending migrations.
func New(config *Config, logger applogger.Interface) (*Database, error) {
	database, err := open(config, logger)
	if err != nil {
		return nil, err
	}

	if err := database.migrate(); err != nil {
		_ = database.Close()
		return nil, errors.Wrapf(err, "failed to migrate database")
	}

	logger.WithFields(map[string]interface{}{
		"driver": database.db.Dialector.Name(),
	}).Info("Database connection established")
	return database, nil
}

// NewWithoutMigration opens the database without touching the schema. The
// migrate command uses it to manage migrations explicitly.
func NewWithoutMigration(config *Config, logger applogger.Interface) (*Database, error) {
	return open(config, logger)
}

func open(config *Config, logger applogger.Interface) (*Database, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dialector, err := dialectorFor(config)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(logger.WithField("component", "database"), config.LogLevel),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get underlying sql.DB")
	}

	maxOpen := config.MaxOpenConns
	if dialector.Name() == DriverSQLite {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)

	if config.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(config.ConnMaxLifetime)
		if err != nil {
			logger.Warnf("Invalid conn_max_lifetime '%s', using default 5m", config.ConnMaxLifetime)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	return &Database{db: db, logger: logger}, nil
}

func dialectorFor(config *Config) (gorm.Dialector, error) {
	switch strings.ToLower(config.Driver) {
	case DriverSQLite, "":
		if config.Path == ":memory:" {
			return sqlite.Open("file::memory:?cache=shared"), nil
		}
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory")
		}
		return sqlite.Open(config.Path + "?_busy_timeout=5000"), nil
	case DriverMySQL:
		if config.DSN == "" {
			return nil, errors.NewValidationError("database.dsn", "", "required for mysql driver")
		}
		return mysql.Open(config.DSN), nil
	default:
		return nil, errors.NewValidationError("database.driver", config.Driver, "unsupported driver")
	}
}

// DB returns the underlying GORM database instance
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks database connectivity
func (d *Database) Health() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (d *Database) migrate() error {
	migrator := migrations.NewMigrator(d.db, d.logger)

	if err := migrator.ValidateMigrationOrder(); err != nil {
		return errors.Wrapf(err, "migration validation failed")
	}
	if err := migrator.Up(); err != nil {
		return errors.Wrapf(err, "failed to run migrations")
	}
	return nil
}

// WithTx executes a function within a transaction
func (d *Database) WithTx(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

func ensureDirExists(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// notFound converts gorm's sentinel into the application one.
func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(errors.ErrNotFound, "%s %v", what, id)
	}
	return errors.NewDatabaseError("query "+what, err)
}

// gormLogger routes GORM output through the application logger
type gormLogger struct {
	logger applogger.Interface
	level  logger.LogLevel
}

func newGormLogger(l applogger.Interface, level string) *gormLogger {
	lvl := logger.Warn
	switch strings.ToLower(level) {
	case "silent":
		lvl = logger.Silent
	case "error":
		lvl = logger.Error
	case "info", "debug":
		lvl = logger.Info
	}
	return &gormLogger{logger: l, level: lvl}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{logger: g.logger, level: level}
}

func (g *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.logger.Infof(msg, data...)
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.logger.Warnf(msg, data...)
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.logger.Errorf(msg, data...)
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level == logger.Silent {
		return
	}
	sql, rows := fc()
	fields := map[string]interface{}{
		"duration": time.Since(begin).String(),
		"rows":     rows,
		"sql":      sql,
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error {
		g.logger.WithFields(fields).WithError(err).Error("Database query failed")
		return
	}
	if g.level >= logger.Info {
		g.logger.WithFields(fields).Debug("Database query executed")
	}
}

// NewForTest opens a migrated sqlite database in dir.
func NewForTest(dir string, logger applogger.Interface) (*Database, error) {
	return New(&Config{
		Driver:       DriverSQLite,
		Path:         filepath.Join(dir, "test.db"),
		MaxIdleConns: 1,
		LogLevel:     "silent",
	}, logger)
}

// NewForTestWithDB creates a new database instance using an existing gorm.DB for testing
func NewForTestWithDB(db *gorm.DB, logger applogger.Interface) *Database {
	return &Database{
		db:     db,
		logger: logger,
	}
}
