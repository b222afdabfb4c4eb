package migrations

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Migration is the bookkeeping row recorded for every applied migration
type Migration struct {
	ID          string    `gorm:"primaryKey;size:14"`
	AppliedAt   time.Time `gorm:"not null"`
	Description string    `gorm:"not null"`
}

// TableName keeps the bookkeeping table name stable across drivers.
func (Migration) TableName() string {
	return "schema_migrations"
}

// MigrationFunc represents a migration function
type MigrationFunc func(*gorm.DB) error

// MigrationDefinition represents a single migration with up and down functions
type MigrationDefinition struct {
	ID          string
	Description string
	Up          MigrationFunc
	Down        MigrationFunc
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	ID          string
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// Migrator handles database migrations
type Migrator struct {
	db         *gorm.DB
	logger     logger.Interface
	migrations []MigrationDefinition
}

// NewMigrator creates a migrator for the built-in schema history
func NewMigrator(db *gorm.DB, logger logger.Interface) *Migrator {
	return NewMigratorWith(db, logger, getAllMigrations())
}

// NewMigratorWith creates a migrator over an explicit migration list
func NewMigratorWith(db *gorm.DB, logger logger.Interface, defs []MigrationDefinition) *Migrator {
	sorted := make([]MigrationDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &Migrator{
		db:         db,
		logger:     logger.WithField("component", "migrator"),
		migrations: sorted,
	}
}

// EnsureMigrationTable creates the bookkeeping table if it doesn't exist
func (m *Migrator) EnsureMigrationTable() error {
	if err := m.db.AutoMigrate(&Migration{}); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	return nil
}

func (m *Migrator) applied() (map[string]Migration, error) {
	if err := m.EnsureMigrationTable(); err != nil {
		return nil, err
	}

	var rows []Migration
	if err := m.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	out := make(map[string]Migration, len(rows))
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// Up runs all pending migrations, each in its own transaction
func (m *Migrator) Up() error {
	applied, err := m.applied()
	if err != nil {
		return err
	}

	count := 0
	for _, def := range m.migrations {
		if _, ok := applied[def.ID]; ok {
			continue
		}

		m.logger.Info("Applying migration", "id", def.ID, "description", def.Description)
		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := def.Up(tx); err != nil {
				return fmt.Errorf("migration %s failed: %w", def.ID, err)
			}
			record := Migration{ID: def.ID, AppliedAt: time.Now().UTC(), Description: def.Description}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to record migration %s: %w", def.ID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		count++
	}

	if count > 0 {
		m.logger.Info("Migrations applied", "count", count)
	}
	return nil
}

// Down rolls back the most recent migration
func (m *Migrator) Down() error {
	if err := m.EnsureMigrationTable(); err != nil {
		return err
	}

	var last Migration
	if err := m.db.Order("id DESC").First(&last).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			m.logger.Info("No migrations to roll back")
			return nil
		}
		return fmt.Errorf("failed to get last migration: %w", err)
	}

	var def *MigrationDefinition
	for i := range m.migrations {
		if m.migrations[i].ID == last.ID {
			def = &m.migrations[i]
			break
		}
	}
	if def == nil {
		return fmt.Errorf("migration definition not found for ID: %s", last.ID)
	}

	m.logger.Info("Rolling back migration", "id", def.ID, "description", def.Description)
	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := def.Down(tx); err != nil {
			return fmt.Errorf("rollback for migration %s failed: %w", def.ID, err)
		}
		if err := tx.Delete(&Migration{}, "id = ?", def.ID).Error; err != nil {
			return fmt.Errorf("failed to remove migration record %s: %w", def.ID, err)
		}
		return nil
	})
}

// Status reports every known migration and whether it has been applied
func (m *Migrator) Status() ([]MigrationStatus, error) {
	applied, err := m.applied()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, def := range m.migrations {
		status := MigrationStatus{ID: def.ID, Description: def.Description}
		if row, ok := applied[def.ID]; ok {
			at := row.AppliedAt
			status.Applied = true
			status.AppliedAt = &at
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Reset drops every table and reapplies all migrations. Development only.
func (m *Migrator) Reset() error {
	m.logger.Warn("Resetting database - this will drop all tables!")

	tables, err := m.db.Migrator().GetTables()
	if err != nil {
		return fmt.Errorf("failed to get table list: %w", err)
	}

	for _, table := range tables {
		if err := m.db.Migrator().DropTable(table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		m.logger.Debug("Dropped table", "table", table)
	}

	return m.Up()
}

// ValidateMigrationOrder checks IDs are unique 14-digit timestamps (YYYYMMDDHHMMSS)
func (m *Migrator) ValidateMigrationOrder() error {
	seen := make(map[string]bool, len(m.migrations))
	for _, def := range m.migrations {
		if len(def.ID) != 14 {
			return fmt.Errorf("migration ID %s must be 14 characters (YYYYMMDDHHMMSS)", def.ID)
		}
		if _, err := strconv.ParseInt(def.ID, 10, 64); err != nil {
			return fmt.Errorf("migration ID %s must be numeric timestamp (YYYYMMDDHHMMSS)", def.ID)
		}
		if seen[def.ID] {
			return fmt.Errorf("duplicate migration ID: %s", def.ID)
		}
		seen[def.ID] = true
	}
	return nil
}

// GetPendingMigrations returns the migrations that haven't been applied, in order
func (m *Migrator) GetPendingMigrations() ([]MigrationDefinition, error) {
	applied, err := m.applied()
	if err != nil {
		return nil, err
	}

	var pending []MigrationDefinition
	for _, def := range m.migrations {
		if _, ok := applied[def.ID]; !ok {
			pending = append(pending, def)
		}
	}
	return pending, nil
}
