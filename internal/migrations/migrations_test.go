package migrations

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applogger "github.com/dsyorkd/fleet-controller/internal/logger"
)

func setupTestDB(t *testing.T) (*gorm.DB, applogger.Interface) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "migrations.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, applogger.Discard()
}

func tableExists(t *testing.T, db *gorm.DB, name string) bool {
	return db.Migrator().HasTable(name)
}

func testMigrations() []MigrationDefinition {
	return []MigrationDefinition{
		{
			ID:          "20250101000002",
			Description: "Add index to probe table",
			Up: func(db *gorm.DB) error {
				return db.Exec("CREATE INDEX idx_probe_name ON probe_table(name)").Error
			},
			Down: func(db *gorm.DB) error {
				return db.Exec("DROP INDEX IF EXISTS idx_probe_name").Error
			},
		},
		{
			ID:          "20250101000001",
			Description: "Create probe table",
			Up: func(db *gorm.DB) error {
				return db.Exec("CREATE TABLE probe_table (id INTEGER PRIMARY KEY, name TEXT)").Error
			},
			Down: func(db *gorm.DB) error {
				return db.Exec("DROP TABLE IF EXISTS probe_table").Error
			},
		},
	}
}

func TestMigrator_EnsureMigrationTable(t *testing.T) {
	db, log := setupTestDB(t)
	migrator := NewMigrator(db, log)

	require.NoError(t, migrator.EnsureMigrationTable())
	assert.True(t, tableExists(t, db, "schema_migrations"))

	// second call is a no-op
	assert.NoError(t, migrator.EnsureMigrationTable())
}

func TestMigrator_ValidateMigrationOrder(t *testing.T) {
	db, log := setupTestDB(t)

	tests := []struct {
		name        string
		migrations  []MigrationDefinition
		expectError bool
	}{
		{name: "empty migrations", migrations: []MigrationDefinition{}},
		{
			name: "valid migrations",
			migrations: []MigrationDefinition{
				{ID: "20250101000001"},
				{ID: "20250101000002"},
			},
		},
		{
			name:        "invalid ID length",
			migrations:  []MigrationDefinition{{ID: "2025010100001"}},
			expectError: true,
		},
		{
			name:        "non-numeric ID",
			migrations:  []MigrationDefinition{{ID: "2025010100000a"}},
			expectError: true,
		},
		{
			name: "duplicate IDs",
			migrations: []MigrationDefinition{
				{ID: "20250101000001"},
				{ID: "20250101000001"},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewMigratorWith(db, log, tt.migrations).ValidateMigrationOrder()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMigrator_Lifecycle(t *testing.T) {
	db, log := setupTestDB(t)
	migrator := NewMigratorWith(db, log, testMigrations())

	t.Run("should sort definitions and report them pending", func(t *testing.T) {
		pending, err := migrator.GetPendingMigrations()
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "20250101000001", pending[0].ID)
	})

	t.Run("should apply all migrations", func(t *testing.T) {
		require.NoError(t, migrator.Up())

		var count int64
		require.NoError(t, db.Model(&Migration{}).Count(&count).Error)
		assert.Equal(t, int64(2), count)
		assert.True(t, tableExists(t, db, "probe_table"))

		statuses, err := migrator.Status()
		require.NoError(t, err)
		for _, s := range statuses {
			assert.True(t, s.Applied)
			assert.NotNil(t, s.AppliedAt)
		}
	})

	t.Run("should roll back the newest migration first", func(t *testing.T) {
		require.NoError(t, migrator.Down())

		statuses, err := migrator.Status()
		require.NoError(t, err)
		assert.True(t, statuses[0].Applied)
		assert.False(t, statuses[1].Applied)
		assert.True(t, tableExists(t, db, "probe_table"))
	})

	t.Run("should tolerate rolling back past the start", func(t *testing.T) {
		require.NoError(t, migrator.Down())
		assert.False(t, tableExists(t, db, "probe_table"))
		assert.NoError(t, migrator.Down())
	})

	t.Run("should reset and reapply", func(t *testing.T) {
		require.NoError(t, migrator.Up())
		require.NoError(t, db.Exec("INSERT INTO probe_table (name) VALUES ('x')").Error)

		require.NoError(t, migrator.Reset())

		var rows int64
		require.NoError(t, db.Raw("SELECT count(*) FROM probe_table").Scan(&rows).Error)
		assert.Equal(t, int64(0), rows)

		var count int64
		require.NoError(t, db.Model(&Migration{}).Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})
}

func TestMigrator_FailedMigrationIsNotRecorded(t *testing.T) {
	db, log := setupTestDB(t)
	defs := []MigrationDefinition{
		testMigrations()[1],
		{
			ID:          "20250101000003",
			Description: "Broken",
			Up: func(db *gorm.DB) error {
				return db.Exec("CREATE TABLE invalid syntax").Error
			},
			Down: func(db *gorm.DB) error { return nil },
		},
	}

	err := NewMigratorWith(db, log, defs).Up()
	assert.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&Migration{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMigrator_BuiltInSchema(t *testing.T) {
	db, log := setupTestDB(t)
	migrator := NewMigrator(db, log)

	require.NoError(t, migrator.ValidateMigrationOrder())
	require.NoError(t, migrator.Up())

	for _, table := range []string{"clusters", "nodes", "load_balancer_rules", "deployments", "deployment_targets", "deployment_logs"} {
		assert.True(t, tableExists(t, db, table), "table %s should exist", table)
	}
	assert.True(t, db.Migrator().HasIndex("nodes", nodeMembershipIndex))
	assert.True(t, db.Migrator().HasColumn("nodes", "last_health_check"))

	statuses, err := migrator.Status()
	require.NoError(t, err)
	for range statuses {
		require.NoError(t, migrator.Down())
	}
	assert.False(t, tableExists(t, db, "clusters"))
	assert.False(t, tableExists(t, db, "deployments"))
	assert.True(t, tableExists(t, db, "schema_migrations"))
}
