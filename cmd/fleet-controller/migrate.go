package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/migrations"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
	Long:  `Database migration commands for managing database schema changes`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	RunE:  runMigrateDown,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset database (DANGEROUS)",
	Long:  `Drop all tables and reapply all migrations. WARNING: This destroys all data!`,
	RunE:  runMigrateReset,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateResetCmd)

	migrateResetCmd.Flags().Bool("confirm", false, "Confirm destructive reset operation")
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	log, db, err := setupMigrationEnvironment()
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("Running database migrations...")
	if err := migrations.NewMigrator(db.DB(), log).Up(); err != nil {
		return errors.Wrapf(err, "failed to run migrations")
	}
	log.Info("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	log, db, err := setupMigrationEnvironment()
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("Rolling back last migration...")
	if err := migrations.NewMigrator(db.DB(), log).Down(); err != nil {
		return errors.Wrapf(err, "failed to rollback migration")
	}
	log.Info("Migration rollback completed successfully")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	log, db, err := setupMigrationEnvironment()
	if err != nil {
		return err
	}
	defer db.Close()

	statuses, err := migrations.NewMigrator(db.DB(), log).Status()
	if err != nil {
		return errors.Wrapf(err, "failed to get migration status")
	}

	out := cmd.OutOrStdout()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No migrations found")
		return nil
	}

	fmt.Fprintln(out, "Migration Status:")
	fmt.Fprintln(out, "=================")
	for _, status := range statuses {
		state := "PENDING"
		appliedAt := ""
		if status.Applied {
			state = "APPLIED"
			if status.AppliedAt != nil {
				appliedAt = fmt.Sprintf(" (applied at %s)", status.AppliedAt.Format("2006-01-02 15:04:05"))
			}
		}
		fmt.Fprintf(out, "%-15s %s - %s%s\n", status.ID, state, status.Description, appliedAt)
	}
	return nil
}

func runMigrateReset(cmd *cobra.Command, args []string) error {
	confirm, _ := cmd.Flags().GetBool("confirm")
	if !confirm {
		return fmt.Errorf("reset operation requires --confirm flag due to destructive nature")
	}

	log, db, err := setupMigrationEnvironment()
	if err != nil {
		return err
	}
	defer db.Close()

	log.Warn("DANGER: Resetting database - all data will be lost!")
	if err := migrations.NewMigrator(db.DB(), log).Reset(); err != nil {
		return errors.Wrapf(err, "failed to reset database")
	}
	log.Info("Database reset completed successfully")
	return nil
}

// setupMigrationEnvironment opens the database without applying migrations;
// the migrator runs them explicitly.
func setupMigrationEnvironment() (*logger.Logger, *storage.Database, error) {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return nil, nil, err
	}

	db, err := storage.NewWithoutMigration(&cfg.Database, log)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to initialize database")
	}
	return log, db, nil
}
