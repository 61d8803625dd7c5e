// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package main

import (
	"fmt"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/schoolgate/schoolgate/internal/config"
	"github.com/schoolgate/schoolgate/internal/store"
)

// SchemaMigrator is the part of *store.Migrator the migrate command drives.
type SchemaMigrator interface {
	AutoMigrator
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	AppliedMigrations() ([]uint, error)
}

// MigrateDeps contains injectable dependencies for the migrate command.
type MigrateDeps struct {
	// MigratorFactory creates a migrator for the database URL.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (SchemaMigrator, error)
}

func (d *MigrateDeps) applyDefaults() {
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(url string) (SchemaMigrator, error) {
			return store.NewMigrator(url)
		}
	}
}

// NewMigrateCmd creates the migrate subcommand. Without a subcommand it
// applies every pending migration.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmd(nil)
}

func newMigrateCmd(deps *MigrateDeps) *cobra.Command {
	if deps == nil {
		deps = &MigrateDeps{}
	}
	deps.applyDefaults()

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long:  `Apply, roll back or inspect the SchoolGate database migrations.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, migrateUp)
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	var all bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration (or all with --all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, func(cmd *cobra.Command, m SchemaMigrator) error {
				return migrateDown(cmd, m, all)
			})
		},
	}
	down.Flags().BoolVar(&all, "all", false, "roll back every migration, dropping all auth data")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, deps, migrateUp)
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show the applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, deps, migrateVersion)
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Record VERSION as applied without running it",
			Long: `Record VERSION as the applied schema version and clear the dirty flag
without running any migration. Use it after repairing a database whose
migration failed partway.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := parseForceVersion(args[0])
				if err != nil {
					return err
				}
				return withMigrator(cmd, deps, func(cmd *cobra.Command, m SchemaMigrator) error {
					return migrateForce(cmd, m, version)
				})
			},
		},
	)
	return cmd
}

func withMigrator(cmd *cobra.Command, deps *MigrateDeps, run func(*cobra.Command, SchemaMigrator) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	m, err := deps.MigratorFactory(cfg.Database.URL)
	if err != nil {
		return err
	}
	runErr := run(cmd, m)
	if closeErr := m.Close(); closeErr != nil && runErr == nil {
		return closeErr
	}
	return runErr
}

func migrateUp(cmd *cobra.Command, m SchemaMigrator) error {
	pending, err := m.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("Schema is up to date")
		return nil
	}

	cmd.Printf("Applying %d migration(s)...\n", len(pending))
	if err := m.Up(); err != nil {
		return err
	}
	for _, v := range pending {
		cmd.Printf("  applied %s\n", migrationLabel(v))
	}
	return nil
}

func migrateDown(cmd *cobra.Command, m SchemaMigrator, all bool) error {
	version, _, err := m.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		cmd.Println("Nothing to roll back")
		return nil
	}

	if all {
		if err := m.Down(); err != nil {
			return err
		}
		cmd.Println("Rolled back all migrations")
		return nil
	}

	if err := m.Steps(-1); err != nil {
		return err
	}
	cmd.Printf("Rolled back %s\n", migrationLabel(version))
	return nil
}

func migrateVersion(cmd *cobra.Command, m SchemaMigrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	pending, err := m.PendingMigrations()
	if err != nil {
		return err
	}

	applied, err := m.AppliedMigrations()
	if err != nil {
		return err
	}

	if version == 0 {
		cmd.Println("Version: none")
	} else {
		cmd.Printf("Version: %s\n", migrationLabel(version))
	}
	if dirty {
		cmd.Printf("State: dirty (repair the schema, then run: schoolgate migrate force %d)\n", version)
	}
	cmd.Printf("Applied: %d\n", len(applied))
	for _, v := range applied {
		cmd.Printf("  %s\n", migrationLabel(v))
	}
	cmd.Printf("Pending: %d\n", len(pending))
	for _, v := range pending {
		cmd.Printf("  %s\n", migrationLabel(v))
	}
	if dirty {
		return oops.Code("MIGRATION_DIRTY").With("version", version).Errorf("database schema is dirty")
	}
	return nil
}

// parseForceVersion accepts only versions that exist among the embedded
// migrations.
func parseForceVersion(arg string) (uint, error) {
	v, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("version", arg).Wrap(err)
	}
	name, err := store.MigrationName(uint(v))
	if err != nil {
		return 0, err
	}
	if name == "" {
		return 0, oops.Code("INVALID_VERSION").With("version", v).Errorf("no migration with version %d", v)
	}
	return uint(v), nil
}

func migrateForce(cmd *cobra.Command, m SchemaMigrator, version uint) error {
	if err := m.Force(int(version)); err != nil {
		return err
	}
	cmd.Printf("Forced schema version to %s\n", migrationLabel(version))
	return nil
}

func migrationLabel(version uint) string {
	name, err := store.MigrationName(version)
	if err != nil || name == "" {
		return fmt.Sprintf("version %d", version)
	}
	return name
}
