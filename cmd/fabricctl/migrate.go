package main

import (
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // registers the "file://" source scheme
	_ "github.com/jackc/pgx/v5/stdlib"                   // registers the "pgx" database/sql driver
	"github.com/spf13/cobra"

	"github.com/justnews/fabric/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the relational schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, db, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Println("✓ schema is up to date")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back one migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, db, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rollback failed: %w", err)
		}
		fmt.Println("✓ rolled back one migration")
		return nil
	},
}

func init() {
	migrateCmd.PersistentFlags().String("migrations-dir", "./migrations/postgres", "Directory of golang-migrate SQL files")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func openMigrator(cmd *cobra.Command) (*migrate.Migrate, *stdsql.DB, error) {
	cfg, err := config.Load(false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	dir, _ := cmd.Flags().GetString("migrations-dir")

	db, err := stdsql.Open("pgx", cfg.DBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, db, nil
}
