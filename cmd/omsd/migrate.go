package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/defiant4/organization-management-service/internal/config"
	"github.com/defiant4/organization-management-service/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := migrationManager()
		if err != nil {
			return err
		}
		if err := mgr.Up(); err != nil {
			return err
		}
		slog.Info("migrations applied successfully")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := migrationManager()
		if err != nil {
			return err
		}
		if err := mgr.Down(); err != nil {
			return err
		}
		slog.Info("migration rolled back successfully")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := migrationManager()
		if err != nil {
			return err
		}
		latest, err := mgr.Latest()
		if err != nil {
			return err
		}
		v, dirty, ok, err := mgr.Version()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch {
		case !ok:
			fmt.Fprintf(out, "no migrations applied (latest %d)\n", latest)
		case dirty:
			fmt.Fprintf(out, "version %d (dirty, latest %d)\n", v, latest)
		default:
			fmt.Fprintf(out, "version %d (latest %d)\n", v, latest)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func migrationManager() (*migrate.Manager, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url (or OMS_DATABASE_URL) is required")
	}
	return migrate.NewManager(cfg.DatabaseURLForMigrate()), nil
}
