package cmd

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/urfave/cli/v3"

	"github.com/chatrelay/bridge/pkg/config"
	bridgedb "github.com/chatrelay/bridge/pkg/db"
)

// MigrateCommand creates the migrate command.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations to the bridge's store",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "status",
				Usage: "Show migration status without applying migrations",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runMigrations(c.String("config"), c.Bool("status"))
		},
	}
}

// runMigrations opens the store's raw database handle directly, bypassing
// storage.Open's own pending-migration guard, so this is the one command
// allowed to actually apply them.
func runMigrations(configPath string, statusOnly bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	mgr := bridgedb.NewMigrationManager(db)
	if err := mgr.EnsureMigrationsTable(); err != nil {
		return fmt.Errorf("ensuring migrations table: %w", err)
	}

	if statusOnly {
		return showMigrationStatus(mgr)
	}

	if err := mgr.ApplyPendingMigrations(); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	fmt.Println("All migrations completed successfully")
	return nil
}

func showMigrationStatus(mgr *bridgedb.MigrationManager) error {
	status, err := mgr.GetMigrationStatus()
	if err != nil {
		return err
	}

	fmt.Printf("Applied migrations: %d\n", len(status.Applied))
	for _, migration := range status.Applied {
		appliedTime := "unknown"
		if migration.AppliedAt != nil {
			appliedTime = migration.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  - %03d: %s (applied: %s)\n", migration.Version, migration.Name, appliedTime)
	}

	fmt.Printf("Pending migrations: %d\n", len(status.Pending))
	for _, migration := range status.Pending {
		fmt.Printf("  * %03d: %s\n", migration.Version, migration.Name)
	}
	if len(status.Pending) == 0 {
		fmt.Println("  (none - database is up to date)")
	}

	return nil
}
