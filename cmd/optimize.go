package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/chatrelay/bridge/pkg/config"
	"github.com/chatrelay/bridge/pkg/storage"
)

// OptimizeCommand creates the optimize command group for the bridge's single
// store file. There is exactly one SQLite file to maintain, so there is no
// datasource selector and no FTS rebuild step — the Mapping Store keeps no
// full-text index.
func OptimizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "optimize",
		Usage: "Database maintenance commands for the bridge store",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Run an integrity check on the store",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c.String("config"), func(s *storage.Store) error {
						fmt.Print("Running integrity check... ")
						if err := s.IntegrityCheck(); err != nil {
							fmt.Println("FAILED")
							return err
						}
						fmt.Println("OK")
						return nil
					})
				},
			},
			{
				Name:  "analyze",
				Usage: "Run ANALYZE to update query planner statistics",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c.String("config"), func(s *storage.Store) error {
						fmt.Println("Running ANALYZE...")
						return s.Analyze()
					})
				},
			},
			{
				Name:  "vacuum",
				Usage: "Run VACUUM to defragment the store",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c.String("config"), func(s *storage.Store) error {
						fmt.Println("Running VACUUM (this may take a while)...")
						return s.Vacuum()
					})
				},
			},
			{
				Name:  "checkpoint",
				Usage: "Run a WAL checkpoint to flush changes into the main file",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c.String("config"), func(s *storage.Store) error {
						fmt.Println("Running WAL checkpoint...")
						return s.WALCheckpoint()
					})
				},
			},
			{
				Name:  "all",
				Usage: "Run analyze, checkpoint and vacuum in sequence",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c.String("config"), func(s *storage.Store) error {
						fmt.Println("Running ANALYZE...")
						if err := s.Analyze(); err != nil {
							return err
						}
						fmt.Println("Running WAL checkpoint...")
						if err := s.WALCheckpoint(); err != nil {
							return err
						}
						fmt.Println("Running VACUUM...")
						if err := s.Vacuum(); err != nil {
							return err
						}
						fmt.Println("All optimization operations completed successfully")
						return nil
					})
				},
			},
		},
	}
}

func withStore(configPath string, f func(*storage.Store) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		_ = s.Close()
	}()

	return f(s)
}
