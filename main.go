package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/chatrelay/bridge/cmd"
	"github.com/chatrelay/bridge/pkg/config"
	"github.com/chatrelay/bridge/pkg/log"
	"github.com/chatrelay/bridge/pkg/version"
)

var logger = log.ForService("main")

func main() {
	app := &cli.Command{
		Name:  "bridge",
		Usage: version.Summary(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: config.GetDefaultConfigPath(),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if c.Bool("debug") {
				log.SetGlobalDebug(true)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.ServeCommand(),
			cmd.StatusCommand(),
			cmd.MigrateCommand(),
			cmd.OptimizeCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
