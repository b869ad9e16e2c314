package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/vedran77/chatsync/internal/config"
)

type contextKey int

const contextKeyConfig contextKey = iota

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

// prepareApp loads and validates the configuration for commands that talk
// to the server.
func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

func main() {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Keep a local mirror of your conversations in sync with the messaging service",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				EnvVars: []string{"CHATSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand,
			sendCommand,
			conversationsCommand,
			keyCommand,
			tokenCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
