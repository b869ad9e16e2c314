package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vedran77/chatsync/internal/engine"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Connect and keep the mirror in sync until interrupted",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "checkpoint-every",
			Usage: "How often to write the mirror to the database",
			Value: time.Minute,
		},
	},
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := newLogger(cfg)

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildEngine(sigCtx, cfg, log, buildOptions{
		restore: true,
		onChange: func(c engine.Change) {
			if c.Kind == engine.ChangeConnection {
				log.Info().Stringer("state", c.State).Msg("Connection")
			}
		},
	})
	if err != nil {
		return err
	}
	defer a.shutdown(log)

	go func() {
		ticker := time.NewTicker(ctx.Duration("checkpoint-every"))
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.engine.Checkpoint(sigCtx); err != nil {
					log.Warn().Err(err).Msg("Checkpoint failed")
				}
			case <-sigCtx.Done():
				return
			}
		}
	}()

	log.Info().Str("server", cfg.ServerURL).Str("user", cfg.Identity().Primary().Value).Msg("Starting sync")
	done := make(chan error, 1)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- a.engine.Run(runCtx) }()

	<-sigCtx.Done()

	// Checkpoint while the engine can still answer, then stop it.
	checkpointCtx, checkpointCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer checkpointCancel()
	if err := a.engine.Checkpoint(checkpointCtx); err != nil {
		log.Warn().Err(err).Msg("Final checkpoint failed")
	}
	cancel()
	return <-done
}
