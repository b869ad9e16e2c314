package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/vedran77/chatsync/internal/auth"
	"github.com/vedran77/chatsync/internal/config"
)

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "Inspect the configured access token, or mint a development token",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "mint",
			Usage: "Sign a new token with jwt_secret for the primary identity",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "Lifetime of a minted token",
			Value: devTokenTTL,
		},
	},
	Action: cmdToken,
}

func cmdToken(ctx *cli.Context) error {
	// Validation is skipped so a token can be inspected before the rest of
	// the config is filled in.
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if ctx.Bool("mint") {
		if len(cfg.Identities) == 0 {
			return errors.New("no identity configured")
		}
		token, err := auth.IssueDevToken(cfg.JWTSecret, cfg.Identity().Primary().Value, ctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	claims, err := auth.Inspect(cfg.AccessToken, time.Now())
	if claims != nil {
		fmt.Printf("Subject: %s\n", claims.Subject)
		if claims.ExpiresAt != nil {
			fmt.Printf("Expires: %s (%s)\n", claims.ExpiresAt.Format(time.RFC3339), humanize.Time(*claims.ExpiresAt))
		}
	}
	return err
}
