package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/identity"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send one direct message and wait for the server to confirm it",
	ArgsUsage: "PEER MESSAGE...",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for the connection and the confirmation",
			Value: 15 * time.Second,
		},
	},
	Action: cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a peer and a message")
	}
	peer := ctx.Args().Get(0)
	content := strings.Join(ctx.Args().Slice()[1:], " ")

	cfg := getConfig(ctx)
	log := newLogger(cfg)
	key, err := identity.KeyFor(cfg.Identity(), domain.ParseParticipantID(peer))
	if err != nil {
		return err
	}

	a, err := buildEngine(ctx.Context, cfg, log, buildOptions{})
	if err != nil {
		return err
	}
	defer a.shutdown(log)

	wait := ctx.Duration("wait")
	stop, err := a.start(ctx.Context, wait)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer stop()

	tempID, err := a.engine.SendDirectMessage(ctx.Context, peer, domain.Draft{Content: content})
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx.Context, wait)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		msgs, err := a.engine.Messages(waitCtx, key)
		if err != nil {
			return err
		}
		if status, confirmed := confirmation(msgs, tempID); confirmed {
			if status == domain.StatusFailed {
				return fmt.Errorf("message to %s was not delivered", peer)
			}
			fmt.Printf("Message sent to %s\n", identity.ShortDisplay(domain.ParseParticipantID(peer)))
			return nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return fmt.Errorf("no confirmation from the server within %s", wait)
		}
	}
}

// confirmation reports whether the optimistic copy tempID has left the
// sending state, and its final status when it is still in the list.
func confirmation(msgs []domain.ChatMessage, tempID string) (domain.MessageStatus, bool) {
	for _, m := range msgs {
		if m.ID != tempID {
			continue
		}
		if m.Status == domain.StatusFailed {
			return m.Status, true
		}
		return m.Status, false
	}
	// The temp entry was replaced by the server copy.
	return domain.StatusSent, true
}
