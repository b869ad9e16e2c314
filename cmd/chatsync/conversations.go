package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/vedran77/chatsync/internal/engine"
)

var conversationsCommand = &cli.Command{
	Name:    "conversations",
	Aliases: []string{"ls"},
	Usage:   "List conversations and groups with their unread counts",
	Before:  prepareApp,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for the server snapshot",
			Value: 10 * time.Second,
		},
	},
	Action: cmdConversations,
}

func cmdConversations(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := newLogger(cfg)

	snapshots := make(chan engine.ChangeKind, 8)
	a, err := buildEngine(ctx.Context, cfg, log, buildOptions{
		restore: true,
		onChange: func(c engine.Change) {
			if c.Key != "" {
				return
			}
			select {
			case snapshots <- c.Kind:
			default:
			}
		},
	})
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

	// Both snapshots are requested on connect; wait for them to land.
	got := map[engine.ChangeKind]bool{}
	timeout := time.After(wait)
	for !got[engine.ChangeConversations] || !got[engine.ChangeGroups] {
		select {
		case kind := <-snapshots:
			got[kind] = true
		case <-timeout:
			log.Warn().Msg("Snapshot incomplete, showing what we have")
			got[engine.ChangeConversations], got[engine.ChangeGroups] = true, true
		}
	}

	convs, err := a.engine.Conversations(ctx.Context)
	if err != nil {
		return err
	}
	groups, err := a.engine.Groups(ctx.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUNREAD\tLAST\tWHEN")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.PeerName, c.UnreadCount, c.LastMessage, when(c.LastMessageTime))
	}
	for _, g := range groups {
		fmt.Fprintf(w, "#%s\t%d\t%s\t%s\n", g.Name, g.UnreadCount, g.LastMessage, when(g.LastMessageTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	total, err := a.engine.TotalUnread(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s unread across %s conversations\n", humanize.Comma(int64(total)), humanize.Comma(int64(len(convs)+len(groups))))
	return nil
}

func when(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}
