package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/identity"
)

var keyCommand = &cli.Command{
	Name:      "key",
	Usage:     "Print the conversation key two participants share",
	ArgsUsage: "A B",
	Action:    cmdKey,
}

func cmdKey(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("you must specify exactly two participant ids")
	}
	a := domain.ParseParticipantID(ctx.Args().Get(0))
	b := domain.ParseParticipantID(ctx.Args().Get(1))

	key, err := identity.CanonicalKey(a, b)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}
