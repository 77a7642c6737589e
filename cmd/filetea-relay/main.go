package main

import (
	"context"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"

	"github.com/elima/filetea/cmd/filetea-relay/cli"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	root := &ffcli.Command{
		Name:        "filetea-relay",
		ShortHelp:   "Rendezvous relay for browser-to-browser file sharing",
		Subcommands: []*ffcli.Command{cli.ServeCommand(log), cli.StatsCommand(log)},
		Exec: func(ctx context.Context, args []string) error {
			return flagErrorHelp
		},
	}

	if err := root.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

var flagErrorHelp = fmt.Errorf("filetea-relay: specify a subcommand (serve, stats)")
