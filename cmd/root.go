package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "feedfan",
		Usage: "A multi-tenant feed ingestion and live fan-out server",
		Description: `Feedfan polls syndicated feeds registered per tenant,
		deduplicates newly discovered items against a bounded per-tenant log
		and pushes them to the tenant's live websocket subscribers. After a
		quiet period it rebuilds the cached snapshot used to greet newly
		connecting subscribers.

		Flags can generally be set via environment variables, e.g.:

		--database => FEEDFAN_DATABASE=feedfan.db
		--port => FEEDFAN_PORT=3000
		`,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			tailCmd(),
			addFeedCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
