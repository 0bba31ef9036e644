package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/cqroot/prompt"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

func addFeedCmd() *cli.Command {
	return &cli.Command{
		Name:  "addfeed",
		Usage: "Register a feed URL for a tenant",
		Description: `Registers a feed URL for a tenant over the subscriber
protocol of a running feedfan server.

Prompts for the tenant and the feed URL when they are not passed as flags.
The tenant is created on its first feed registration.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "ws://localhost:3000",
				Usage:   "Websocket URL of the feedfan server",
				EnvVars: []string{"FEEDFAN_SERVER"},
			},
			&cli.StringFlag{
				Name:    "tenant",
				Aliases: []string{"t"},
				Usage:   "Tenant to register the feed for",
			},
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "Feed URL to register",
			},
		},
		Action: func(ctx *cli.Context) error {
			tenant := ctx.String("tenant")
			if tenant == "" {
				var err error
				tenant, err = prompt.New().Ask("Tenant:").Input("my-tenant")
				if err != nil {
					return err
				}
			}

			feedURL := ctx.String("url")
			if feedURL == "" {
				var err error
				feedURL, err = prompt.New().Ask("Feed URL:").Input("https://example.com/feed.xml")
				if err != nil {
					return err
				}
			}

			endpoint := fmt.Sprintf("%s/subscribe/%s",
				strings.TrimRight(ctx.String("server"), "/"),
				tenant,
			)

			conn, _, err := websocket.DefaultDialer.DialContext(ctx.Context, endpoint, nil)
			if err != nil {
				return fmt.Errorf("could not connect to %s: %w", endpoint, err)
			}
			defer conn.Close()

			// The server greets first, drain the snapshot payload
			if _, _, err := conn.ReadMessage(); err != nil {
				return fmt.Errorf("failed to read greeting: %w", err)
			}

			if err := conn.WriteMessage(websocket.TextMessage, []byte(feedURL)); err != nil {
				return fmt.Errorf("failed to send feed URL: %w", err)
			}

			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

			fmt.Printf("Registered feed %s for tenant %s\n", feedURL, tenant)
			return nil
		},
	}
}
