package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const tailPingInterval = 30 * time.Second

func tailCmd() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream a tenant's items to the command line",
		Description: `Connects to a running feedfan server as a subscriber and
prints every received item array as a JSON line on stdout.

Reconnects with exponential backoff when the connection drops. Use a tool
like jq to process the output.

Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "ws://localhost:3000",
				Usage:   "Websocket URL of the feedfan server",
				EnvVars: []string{"FEEDFAN_SERVER"},
			},
			&cli.StringFlag{
				Name:     "tenant",
				Aliases:  []string{"t"},
				Usage:    "Tenant to subscribe to",
				Required: true,
			},
		},
		Action: func(ctx *cli.Context) error {
			// Keep stdout clean for the item stream
			log.SetOutput(os.Stderr)

			endpoint := fmt.Sprintf("%s/subscribe/%s",
				strings.TrimRight(ctx.String("server"), "/"),
				ctx.String("tenant"),
			)

			dialer := websocket.Dialer{
				HandshakeTimeout: 45 * time.Second,
			}

			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 100 * time.Millisecond
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 0 // Never stop retrying

			for {
				select {
				case <-ctx.Context.Done():
					return nil
				default:
				}

				conn, _, err := dialer.DialContext(ctx.Context, endpoint, nil)
				if err != nil {
					log.Errorf("Error connecting to %s: %s", endpoint, err)
					time.Sleep(bo.NextBackOff())
					continue
				}

				bo.Reset()
				log.Infof("Connected to %s", endpoint)
				if err := tailConnection(conn); err != nil {
					log.Warnf("Connection lost: %v", err)
				}
				conn.Close()
			}
		},
	}
}

// tailConnection reads item payloads until the connection breaks. Sends the
// protocol-level "ping" token periodically so intermediaries keep the
// connection alive; the matching "pong" replies are filtered from output.
func tailConnection(conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(tailPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(message) == "pong" {
			continue
		}
		fmt.Println(string(message))
	}
}
