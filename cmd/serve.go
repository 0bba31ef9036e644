package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"feedfan/config"
	"feedfan/db"
	"feedfan/feedsource"
	"feedfan/ingest"
	"feedfan/registry"
	"feedfan/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feedfan fan-out server",
		Description: `Starts the feedfan HTTP server and the feed pollers.

Restores all persisted tenants and their feed registrations, then accepts
subscriber websocket connections. Newly discovered feed items are pushed to
subscribers immediately and written to the bounded per-tenant log.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"FEEDFAN_PORT"},
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Value:   "feedfan.db",
				Usage:   "SQLite database file location",
				EnvVars: []string{"FEEDFAN_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				EnvVars: []string{"FEEDFAN_CONFIG"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := config.Default()
			if path := ctx.String("config"); path != "" {
				loaded, err := config.LoadConfig(path)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}

			database := ctx.String("database")
			if err := db.Migrate(database); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			store, err := db.NewStore(database)
			if err != nil {
				return err
			}
			defer store.Close()

			snapshots := ingest.NewSnapshotStore()
			broadcaster := server.NewBroadcaster(cfg.ClientBuffer)
			pipeline := ingest.NewPipeline(store, broadcaster, snapshots, ingest.PipelineConfig{
				LogBound:      cfg.LogBound,
				SnapshotSize:  cfg.SnapshotSize,
				DebounceDelay: cfg.DebounceDelay(),
			})
			reg := registry.New(store, feedsource.NewClient(), pipeline, cfg.PollInterval())

			// Restore pre-restart state before accepting subscriber traffic
			if err := reg.Restore(ctx.Context); err != nil {
				return fmt.Errorf("failed to restore tenants: %w", err)
			}

			for _, tenant := range cfg.Tenants {
				if _, err := reg.GetOrCreate(ctx.Context, tenant.ID); err != nil {
					return fmt.Errorf("failed to seed tenant %s: %w", tenant.ID, err)
				}
				for _, url := range tenant.Feeds {
					if _, err := reg.RegisterFeed(ctx.Context, tenant.ID, url); err != nil {
						log.WithFields(log.Fields{
							"tenant": tenant.ID,
							"url":    url,
							"error":  err,
						}).Error("Failed to register seed feed")
					}
				}
			}

			app := server.Server(&server.ServerConfig{
				Registry:    reg,
				Broadcaster: broadcaster,
				Snapshots:   snapshots,
			})

			// Graceful shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-quit
				log.Info("Gracefully shutting down...")
				if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
					log.Errorf("Error shutting down server: %v", err)
				}
			}()

			log.WithFields(log.Fields{
				"port":     ctx.Int("port"),
				"database": database,
			}).Info("Starting feedfan")

			if err := app.Listen(fmt.Sprintf(":%d", ctx.Int("port"))); err != nil {
				return err
			}

			reg.Shutdown()
			broadcaster.Shutdown()
			log.Info("Done!")
			return nil
		},
	}
}
