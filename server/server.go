package server

import (
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"feedfan/ingest"
	"feedfan/models"
	"feedfan/registry"
)

type ServerConfig struct {

	// The tenant registry handling feed registrations
	Registry *registry.Registry

	// Fan-out of ingested items to live subscribers
	Broadcaster *Broadcaster

	// Cached greet payloads per tenant
	Snapshots *ingest.SnapshotStore
}

// Server returns a fiber.App instance serving the subscriber websocket
// endpoint and the operational HTTP endpoints.
func Server(config *ServerConfig) *fiber.App {

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Operational view of a tenant's persisted log
	app.Get("/log/:tenant", func(c *fiber.Ctx) error {
		tenantID := normalizeTenantID(c.Params("tenant"))
		items, err := config.Registry.TenantItems(c.Context(), tenantID)
		if err != nil {
			log.WithFields(log.Fields{
				"tenant": tenantID,
				"error":  err,
			}).Error("Error reading tenant log")
			return c.Status(500).SendString("Error reading tenant log")
		}
		if items == nil {
			items = []models.Item{}
		}
		return c.JSON(items)
	})

	handler := &subscriberHandler{
		registry:    config.Registry,
		broadcaster: config.Broadcaster,
		snapshots:   config.Snapshots,
	}

	app.Use("/subscribe", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/subscribe/:tenant", websocket.New(handler.serve))

	return app
}
