package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/websocket/v2"
	log "github.com/sirupsen/logrus"

	"feedfan/ingest"
	"feedfan/models"
	"feedfan/registry"
)

const (
	pingToken = "ping"
	pongToken = "pong"
)

// normalizeTenantID mirrors the historic client convention of sending
// underscores in place of dashes in the tenant identifier.
func normalizeTenantID(raw string) string {
	return strings.ReplaceAll(raw, "_", "-")
}

type subscriberHandler struct {
	registry    *registry.Registry
	broadcaster *Broadcaster
	snapshots   *ingest.SnapshotStore
}

// serve runs one subscriber connection: greet with the tenant's snapshot,
// then fan out items while interpreting inbound messages. Exactly "ping" is
// answered with "pong"; any other text frame is a feed URL to register for
// this tenant.
func (h *subscriberHandler) serve(c *websocket.Conn) {
	tenantID := normalizeTenantID(c.Params("tenant"))
	log.WithFields(log.Fields{
		"tenant": tenantID,
	}).Info("Subscriber connected")

	// Register before greeting: an item broadcast while the greeting is in
	// flight queues on the client channel instead of being missed.
	key, client := h.broadcaster.AddClient(tenantID)
	defer h.broadcaster.RemoveClient(tenantID, key)

	if err := c.WriteMessage(websocket.TextMessage, h.greeting(tenantID)); err != nil {
		log.Warnf("Failed to greet subscriber for tenant %s: %v", tenantID, err)
		return
	}

	// All writes after the greeting go through the client channel so the
	// fan-out and protocol replies never write concurrently.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case payload, ok := <-client:
				if !ok {
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					log.Debugf("Dropping subscriber %s for tenant %s: %v", key, tenantID, err)
					c.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("Unexpected websocket close for tenant %s: %v", tenantID, err)
			}
			log.WithFields(log.Fields{
				"tenant": tenantID,
				"key":    key,
			}).Info("Subscriber disconnected")
			return
		}

		text := strings.TrimSpace(string(message))
		switch {
		case text == "":
			continue
		case text == pingToken:
			h.reply(client, []byte(pongToken))
		default:
			// Anything else is a feed URL for this tenant. Invalid URLs are
			// left to the feed source's own error reporting.
			added, err := h.registry.RegisterFeed(context.Background(), tenantID, text)
			if err != nil {
				log.WithFields(log.Fields{
					"tenant": tenantID,
					"url":    text,
					"error":  err,
				}).Error("Failed to register feed")
				continue
			}
			if added {
				log.WithFields(log.Fields{
					"tenant": tenantID,
					"url":    text,
				}).Info("Registered feed")
			}
		}
	}
}

// greeting returns the tenant's cached snapshot, or the placeholder payload
// when no snapshot has been built yet.
func (h *subscriberHandler) greeting(tenantID string) []byte {
	if snapshot, ok := h.snapshots.Get(tenantID); ok {
		return snapshot
	}
	payload, err := json.Marshal(models.Placeholder())
	if err != nil {
		// Placeholder marshalling cannot realistically fail
		return []byte("[]")
	}
	return payload
}

func (h *subscriberHandler) reply(client chan []byte, payload []byte) {
	select {
	case client <- payload:
	default:
	}
}
