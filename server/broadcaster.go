package server

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"feedfan/models"
)

var (
	connectedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedfan_connected_subscribers",
		Help: "The current number of connected subscribers",
	})

	broadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_broadcasts_sent_total",
		Help: "The total number of payloads handed to subscriber connections",
	})

	broadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_broadcasts_dropped_total",
		Help: "The total number of payloads dropped because a subscriber channel was full",
	})
)

// Broadcaster tracks live subscriber connections keyed by tenant and fans
// payloads out to them. Delivery is best effort: sends are non-blocking and
// a slow client loses the payload rather than holding up the rest. The
// broadcaster holds connection channels only, the network layer owns the
// connection lifecycle.
type Broadcaster struct {
	sync.RWMutex
	clients map[string]map[string]chan []byte
	buffer  int
}

func NewBroadcaster(buffer int) *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]map[string]chan []byte),
		buffer:  buffer,
	}
}

// AddClient registers a connection for a tenant and returns its key and the
// channel the fan-out writes payloads to.
func (b *Broadcaster) AddClient(tenantID string) (string, chan []byte) {
	key := uuid.New().String()
	client := make(chan []byte, b.buffer)

	b.Lock()
	defer b.Unlock()
	if b.clients[tenantID] == nil {
		b.clients[tenantID] = make(map[string]chan []byte)
	}
	b.clients[tenantID][key] = client
	connectedSubscribers.Inc()

	log.WithFields(log.Fields{
		"tenant": tenantID,
		"key":    key,
		"count":  len(b.clients[tenantID]),
	}).Info("Adding client to broadcaster")
	return key, client
}

// RemoveClient drops a connection from the live set and closes its channel.
func (b *Broadcaster) RemoveClient(tenantID, key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.clients[tenantID][key]; ok {
		close(client)
		delete(b.clients[tenantID], key)
		connectedSubscribers.Dec()
		if len(b.clients[tenantID]) == 0 {
			delete(b.clients, tenantID)
		}
	}

	log.WithFields(log.Fields{
		"tenant": tenantID,
		"key":    key,
		"count":  len(b.clients[tenantID]),
	}).Info("Removed client from broadcaster")
}

// Publish delivers a payload to every live connection of the tenant.
func (b *Broadcaster) Publish(tenantID string, payload []byte) {
	b.RLock()
	defer b.RUnlock()

	for key, client := range b.clients[tenantID] {
		select {
		case client <- payload: // Non-blocking send
			broadcastsSent.Inc()
		default:
			broadcastsDropped.Inc()
			log.Warnf("Client channel full, dropping payload for client: %v", key)
		}
	}
}

// BroadcastItems serializes items as a JSON array and publishes it to the
// tenant's subscribers. Implements ingest.Broadcaster.
func (b *Broadcaster) BroadcastItems(tenantID string, items []models.Item) {
	payload, err := json.Marshal(items)
	if err != nil {
		log.Errorf("Error marshalling items for tenant %s: %v", tenantID, err)
		return
	}
	b.Publish(tenantID, payload)
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for tenantID, clients := range b.clients {
		for _, client := range clients {
			close(client)
			connectedSubscribers.Dec()
		}
		delete(b.clients, tenantID)
	}
}
