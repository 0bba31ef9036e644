package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"feedfan/db"
	"feedfan/models"
)

var (
	itemsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_items_ingested_total",
		Help: "The total number of items persisted and broadcast",
	})

	itemsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_items_duplicate_total",
		Help: "The total number of items skipped because their link was already in the log",
	})

	itemsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_items_discarded_total",
		Help: "The total number of items discarded for missing a title or link",
	})

	snapshotRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_snapshot_rebuilds_total",
		Help: "The total number of tenant snapshot rebuilds",
	})
)

// Broadcaster pushes freshly ingested items to a tenant's live subscribers.
type Broadcaster interface {
	BroadcastItems(tenantID string, items []models.Item)
}

type PipelineConfig struct {

	// Maximum number of items kept in a tenant's persisted log
	LogBound int

	// Maximum number of items serialized into a tenant's snapshot
	SnapshotSize int

	// Quiet period after the last new item before the snapshot is rebuilt
	DebounceDelay time.Duration
}

// Pipeline turns raw feed items into validated, deduplicated, persisted
// items, pushes them to subscribers and schedules snapshot rebuilds. Each
// tenant's log, snapshot and debounce timer are guarded by a per-tenant
// mutex, so sources, timer fires and explicit rebuilds never interleave on
// the same tenant.
type Pipeline struct {
	store       *db.Store
	broadcaster Broadcaster
	snapshots   *SnapshotStore
	debouncer   *Debouncer
	config      PipelineConfig

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

func NewPipeline(store *db.Store, broadcaster Broadcaster, snapshots *SnapshotStore, config PipelineConfig) *Pipeline {
	p := &Pipeline{
		store:       store,
		broadcaster: broadcaster,
		snapshots:   snapshots,
		config:      config,
		tenants:     make(map[string]*sync.Mutex),
	}
	p.debouncer = NewDebouncer(config.DebounceDelay, p.rebuildForTenant)
	return p
}

func (p *Pipeline) tenantLock(tenantID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.tenants[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		p.tenants[tenantID] = mu
	}
	return mu
}

// Ingest processes one raw item emitted by a tenant's feed source. The
// tenant must already be persisted; the registry records the tenant before
// starting its source, so every emitted item satisfies that. Items without
// a title or link are dropped silently, duplicates are a no-op. Persistence
// failures are returned to the caller.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, raw models.RawItem) error {
	if raw.Title == "" || raw.Link == "" {
		itemsDiscarded.Inc()
		return nil
	}

	item := models.Item{
		Title:   raw.Title,
		Link:    raw.Link,
		Date:    raw.Date,
		Summary: CleanSummary(raw.Summary),
	}
	if item.Date.IsZero() {
		item.Date = time.Now().UTC()
	}

	mu := p.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := p.store.FindByLink(ctx, tenantID, item.Link)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if existing != nil {
		itemsDuplicate.Inc()
		return nil
	}

	// A new item always resets the quiet window
	p.debouncer.Cancel(tenantID)

	// Push to live subscribers before persisting. A crash between the two is
	// an accepted best-effort gap.
	p.broadcaster.BroadcastItems(tenantID, []models.Item{item})

	count, err := p.store.CountItems(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("count log: %w", err)
	}
	for count >= p.config.LogBound {
		if err := p.store.EvictOldest(ctx, tenantID); err != nil {
			return fmt.Errorf("trim log: %w", err)
		}
		count--
	}
	if err := p.store.AppendItem(ctx, tenantID, item); err != nil {
		return fmt.Errorf("persist item: %w", err)
	}

	itemsIngested.Inc()
	log.WithFields(log.Fields{
		"tenant": tenantID,
		"link":   item.Link,
		"title":  item.Title,
	}).Info("Ingested item")

	p.debouncer.Schedule(tenantID)
	return nil
}

// RebuildSnapshot recomputes the tenant's snapshot immediately, outside the
// debounce schedule.
func (p *Pipeline) RebuildSnapshot(tenantID string) error {
	mu := p.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return p.rebuildLocked(tenantID)
}

func (p *Pipeline) rebuildForTenant(tenantID string) {
	if err := p.RebuildSnapshot(tenantID); err != nil {
		log.WithFields(log.Fields{
			"tenant": tenantID,
			"error":  err,
		}).Error("Snapshot rebuild failed")
	}
}

func (p *Pipeline) rebuildLocked(tenantID string) error {
	items, err := p.store.ListItems(context.Background(), tenantID)
	if err != nil {
		return fmt.Errorf("list log: %w", err)
	}
	if items == nil {
		// A legitimately empty feed serializes as [], not null
		items = []models.Item{}
	}

	// Sort before trimming: insertion order and date order diverge when
	// feeds publish items with out-of-order dates.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Date.Before(items[j].Date)
	})
	if len(items) > p.config.SnapshotSize {
		items = items[len(items)-p.config.SnapshotSize:]
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}

	p.snapshots.Set(tenantID, payload)
	snapshotRebuilds.Inc()
	log.WithFields(log.Fields{
		"tenant": tenantID,
		"items":  len(items),
	}).Info("Rebuilt snapshot")
	return nil
}
