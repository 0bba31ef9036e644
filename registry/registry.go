package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"feedfan/db"
	"feedfan/feedsource"
	"feedfan/ingest"
	"feedfan/models"
)

// Registry owns the tenant to feed-source mapping. Lifecycle operations are
// serialized under its lock, so a tenant never ends up with more than one
// source even when first-time registrations race.
type Registry struct {
	mu       sync.Mutex
	store    *db.Store
	client   *feedsource.Client
	pipeline *ingest.Pipeline
	interval time.Duration
	sources  map[string]*feedsource.Source
	wg       sync.WaitGroup
}

func New(store *db.Store, client *feedsource.Client, pipeline *ingest.Pipeline, interval time.Duration) *Registry {
	return &Registry{
		store:    store,
		client:   client,
		pipeline: pipeline,
		interval: interval,
		sources:  make(map[string]*feedsource.Source),
	}
}

// GetOrCreate returns the tenant's feed source, creating, persisting and
// starting it on first use. The tenant id is persisted exactly once.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID string) (*feedsource.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(ctx, tenantID)
}

func (r *Registry) getOrCreateLocked(ctx context.Context, tenantID string) (*feedsource.Source, error) {
	if source, ok := r.sources[tenantID]; ok {
		return source, nil
	}

	if err := r.store.AddTenant(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("persist tenant %s: %w", tenantID, err)
	}

	source := feedsource.New(tenantID, r.client, r.interval)
	r.sources[tenantID] = source
	source.Start()

	// Single consumer per tenant keeps ingestion serialized per source
	r.wg.Add(1)
	go r.consume(source)

	log.WithFields(log.Fields{
		"tenant": tenantID,
		"count":  len(r.sources),
	}).Info("Created feed source")
	return source, nil
}

func (r *Registry) consume(source *feedsource.Source) {
	defer r.wg.Done()
	for event := range source.Events() {
		if err := r.pipeline.Ingest(context.Background(), event.TenantID, event.Item); err != nil {
			log.WithFields(log.Fields{
				"tenant": event.TenantID,
				"link":   event.Item.Link,
				"error":  err,
			}).Error("Failed to ingest item")
		}
	}
}

// RegisterFeed persists a feed URL for the tenant and starts polling it,
// lazily creating the tenant's source on its first feed. Returns false when
// the URL was already registered. Fetch failures never fail registration,
// the source reports and retries them on its own schedule.
func (r *Registry) RegisterFeed(ctx context.Context, tenantID, url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	feeds, err := r.store.ListFeeds(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("list feeds for %s: %w", tenantID, err)
	}
	if lo.Contains(feeds, url) {
		return false, nil
	}

	source, err := r.getOrCreateLocked(ctx, tenantID)
	if err != nil {
		return false, err
	}

	if err := r.store.AddFeed(ctx, tenantID, url); err != nil {
		return false, fmt.Errorf("persist feed for %s: %w", tenantID, err)
	}

	source.AddFeedURL(url)
	return true, nil
}

// Restore recreates every persisted tenant's source and re-registers its
// feed URLs. Called once on startup, before the server accepts subscribers.
func (r *Registry) Restore(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	for _, tenantID := range tenants {
		source, err := r.getOrCreateLocked(ctx, tenantID)
		if err != nil {
			return err
		}
		feeds, err := r.store.ListFeeds(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("list feeds for %s: %w", tenantID, err)
		}
		for _, url := range feeds {
			source.AddFeedURL(url)
		}
		log.WithFields(log.Fields{
			"tenant": tenantID,
			"feeds":  len(feeds),
		}).Info("Restored tenant")
	}
	return nil
}

// TenantItems returns a tenant's persisted log, exposed for operational use.
func (r *Registry) TenantItems(ctx context.Context, tenantID string) ([]models.Item, error) {
	return r.store.ListItems(ctx, tenantID)
}

// Shutdown stops all feed sources and waits for their consumers to drain.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sources := lo.Values(r.sources)
	r.mu.Unlock()

	log.Info("Stopping feed sources")
	for _, source := range sources {
		source.Stop()
	}
	r.wg.Wait()
}
