package registry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedfan/db"
	"feedfan/feedsource"
	"feedfan/ingest"
	"feedfan/models"
	"feedfan/registry"
)

const rssFixture = `<rss version="2.0">
  <channel>
    <title>Fixture Feed</title>
    <item>
      <title>First</title>
      <link>http://example.com/1</link>
      <pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate>
      <description><![CDATA[<p>hello &amp; welcome</p>]]></description>
    </item>
  </channel>
</rss>`

func newTestRegistry(t *testing.T) (*registry.Registry, *db.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedfan.db")
	require.NoError(t, db.Migrate(path))
	store, err := db.NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	snapshots := ingest.NewSnapshotStore()
	pipeline := ingest.NewPipeline(store, noopBroadcaster{}, snapshots, ingest.PipelineConfig{
		LogBound:      25,
		SnapshotSize:  25,
		DebounceDelay: 20 * time.Millisecond,
	})

	reg := registry.New(store, feedsource.NewClient(), pipeline, time.Minute)
	t.Cleanup(reg.Shutdown)
	return reg, store
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastItems(string, []models.Item) {}

func TestGetOrCreateRacesResolveToOneSource(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	sources := make([]*feedsource.Source, 8)
	var wg sync.WaitGroup
	for i := 0; i < len(sources); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source, err := reg.GetOrCreate(ctx, "acme")
			assert.NoError(t, err)
			sources[i] = source
		}(i)
	}
	wg.Wait()

	for _, source := range sources[1:] {
		assert.Same(t, sources[0], source)
	}

	tenants, err := store.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)
}

func TestRegisterFeedReportsFirstRegistration(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.RegisterFeed(ctx, "acme", "http://a/feed.xml")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = reg.RegisterFeed(ctx, "acme", "http://a/feed.xml")
	require.NoError(t, err)
	assert.False(t, created)

	// Another tenant registering the same URL is a fresh registration
	created, err = reg.RegisterFeed(ctx, "globex", "http://a/feed.xml")
	require.NoError(t, err)
	assert.True(t, created)

	feeds, err := store.ListFeeds(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a/feed.xml"}, feeds)
}

func TestRegisterFeedIngestsDiscoveredItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	reg, store := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.RegisterFeed(ctx, "acme", srv.URL)
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		items, err := store.ListItems(ctx, "acme")
		return err == nil && len(items) == 1
	}, 3*time.Second, 20*time.Millisecond)

	items, err := store.ListItems(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "First", items[0].Title)
	assert.Equal(t, "hello & welcome", items[0].Summary)
}

func TestRestoreRecreatesPersistedTenants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "feedfan.db")
	require.NoError(t, db.Migrate(path))
	store, err := db.NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.AddTenant(ctx, "acme"))
	require.NoError(t, store.AddFeed(ctx, "acme", srv.URL))

	snapshots := ingest.NewSnapshotStore()
	pipeline := ingest.NewPipeline(store, noopBroadcaster{}, snapshots, ingest.PipelineConfig{
		LogBound:      25,
		SnapshotSize:  25,
		DebounceDelay: 20 * time.Millisecond,
	})
	reg := registry.New(store, feedsource.NewClient(), pipeline, time.Minute)
	t.Cleanup(reg.Shutdown)

	require.NoError(t, reg.Restore(ctx))

	// Restored feeds are polled immediately, not only on the next tick
	require.Eventually(t, func() bool {
		items, err := store.ListItems(ctx, "acme")
		return err == nil && len(items) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestShutdownStopsSources(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	source, err := reg.GetOrCreate(ctx, "acme")
	require.NoError(t, err)

	reg.Shutdown()

	select {
	case _, ok := <-source.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected the source's event channel to close")
	}
}
