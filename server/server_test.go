package server_test

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedfan/db"
	"feedfan/feedsource"
	"feedfan/ingest"
	"feedfan/models"
	"feedfan/registry"
	"feedfan/server"
)

type serverFixture struct {
	url         string
	broadcaster *server.Broadcaster
	snapshots   *ingest.SnapshotStore
}

func startTestServer(t *testing.T) *serverFixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "feedfan.db")
	require.NoError(t, db.Migrate(path))
	store, err := db.NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	snapshots := ingest.NewSnapshotStore()
	broadcaster := server.NewBroadcaster(10)
	pipeline := ingest.NewPipeline(store, broadcaster, snapshots, ingest.PipelineConfig{
		LogBound:      25,
		SnapshotSize:  25,
		DebounceDelay: 20 * time.Millisecond,
	})
	reg := registry.New(store, feedsource.NewClient(), pipeline, time.Minute)
	t.Cleanup(reg.Shutdown)

	app := server.Server(&server.ServerConfig{
		Registry:    reg,
		Broadcaster: broadcaster,
		Snapshots:   snapshots,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { app.ShutdownWithTimeout(time.Second) })

	return &serverFixture{
		url:         fmt.Sprintf("ws://%s", ln.Addr().String()),
		broadcaster: broadcaster,
		snapshots:   snapshots,
	}
}

func dialSubscriber(t *testing.T, fixture *serverFixture, tenant string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fixture.url+"/subscribe/"+tenant, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func TestSubscriberGreetedThenReceivesBroadcasts(t *testing.T) {
	fixture := startTestServer(t)
	conn := dialSubscriber(t, fixture, "acme")

	// No snapshot yet, the greeting is the placeholder payload
	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	var placeholder []models.Item
	require.NoError(t, json.Unmarshal(greeting, &placeholder))
	require.Len(t, placeholder, 1)
	assert.Empty(t, placeholder[0].Title)

	// Once the greeting is read the subscriber is registered, a broadcast
	// published now must reach it
	fixture.broadcaster.BroadcastItems("acme", []models.Item{{
		Title: "X",
		Link:  "http://a/1",
		Date:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}})

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var items []models.Item
	require.NoError(t, json.Unmarshal(payload, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "X", items[0].Title)
}

func TestSubscriberGreetingUsesSnapshot(t *testing.T) {
	fixture := startTestServer(t)
	fixture.snapshots.Set("acme", []byte(`[{"title":"cached","link":"http://a/1","date":"2024-01-01T00:00:00Z"}]`))

	conn := dialSubscriber(t, fixture, "acme")

	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	var items []models.Item
	require.NoError(t, json.Unmarshal(greeting, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "cached", items[0].Title)
}

func TestSubscriberPingPong(t *testing.T) {
	fixture := startTestServer(t)
	conn := dialSubscriber(t, fixture, "acme")

	_, _, err := conn.ReadMessage() // Greeting
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
}

func TestSubscriberTenantIDNormalized(t *testing.T) {
	fixture := startTestServer(t)

	// Underscores in the connect path address the dashed tenant id
	conn := dialSubscriber(t, fixture, "acme_corp")
	_, _, err := conn.ReadMessage() // Greeting
	require.NoError(t, err)

	fixture.broadcaster.BroadcastItems("acme-corp", []models.Item{{
		Title: "X",
		Link:  "http://a/1",
		Date:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}})

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var items []models.Item
	require.NoError(t, json.Unmarshal(payload, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "X", items[0].Title)
}
