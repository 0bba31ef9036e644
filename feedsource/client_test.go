package feedsource_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedfan/feedsource"
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
    <item>
      <title>Second</title>
      <link>http://example.com/2</link>
    </item>
  </channel>
</rss>`

func TestFetchParsesRSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	client := feedsource.NewClient()
	items, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "First", items[0].Title)
	assert.Equal(t, "http://example.com/1", items[0].Link)
	assert.Equal(t, "<p>hello &amp; welcome</p>", items[0].Summary)
	assert.True(t, items[0].Date.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, "Second", items[1].Title)
	assert.True(t, items[1].Date.IsZero())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	client := feedsource.NewClient()
	items, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, int64(3), requests.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := feedsource.NewClient()
	_, err := client.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	// Initial attempt plus the configured retries
	assert.Equal(t, int64(4), requests.Load())
}

func TestFetchMalformedFeedIsPermanent(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("this is not a feed"))
	}))
	defer srv.Close()

	client := feedsource.NewClient()
	_, err := client.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int64(1), requests.Load())
}
