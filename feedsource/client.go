package feedsource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/labstack/gommon/log"
	"github.com/mmcdole/gofeed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"feedfan/models"
)

var (
	fetchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_feed_fetch_attempts_total",
		Help: "The total number of feed fetch attempts",
	})

	fetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfan_feed_fetch_errors_total",
		Help: "The total number of failed feed fetches",
	})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedfan_feed_fetch_duration_seconds",
		Help:    "Duration of feed fetch and parse round trips",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // Start at 10ms, double each bucket, 10 buckets
	})
)

const (
	fetchTimeout  = 20 * time.Second
	fetchRetries  = 3
	retryInterval = 200 * time.Millisecond
	userAgent     = "feedfan/1.0 (+https://github.com/feedfan/feedfan)"
)

// Client fetches and parses syndicated feeds (RSS, Atom, JSON Feed) over
// HTTP. Transient failures are retried with exponential backoff within a
// single Fetch call; callers retry on their own polling cadence after that.
type Client struct {
	http   *http.Client
	parser *gofeed.Parser
}

func NewClient() *Client {
	return &Client{
		http:   &http.Client{Timeout: fetchTimeout},
		parser: gofeed.NewParser(),
	}
}

func (c *Client) Fetch(ctx context.Context, url string) ([]models.RawItem, error) {
	var feed *gofeed.Feed

	operation := func() error {
		fetchAttempts.Inc()
		start := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			fetchErrors.Inc()
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			fetchErrors.Inc()
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		parsed, err := c.parser.Parse(resp.Body)
		if err != nil {
			fetchErrors.Inc()
			// A malformed document will not get better on retry
			return backoff.Permanent(fmt.Errorf("parse feed: %w", err))
		}

		fetchDuration.Observe(time.Since(start).Seconds())
		feed = parsed
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInterval
	notify := func(err error, wait time.Duration) {
		log.Warnf("retrying feed fetch %s in %s: %v", url, wait, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, fetchRetries), ctx), notify); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	items := make([]models.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		raw := models.RawItem{
			Title:   entry.Title,
			Link:    entry.Link,
			Summary: entry.Description,
		}
		if raw.Summary == "" {
			raw.Summary = entry.Content
		}
		if entry.PublishedParsed != nil {
			raw.Date = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			raw.Date = entry.UpdatedParsed.UTC()
		}
		items = append(items, raw)
	}
	return items, nil
}
