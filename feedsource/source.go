package feedsource

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"feedfan/models"
)

// Source polls the feed URLs registered for a single tenant and emits items
// it has not seen before on its event channel. Fetch errors are logged and
// retried on the next tick, never surfaced to the tenant's subscribers.
type Source struct {
	tenantID string
	client   *Client
	interval time.Duration
	events   chan models.ItemDiscoveredEvent
	fetchNow chan string

	mu   sync.Mutex
	urls []string
	seen map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(tenantID string, client *Client, interval time.Duration) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		tenantID: tenantID,
		client:   client,
		interval: interval,
		events:   make(chan models.ItemDiscoveredEvent, 64),
		fetchNow: make(chan string, 16),
		seen:     make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Events returns the channel newly discovered items are emitted on. The
// channel is closed when the source stops.
func (s *Source) Events() <-chan models.ItemDiscoveredEvent {
	return s.events
}

// AddFeedURL registers a URL with this source and schedules an immediate
// fetch. Adding a URL twice is a no-op.
func (s *Source) AddFeedURL(url string) {
	s.mu.Lock()
	if lo.Contains(s.urls, url) {
		s.mu.Unlock()
		return
	}
	s.urls = append(s.urls, url)
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"tenant": s.tenantID,
		"url":    url,
	}).Info("Polling new feed")

	select {
	case s.fetchNow <- url:
	default:
		// Queue full, the next tick picks the URL up anyway
	}
}

// Start launches the poll loop.
func (s *Source) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the poll loop and closes the event channel.
func (s *Source) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Source) loop() {
	defer s.wg.Done()
	defer close(s.events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case url := <-s.fetchNow:
			s.poll([]string{url})
		case <-ticker.C:
			s.poll(s.snapshotURLs())
		}
	}
}

func (s *Source) snapshotURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func (s *Source) poll(urls []string) {
	for _, url := range urls {
		if s.ctx.Err() != nil {
			return
		}
		items, err := s.client.Fetch(s.ctx, url)
		if err != nil {
			log.WithFields(log.Fields{
				"tenant": s.tenantID,
				"url":    url,
				"error":  err,
			}).Warn("Feed fetch failed")
			continue
		}
		for _, item := range items {
			s.emit(item)
		}
	}
}

func (s *Source) emit(item models.RawItem) {
	if item.Link == "" {
		return
	}

	s.mu.Lock()
	if _, ok := s.seen[item.Link]; ok {
		s.mu.Unlock()
		return
	}
	s.seen[item.Link] = struct{}{}
	s.mu.Unlock()

	select {
	case s.events <- models.ItemDiscoveredEvent{TenantID: s.tenantID, Item: item}:
	case <-s.ctx.Done():
	}
}
