package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"feedfan/models"
)

// Store persists the tenant list, each tenant's feed registrations and each
// tenant's bounded item log.
type Store struct {
	db *sql.DB
}

func NewStore(database string) (*Store, error) {
	db, err := connection(database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return &Store{db: db}, nil
}

func (store *Store) Close() error {
	return store.db.Close()
}

// Tenant operations

// AddTenant records a tenant id. Adding an existing tenant is a no-op.
func (store *Store) AddTenant(ctx context.Context, tenantID string) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("tenants").Cols("id", "created_at").Values(tenantID, time.Now().Unix())
	sql, args := ib.Build()

	if _, err := store.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (store *Store) ListTenants(ctx context.Context) ([]string, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id").From("tenants").OrderBy("created_at").Asc()
	sql, args := sb.Build()

	rows, err := store.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// Feed operations

// AddFeed records a feed URL for a tenant. Adding an existing pair is a no-op.
func (store *Store) AddFeed(ctx context.Context, tenantID, url string) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("feeds").Cols("tenant_id", "url", "created_at").Values(tenantID, url, time.Now().Unix())
	sql, args := ib.Build()

	if _, err := store.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	return nil
}

func (store *Store) ListFeeds(ctx context.Context, tenantID string) ([]string, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("url").From("feeds").Where(sb.Equal("tenant_id", tenantID)).OrderBy("created_at").Asc()
	sql, args := sb.Build()

	rows, err := store.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

// Item log operations

// FindByLink returns the item with the given link in the tenant's log, or
// nil when no such item exists.
func (store *Store) FindByLink(ctx context.Context, tenantID, link string) (*models.Item, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("title", "link", "date", "summary").From("items")
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("link", link))
	sb.Limit(1)
	query, args := sb.Build()

	var item models.Item
	var date int64
	err := store.db.QueryRowContext(ctx, query, args...).Scan(&item.Title, &item.Link, &date, &item.Summary)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query item: %w", err)
	}
	item.Date = time.Unix(0, date).UTC()
	return &item, nil
}

func (store *Store) CountItems(ctx context.Context, tenantID string) (int, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)").From("items").Where(sb.Equal("tenant_id", tenantID))
	sql, args := sb.Build()

	var count int
	if err := store.db.QueryRowContext(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}

// EvictOldest removes the single oldest item, by insertion order, from the
// tenant's log.
func (store *Store) EvictOldest(ctx context.Context, tenantID string) error {
	// go-sqlbuilder has no delete-with-subquery helper, keep it literal
	if _, err := store.db.ExecContext(ctx, `
		DELETE FROM items WHERE id = (
			SELECT id FROM items WHERE tenant_id = ? ORDER BY id ASC LIMIT 1
		)`, tenantID); err != nil {
		return fmt.Errorf("evict item: %w", err)
	}
	return nil
}

func (store *Store) AppendItem(ctx context.Context, tenantID string, item models.Item) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("items").Cols("tenant_id", "title", "link", "date", "summary", "inserted_at")
	// Nanosecond precision, sub-second publication dates must survive the
	// round trip or the snapshot sort loses their order
	ib.Values(tenantID, item.Title, item.Link, item.Date.UnixNano(), item.Summary, time.Now().Unix())
	sql, args := ib.Build()

	if _, err := store.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}

	log.WithFields(log.Fields{
		"tenant": tenantID,
		"link":   item.Link,
	}).Debug("Appended item to log")
	return nil
}

// ListItems returns the tenant's log in insertion order.
func (store *Store) ListItems(ctx context.Context, tenantID string) ([]models.Item, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("title", "link", "date", "summary").From("items")
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("id").Asc()
	sql, args := sb.Build()

	rows, err := store.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var item models.Item
		var date int64
		if err := rows.Scan(&item.Title, &item.Link, &date, &item.Summary); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Date = time.Unix(0, date).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}
