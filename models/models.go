package models

import "time"

// Item is a single piece of syndicated content discovered for a tenant.
// The link is the unique key within a tenant's log.
type Item struct {
	Title   string    `json:"title"`
	Date    time.Time `json:"date"`
	Link    string    `json:"link"`
	Summary string    `json:"summary,omitempty"`
}

// RawItem is an item as emitted by a feed source, before validation and
// normalization by the ingestion pipeline.
type RawItem struct {
	Title   string
	Link    string
	Date    time.Time
	Summary string
}

// ItemDiscoveredEvent fired when a feed source sees an item for the first time
type ItemDiscoveredEvent struct {
	TenantID string
	Item     RawItem
}

// Placeholder returns the single-element payload sent to subscribers of a
// tenant that has no snapshot yet. Distinguishes "never populated" from a
// legitimately empty feed.
func Placeholder() []Item {
	return []Item{{Title: "", Date: time.Now().UTC(), Link: ""}}
}
