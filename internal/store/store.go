// Package store defines the persisted memory store boundary.
//
// The engine treats durability as an opaque key/value service with substring
// search: JSON documents are added with a category, tags, and an importance
// weight, and found again by substring re-search rather than a primary-key
// index. Three backends implement the interface: an in-memory map (tests,
// ephemeral runs), BadgerDB (embedded key/value), and chromem-go (embedded
// document store, the default).
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrRecordNotFound is returned when a record id does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrEmptyContent indicates an empty document body.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// DefaultSearchLimit bounds Search results when the caller passes 0.
const DefaultSearchLimit = 20

// Record is one persisted document.
type Record struct {
	// ID is the unique identifier, assigned by Add.
	ID string `json:"id"`

	// Content is the document body, typically JSON-serialized state.
	Content string `json:"content"`

	// Category groups records by kind (task_context, checkpoint, ...).
	Category string `json:"category"`

	// Tags carry task/phase identifiers for re-search.
	Tags []string `json:"tags,omitempty"`

	// Importance weights the record for retention decisions.
	Importance float64 `json:"importance"`

	// CreatedAt is when the record was added.
	CreatedAt time.Time `json:"created_at"`
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Store is the interface for persisted memory operations.
//
// Search matches query as a substring of record content, optionally filtered
// by category, newest first. Expected failures (unknown id) surface as
// ErrRecordNotFound for use with errors.Is.
type Store interface {
	// Add persists a new record and returns its id.
	Add(ctx context.Context, content, category string, tags []string, importance float64) (string, error)

	// Search returns records whose content contains query, newest first.
	// An empty category matches all categories; limit 0 means DefaultSearchLimit.
	Search(ctx context.Context, query, category string, limit int) ([]Record, error)

	// Get retrieves a record by id.
	Get(ctx context.Context, id string) (*Record, error)

	// Update replaces a record's content.
	Update(ctx context.Context, id, content string) error

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}
