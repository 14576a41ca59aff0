package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	seq     map[string]int64 // insertion order, breaks CreatedAt ties
	next    int64
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		seq:     make(map[string]int64),
	}
}

// Add persists a new record and returns its id.
func (s *MemoryStore) Add(_ context.Context, content, category string, tags []string, importance float64) (string, error) {
	if content == "" {
		return "", ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	rec := &Record{
		ID:         uuid.New().String(),
		Content:    content,
		Category:   category,
		Tags:       append([]string(nil), tags...),
		Importance: importance,
		CreatedAt:  time.Now(),
	}
	s.records[rec.ID] = rec
	s.next++
	s.seq[rec.ID] = s.next
	return rec.ID, nil
}

// Search returns records whose content contains query, newest first.
func (s *MemoryStore) Search(_ context.Context, query, category string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	matches := make([]Record, 0)
	for _, rec := range s.records {
		if category != "" && rec.Category != category {
			continue
		}
		if query != "" && !strings.Contains(rec.Content, query) {
			continue
		}
		matches = append(matches, *rec)
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return s.seq[matches[i].ID] > s.seq[matches[j].ID]
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Get retrieves a record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// Update replaces a record's content.
func (s *MemoryStore) Update(_ context.Context, id, content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Content = content
	return nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.records, id)
	delete(s.seq, id)
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
