package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conformance runs the Store contract against a backend.
func conformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	// Add + Get round trip.
	id, err := s.Add(ctx, `{"task_id":"t1","phase":"a"}`, "task_context", []string{"task:t1"}, 0.8)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "task_context", rec.Category)
	assert.True(t, rec.HasTag("task:t1"))
	assert.Contains(t, rec.Content, `"task_id":"t1"`)

	// Empty content rejected.
	_, err = s.Add(ctx, "", "task_context", nil, 0)
	assert.ErrorIs(t, err, ErrEmptyContent)

	// Substring search with category filter.
	_, err = s.Add(ctx, `{"task_id":"t2"}`, "task_context", []string{"task:t2"}, 0.5)
	require.NoError(t, err)
	_, err = s.Add(ctx, `{"task_id":"t1","checkpoint":"c1"}`, "checkpoint", []string{"task:t1"}, 0.5)
	require.NoError(t, err)

	results, err := s.Search(ctx, `"task_id":"t1"`, "task_context", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)

	// Category-only search.
	results, err = s.Search(ctx, "", "checkpoint", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "checkpoint", results[0].Category)

	// No matches.
	results, err = s.Search(ctx, "no-such-substring", "", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Update rewrites content in place.
	require.NoError(t, s.Update(ctx, id, `{"task_id":"t1","rev":2}`))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, rec.Content, `"rev":2`)

	// Delete then not-found.
	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, s.Update(ctx, id, "x"), ErrRecordNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), ErrRecordNotFound)

	// Unknown id.
	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryStore_Conformance(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	conformance(t, s)
}

func TestBadgerStore_Conformance(t *testing.T) {
	s, err := NewBadgerStore(BadgerConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	defer s.Close()
	conformance(t, s)
}

func TestBadgerStore_InMemory(t *testing.T) {
	s, err := NewBadgerStore(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer s.Close()
	conformance(t, s)
}

func TestChromemStore_Conformance(t *testing.T) {
	s, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	defer s.Close()
	conformance(t, s)
}

func TestMemoryStore_SearchNewestFirstAndLimit(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Add(ctx, "shared-content", "c", nil, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	results, err := s.Search(ctx, "shared", "c", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ids[4], results[0].ID, "newest first")
	assert.Equal(t, ids[3], results[1].ID)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Add(context.Background(), "x", "c", nil, 0)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Search(context.Background(), "x", "", 0)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := NewBadgerStore(BadgerConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestChromemStore_RequiresPath(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestHashEmbedding_Deterministic(t *testing.T) {
	a, err := hashEmbedding(context.Background(), "same text")
	require.NoError(t, err)
	b, err := hashEmbedding(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	empty, err := hashEmbedding(context.Background(), "")
	require.NoError(t, err)
	assert.NotZero(t, empty[0], "empty text still yields a non-zero vector")
}

func TestFactory(t *testing.T) {
	s, err := New(Config{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(Config{Backend: "badger", Badger: BadgerConfig{Path: t.TempDir()}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	s, err = New(Config{Backend: "chromem", Chromem: ChromemConfig{Path: t.TempDir()}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemStore{}, s)

	_, err = New(Config{Backend: "mongodb"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}
