package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("phaserun.store.chromem")

const (
	chromemCollection = "phaserun_records"

	// chromemVectorSize is the dimension of the locality-hash embedding.
	// The engine retrieves by substring and tags, not semantics, so a small
	// deterministic vector is enough to satisfy chromem's storage model.
	chromemVectorSize = 64
)

// ChromemConfig holds configuration for the chromem-go backed store.
type ChromemConfig struct {
	// Path is the directory for persisted collections. Supports "~" expansion.
	Path string `koanf:"path"`

	// Compress enables gzip compression of persisted documents.
	Compress bool `koanf:"compress"`
}

// ChromemStore implements Store on chromem-go, an embedded document database
// with zero external dependencies. Substring search maps onto chromem's
// content-contains document filter.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemStore opens (or creates) a persistent chromem database.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, errors.New("chromem path is required")
	}

	expandedPath, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", cfg.Compress),
	)
	return &ChromemStore{db: db, logger: logger}, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// hashEmbedding produces a deterministic unit vector from text.
func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, chromemVectorSize)
	h := fnv.New64a()
	for i, r := range text {
		h.Reset()
		fmt.Fprintf(h, "%d:%c", i, r)
		vec[h.Sum64()%chromemVectorSize] += 1.0
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1.0
		return vec, nil
	}
	scale := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (s *ChromemStore) collection() (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(chromemCollection, nil, hashEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", chromemCollection, err)
	}
	return col, nil
}

// Add persists a new record and returns its id.
func (s *ChromemStore) Add(ctx context.Context, content, category string, tags []string, importance float64) (string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()

	if content == "" {
		return "", ErrEmptyContent
	}

	col, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	id := uuid.New().String()
	doc := chromem.Document{
		ID:      id,
		Content: content,
		Metadata: map[string]string{
			"category":   category,
			"tags":       strings.Join(tags, ","),
			"importance": strconv.FormatFloat(importance, 'f', -1, 64),
			"created_at": time.Now().Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("adding record: %w", err)
	}

	span.SetAttributes(attribute.String("record_id", id))
	s.logger.Debug("added record",
		zap.String("id", id),
		zap.String("category", category),
	)
	return id, nil
}

// Search returns records whose content contains query, newest first.
func (s *ChromemStore) Search(ctx context.Context, query, category string, limit int) ([]Record, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	col, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// chromem requires nResults <= doc count and a non-empty query text.
	count := col.Count()
	if count == 0 {
		return []Record{}, nil
	}

	var where map[string]string
	if category != "" {
		where = map[string]string{"category": category}
	}
	var whereDocument map[string]string
	if query != "" {
		whereDocument = map[string]string{"$contains": query}
	}
	embedText := query
	if embedText == "" {
		embedText = "phaserun"
	}

	results, err := col.Query(ctx, embedText, count, where, whereDocument)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying records: %w", err)
	}

	records := make([]Record, 0, len(results))
	for _, r := range results {
		records = append(records, recordFromDocument(r.ID, r.Content, r.Metadata))
	}
	sortRecordsNewestFirst(records)
	if len(records) > limit {
		records = records[:limit]
	}

	span.SetAttributes(attribute.Int("result_count", len(records)))
	return records, nil
}

// Get retrieves a record by id.
func (s *ChromemStore) Get(ctx context.Context, id string) (*Record, error) {
	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, ErrRecordNotFound
	}
	rec := recordFromDocument(doc.ID, doc.Content, doc.Metadata)
	return &rec, nil
}

// Update replaces a record's content. The document is re-added under the
// same id, which chromem treats as an overwrite.
func (s *ChromemStore) Update(ctx context.Context, id, content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	col, err := s.collection()
	if err != nil {
		return err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return ErrRecordNotFound
	}

	doc.Content = content
	doc.Embedding = nil // recomputed from the new content
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("updating record: %w", err)
	}
	return nil
}

// Delete removes a record.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	col, err := s.collection()
	if err != nil {
		return err
	}
	if _, err := col.GetByID(ctx, id); err != nil {
		return ErrRecordNotFound
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// Close is a no-op; chromem persists synchronously.
func (s *ChromemStore) Close() error {
	return nil
}

func recordFromDocument(id, content string, metadata map[string]string) Record {
	rec := Record{
		ID:       id,
		Content:  content,
		Category: metadata["category"],
	}
	if tags := metadata["tags"]; tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	if imp, err := strconv.ParseFloat(metadata["importance"], 64); err == nil {
		rec.Importance = imp
	}
	if ts, err := time.Parse(time.RFC3339Nano, metadata["created_at"]); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}

func sortRecordsNewestFirst(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
