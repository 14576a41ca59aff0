package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// recordKeyPrefix namespaces record keys inside the Badger keyspace.
const recordKeyPrefix = "record/"

// BadgerConfig holds configuration for the Badger-backed store.
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is set.
	Path string `koanf:"path"`

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `koanf:"sync_writes"`
}

// BadgerStore implements Store on an embedded BadgerDB key/value database.
//
// Records are stored as JSON under "record/<id>". Substring search is a
// prefix scan; the engine's document volume (contexts, checkpoints, rollback
// points for one task) keeps this cheap.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) a Badger database at cfg.Path.
func NewBadgerStore(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", cfg.Path, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Add persists a new record and returns its id.
func (s *BadgerStore) Add(_ context.Context, content, category string, tags []string, importance float64) (string, error) {
	if content == "" {
		return "", ErrEmptyContent
	}

	rec := Record{
		ID:         uuid.New().String(),
		Content:    content,
		Category:   category,
		Tags:       append([]string(nil), tags...),
		Importance: importance,
		CreatedAt:  time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("writing record: %w", err)
	}

	s.logger.Debug("added record",
		zap.String("id", rec.ID),
		zap.String("category", category),
	)
	return rec.ID, nil
}

// Search returns records whose content contains query, newest first.
func (s *BadgerStore) Search(_ context.Context, query, category string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var matches []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					// Corrupt entries are skipped, not fatal.
					s.logger.Warn("skipping unreadable record", zap.Error(err))
					return nil
				}
				if category != "" && rec.Category != category {
					return nil
				}
				if query != "" && !strings.Contains(rec.Content, query) {
					return nil
				}
				matches = append(matches, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning records: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Get retrieves a record by id.
func (s *BadgerStore) Get(_ context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	return &rec, nil
}

// Update replaces a record's content.
func (s *BadgerStore) Update(ctx context.Context, id, content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Content = content
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// Delete removes a record.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func recordKey(id string) []byte {
	return []byte(recordKeyPrefix + id)
}
