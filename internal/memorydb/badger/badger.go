// Package badger implements memorydb.MemoryDB on an embedded badger database.
// Search is a full scan of the index with cosine similarity.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/feichai0017/memory-pipeline/internal/memorydb"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

const (
	indexPrefix  = "i/"
	recordPrefix = "r/"
)

func indexKey(index string) []byte { return []byte(indexPrefix + index) }

func recordsPrefix(index string) []byte { return []byte(recordPrefix + index + "/") }

func recordKey(index, id string) []byte { return []byte(recordPrefix + index + "/" + id) }

type indexInfo struct {
	VectorSize int `json:"vector_size"`
}

// badgerLogger routes badger's own logging into ours.
type badgerLogger struct {
	log logger.Logger
}

func (l badgerLogger) Errorf(f string, a ...interface{})   { l.log.Error(strings.TrimSpace(fmt.Sprintf(f, a...))) }
func (l badgerLogger) Warningf(f string, a ...interface{}) { l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, a...))) }
func (l badgerLogger) Infof(f string, a ...interface{})    { l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, a...))) }
func (l badgerLogger) Debugf(f string, a ...interface{})   { l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, a...))) }

type DB struct {
	db     *badger.DB
	logger logger.Logger
}

var _ memorydb.MemoryDB = (*DB)(nil)

// Open opens the database in dir, or an in-memory one when inMemory is set.
func Open(dir string, inMemory bool, log logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("memorydb")

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create memory db directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = badgerLogger{log: log}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}
	log.Info("Memory DB opened", logger.String("path", dir), logger.Bool("inMemory", inMemory))
	return &DB{db: db, logger: log}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return createIndex(txn, index, vectorSize)
	})
}

func createIndex(txn *badger.Txn, index string, vectorSize int) error {
	if _, err := txn.Get(indexKey(index)); err == nil {
		return nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	data, err := json.Marshal(indexInfo{VectorSize: vectorSize})
	if err != nil {
		return err
	}
	return txn.Set(indexKey(index), data)
}

func (d *DB) ListIndexes(ctx context.Context) ([]string, error) {
	var out []string
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(indexPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), indexPrefix))
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (d *DB) DeleteIndex(ctx context.Context, index string) error {
	if err := d.db.DropPrefix(recordsPrefix(index)); err != nil {
		return fmt.Errorf("failed to delete records of %s: %w", index, err)
	}
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(indexKey(index))
	}); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", index, err)
	}
	d.logger.Info("Index deleted", logger.String("index", index))
	return nil
}

func (d *DB) Upsert(ctx context.Context, index string, rec *models.MemoryRecord) (string, error) {
	if rec.ID == "" {
		return "", memorydb.ErrRecordIDRequired
	}
	if len(rec.Vector) == 0 {
		return "", memorydb.ErrEmptyVector
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to serialize record %s: %w", rec.ID, err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		if err := createIndex(txn, index, len(rec.Vector)); err != nil {
			return err
		}
		return txn.Set(recordKey(index, rec.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// scan calls fn for every record of index matching filters until fn returns false.
func (d *DB) scan(ctx context.Context, index string, filters []models.TagCollection, fn func(*models.MemoryRecord) bool) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordsPrefix(index)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), opts.Prefix) {
				continue
			}
			var rec models.MemoryRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				d.logger.Warn("Skipping unreadable record", logger.String("key", string(item.Key())), logger.Error(err))
				continue
			}
			if !memorydb.MatchesAny(rec.Tags, filters) {
				continue
			}
			if !fn(&rec) {
				return nil
			}
		}
		return nil
	})
}

func (d *DB) GetSimilarList(ctx context.Context, index string, vector []float32, minRelevance float64, limit int, filters ...models.TagCollection) ([]models.ScoredRecord, error) {
	var out []models.ScoredRecord
	err := d.scan(ctx, index, filters, func(rec *models.MemoryRecord) bool {
		score := memorydb.CosineSimilarity(vector, rec.Vector)
		if score >= minRelevance {
			out = append(out, models.ScoredRecord{Record: rec, Relevance: score})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", index, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DB) GetList(ctx context.Context, index string, limit int, filters ...models.TagCollection) ([]*models.MemoryRecord, error) {
	var out []*models.MemoryRecord
	err := d.scan(ctx, index, filters, func(rec *models.MemoryRecord) bool {
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", index, err)
	}
	return out, nil
}

func (d *DB) Delete(ctx context.Context, index, id string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(index, id))
	})
}
