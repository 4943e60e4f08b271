package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
)

// maxTxnAttempts bounds retries of a read-modify-write that lost a commit race.
const maxTxnAttempts = 64

// Entity provides generic keyed records with unique secondary indexes.
type Entity[T any] struct {
	db      *badgerdb.DB
	prefix  string
	indexes []Index[T]
}

// Index defines a unique secondary index on an entity.
type Index[T any] struct {
	name            string
	keyGen          func(*T) []string
	lookupTransform func(string) string
}

// NewEntity creates a new Entity instance for type T.
func NewEntity[T any](db *badgerdb.DB, prefix string) *Entity[T] {
	return &Entity[T]{
		db:      db,
		prefix:  prefix,
		indexes: make([]Index[T], 0),
	}
}

// WithIndex adds a secondary index to the entity.
func (e *Entity[T]) WithIndex(name string, keyGen func(*T) []string) *Entity[T] {
	e.indexes = append(e.indexes, Index[T]{
		name:   name,
		keyGen: keyGen,
	})
	return e
}

// WithIndexTransform adds a secondary index whose lookups are transformed first.
func (e *Entity[T]) WithIndexTransform(name string, keyGen func(*T) []string, lookupTransform func(string) string) *Entity[T] {
	e.indexes = append(e.indexes, Index[T]{
		name:            name,
		keyGen:          keyGen,
		lookupTransform: lookupTransform,
	})
	return e
}

func (e *Entity[T]) indexKey(name, value string) []byte {
	return []byte(e.prefix + "idx:" + name + ":" + value)
}

// MutateFunc receives the current record (nil when absent) and returns the
// record to write. Returning nil with no error leaves the store untouched.
type MutateFunc[T any] func(current *T) (*T, error)

// Mutate runs a read-modify-write of one record in a single transaction,
// maintaining indexes and retrying when a concurrent commit conflicts.
// It returns the written record, or the current one when fn wrote nothing.
func (e *Entity[T]) Mutate(ctx context.Context, id string, fn MutateFunc[T]) (*T, error) {
	var result *T
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := e.db.Update(func(txn *badgerdb.Txn) error {
			current, err := e.read(txn, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				result = current
				return nil
			}

			if err := e.write(txn, id, current, next); err != nil {
				return err
			}
			result = next
			return nil
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("mutate %s%s: %w", e.prefix, id, badgerdb.ErrConflict)
}

// Create inserts a new record. Returns ErrAlreadyExists on a duplicate id or index.
func (e *Entity[T]) Create(ctx context.Context, id string, entity *T) error {
	_, err := e.Mutate(ctx, id, func(current *T) (*T, error) {
		if current != nil {
			return nil, store.ErrAlreadyExists
		}
		return entity, nil
	})
	return err
}

// Update replaces an existing record using fn. Returns ErrNotFound when absent.
func (e *Entity[T]) Update(ctx context.Context, id string, fn func(current *T) error) (*T, error) {
	return e.Mutate(ctx, id, func(current *T) (*T, error) {
		if current == nil {
			return nil, store.ErrNotFound
		}
		next := *current
		if err := fn(&next); err != nil {
			return nil, err
		}
		return &next, nil
	})
}

// Get retrieves an entity by ID.
// Returns ErrNotFound if the entity does not exist.
func (e *Entity[T]) Get(ctx context.Context, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entity *T
	err := e.db.View(func(txn *badgerdb.Txn) error {
		var err error
		entity, err = e.read(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// LookupID resolves a secondary index value to a record id.
func (e *Entity[T]) LookupID(ctx context.Context, indexName, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	for _, idx := range e.indexes {
		if idx.name == indexName && idx.lookupTransform != nil {
			value = idx.lookupTransform(value)
			break
		}
	}

	var id string
	err := e.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(e.indexKey(indexName, value))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	return id, err
}

// GetByIndex retrieves an entity by secondary index.
func (e *Entity[T]) GetByIndex(ctx context.Context, indexName, value string) (*T, error) {
	id, err := e.LookupID(ctx, indexName, value)
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// List returns an iterator over all entities.
func (e *Entity[T]) List(ctx context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		_ = e.db.View(func(txn *badgerdb.Txn) error {
			opts := badgerdb.DefaultIteratorOptions
			opts.Prefix = []byte(e.prefix)
			opts.PrefetchValues = true

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek([]byte(e.prefix)); it.ValidForPrefix([]byte(e.prefix)); it.Next() {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return ctx.Err()
				}

				// Skip index keys
				key := string(it.Item().Key())
				if strings.HasPrefix(key[len(e.prefix):], "idx:") {
					continue
				}

				var entity T
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &entity)
				})
				if err != nil {
					yield(nil, err)
					return err
				}

				if !yield(&entity, nil) {
					return nil
				}
			}
			return nil
		})
	}
}

func (e *Entity[T]) read(txn *badgerdb.Txn, id string) (*T, error) {
	item, err := txn.Get([]byte(e.prefix + id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	var entity T
	err = item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, &entity); err != nil {
			return fmt.Errorf("failed to unmarshal entity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// write stores next, moving index keys from old (nil for a new record).
func (e *Entity[T]) write(txn *badgerdb.Txn, id string, old, next *T) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}

	for _, idx := range e.indexes {
		oldKeys := make(map[string]bool)
		if old != nil {
			for _, k := range idx.keyGen(old) {
				oldKeys[k] = true
			}
		}
		newKeys := idx.keyGen(next)
		keep := make(map[string]bool, len(newKeys))

		for _, k := range newKeys {
			keep[k] = true
			if oldKeys[k] {
				continue
			}
			_, err := txn.Get(e.indexKey(idx.name, k))
			if err == nil {
				return fmt.Errorf("index %s conflict on key %s: %w", idx.name, k, store.ErrAlreadyExists)
			}
			if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return fmt.Errorf("failed to check index key: %w", err)
			}
			if err := txn.Set(e.indexKey(idx.name, k), []byte(id)); err != nil {
				return fmt.Errorf("failed to set index key: %w", err)
			}
		}

		for k := range oldKeys {
			if keep[k] {
				continue
			}
			if err := txn.Delete(e.indexKey(idx.name, k)); err != nil {
				return fmt.Errorf("failed to delete old index key: %w", err)
			}
		}
	}

	if err := txn.Set([]byte(e.prefix+id), data); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}
