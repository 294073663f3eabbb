// Package partition implements the durable cache partition store: named,
// isolated key→response regions backed by bbolt, one bucket per partition.
// Partitions are destroyed wholesale (bucket deletion); that is the engine's
// only eviction mechanism.
package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
)

// Logical partition names. Durable bucket names are version-qualified via
// Qualify so that a deployment's partitions are disjoint from its successor's.
const (
	AppShell = "app-shell"
	Static   = "static"
	API      = "api"
)

// metaBucket holds engine bookkeeping (installed/active version markers).
// It is invisible to List and never garbage collected.
const metaBucket = "__engine_meta__"

var (
	ErrNotFound = errors.New("partition: entry not found")
	ErrTooLarge = errors.New("partition: value exceeds size limit")
)

// Qualify returns the durable partition name for a logical partition under
// the given version identifier, e.g. Qualify(Static, "v1.0.3") = "static-v1.0.3".
func Qualify(logical, version string) string {
	return logical + "-" + version
}

// Set returns the full version-qualified partition set for a version.
func Set(version string) []string {
	return []string{
		Qualify(AppShell, version),
		Qualify(Static, version),
		Qualify(API, version),
	}
}

// Store is the durable partition store. Safe for concurrent use: bbolt
// serializes writers and allows concurrent readers, and entries are only ever
// replaced wholesale, so last-write-wins is the worst concurrent outcome.
type Store struct {
	db       *bolt.DB
	maxValue int64
}

// Open opens or creates the store at path. maxValueBytes caps the encoded
// size of a single entry; 0 means unlimited. Oversized writes fail with
// ErrTooLarge, which callers treat as a cache miss, not a request failure.
func Open(path string, maxValueBytes int64) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open partition store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init partition store: %w", err)
	}
	return &Store{db: db, maxValue: maxValueBytes}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the store is readable; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(metaBucket)) == nil {
			return errors.New("partition: meta bucket missing")
		}
		return nil
	})
}

// Ensure creates the named partitions if they do not exist.
func (s *Store) Ensure(names ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create partition %s: %w", name, err)
			}
		}
		return nil
	})
}

// Get returns the entry stored under key in the named partition.
// A missing partition and a missing key both yield ErrNotFound.
func (s *Store) Get(partition, key string) (*models.CachedResponse, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read %s[%s]: %w", partition, key, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	resp := new(models.CachedResponse)
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("decode %s[%s]: %w", partition, key, err)
	}
	return resp, nil
}

// Put stores the entry under key in the named partition, replacing any
// previous value wholesale. The partition is created if needed. Set-Cookie
// headers never rest in the store; they are dropped from the written copy
// while the caller's value stays untouched.
func (s *Store) Put(partition, key string, resp *models.CachedResponse) error {
	if resp.Header.Get("Set-Cookie") != "" {
		resp = resp.Clone()
		resp.Header.Del("Set-Cookie")
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s[%s]: %w", partition, key, err)
	}
	if s.maxValue > 0 && int64(len(raw)) > s.maxValue {
		return fmt.Errorf("store %s[%s] (%d bytes): %w", partition, key, len(raw), ErrTooLarge)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	}); err != nil {
		return fmt.Errorf("store %s[%s]: %w", partition, key, err)
	}
	return nil
}

// GetAny looks key up across the given partitions in order and returns the
// first match along with the partition that held it.
func (s *Store) GetAny(key string, partitions ...string) (*models.CachedResponse, string, error) {
	for _, p := range partitions {
		resp, err := s.Get(p, key)
		if err == nil {
			return resp, p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", ErrNotFound
}

// Destroy removes the named partition and everything in it. Destroying a
// partition that does not exist is not an error.
func (s *Store) Destroy(partition string) error {
	if partition == metaBucket {
		return fmt.Errorf("partition: refusing to destroy meta bucket")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(partition))
	})
	if errors.Is(err, bolt.ErrBucketNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("destroy partition %s: %w", partition, err)
	}
	return nil
}

// List returns the names of all durable partitions, meta excluded.
func (s *Store) List() ([]string, error) {
	var names []string
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if string(name) != metaBucket {
				names = append(names, string(name))
			}
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return names, nil
}

// Keys returns every key in the named partition; empty for a missing one.
func (s *Store) Keys(partition string) ([]string, error) {
	var keys []string
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", partition, err)
	}
	return keys, nil
}

// GetMeta reads an engine bookkeeping value; "" when unset.
func (s *Store) GetMeta(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(metaBucket)).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// PutMeta writes an engine bookkeeping value.
func (s *Store) PutMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(key), []byte(value))
	})
}
