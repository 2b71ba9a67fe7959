// Package boltdb keeps the wallet database in a single bolt file. Every
// collection is a bucket; index entries live in "<collection>/<index>"
// buckets and the index keys of each record in "<collection>/@indexes".
package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

type DB struct {
	db *bolt.DB
}

func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, c := range core.Collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return err
			}

			if _, err := tx.CreateBucketIfNotExists(metaBucket(c)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) View(ctx context.Context, collections []core.Collection, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx, scope: store.NewScope(collections)})
	})
	if errors.Is(err, store.ErrTxAbort) {
		return nil
	}

	return err
}

func (s *DB) Update(ctx context.Context, collections []core.Collection, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx, scope: store.NewScope(collections), writable: true})
	})
	if errors.Is(err, store.ErrTxAbort) {
		return nil
	}

	return err
}

func metaBucket(coll core.Collection) []byte {
	return []byte(string(coll) + "/@indexes")
}

func indexBucket(coll core.Collection, name string) []byte {
	return []byte(string(coll) + "/" + name)
}

func indexKey(ik, key string) []byte {
	return []byte(ik + "\x00" + key)
}

type txn struct {
	tx       *bolt.Tx
	scope    store.Scope
	writable bool
}

func (t *txn) bucket(coll core.Collection, write bool) (*bolt.Bucket, error) {
	if write && !t.writable {
		return nil, store.ErrReadOnly
	}

	if err := t.scope.Check(coll); err != nil {
		return nil, err
	}

	b := t.tx.Bucket([]byte(coll))
	if b == nil {
		return nil, fmt.Errorf("boltdb: unknown collection %q", coll)
	}

	return b, nil
}

func (t *txn) Get(coll core.Collection, key string) ([]byte, error) {
	b, err := t.bucket(coll, false)
	if err != nil {
		return nil, err
	}

	v := b.Get([]byte(key))
	if v == nil {
		return nil, store.ErrNotFound
	}

	return bytes.Clone(v), nil
}

func (t *txn) Put(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	return t.put(coll, key, value, indexes, false)
}

func (t *txn) Add(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	return t.put(coll, key, value, indexes, true)
}

func (t *txn) put(coll core.Collection, key string, value []byte, indexes map[string]string, exclusive bool) error {
	b, err := t.bucket(coll, true)
	if err != nil {
		return err
	}

	if b.Get([]byte(key)) != nil {
		if exclusive {
			return store.ErrKeyExists
		}

		if err := t.unindex(coll, key); err != nil {
			return err
		}
	}

	if err := b.Put([]byte(key), value); err != nil {
		return err
	}

	if len(indexes) == 0 {
		return nil
	}

	for name, ik := range indexes {
		ib, err := t.tx.CreateBucketIfNotExists(indexBucket(coll, name))
		if err != nil {
			return err
		}

		if err := ib.Put(indexKey(ik, key), []byte(key)); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(indexes)
	if err != nil {
		return err
	}

	return t.tx.Bucket(metaBucket(coll)).Put([]byte(key), raw)
}

func (t *txn) unindex(coll core.Collection, key string) error {
	meta := t.tx.Bucket(metaBucket(coll))
	raw := meta.Get([]byte(key))
	if raw == nil {
		return nil
	}

	var indexes map[string]string
	if err := json.Unmarshal(raw, &indexes); err != nil {
		return err
	}

	for name, ik := range indexes {
		if ib := t.tx.Bucket(indexBucket(coll, name)); ib != nil {
			if err := ib.Delete(indexKey(ik, key)); err != nil {
				return err
			}
		}
	}

	return meta.Delete([]byte(key))
}

func (t *txn) Delete(coll core.Collection, key string) error {
	b, err := t.bucket(coll, true)
	if err != nil {
		return err
	}

	if err := t.unindex(coll, key); err != nil {
		return err
	}

	return b.Delete([]byte(key))
}

type kv struct {
	key   string
	value []byte
}

func (t *txn) Iterate(coll core.Collection, opts core.IterOptions, fn func(key string, value []byte) error) error {
	b, err := t.bucket(coll, false)
	if err != nil {
		return err
	}

	var rows []kv
	if opts.Index == "" {
		scan(b.Cursor(), primaryBounds(opts.Range), opts.Reverse, func(k, v []byte) {
			rows = append(rows, kv{key: string(k), value: bytes.Clone(v)})
		})
	} else if ib := t.tx.Bucket(indexBucket(coll, opts.Index)); ib != nil {
		scan(ib.Cursor(), indexBounds(opts.Range), opts.Reverse, func(_, v []byte) {
			if value := b.Get(v); value != nil {
				rows = append(rows, kv{key: string(v), value: bytes.Clone(value)})
			}
		})
	}

	// callbacks run after the cursor is done, so they may write
	for _, r := range rows {
		if err := fn(r.key, r.value); err != nil {
			if errors.Is(err, store.ErrStopIteration) {
				return nil
			}

			return err
		}
	}

	return nil
}
