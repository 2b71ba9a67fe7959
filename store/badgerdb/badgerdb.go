// Package badgerdb implements the wallet database on badger. Keys are laid
// out as
//
//	r/<collection>/<key>                 record value
//	m/<collection>/<key>                 JSON map of the record's index keys
//	i/<collection>/<index>/<ik>\x00<key> record key
package badgerdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

const maxConflictRetries = 3

type DB struct {
	db    *badger.DB
	locks map[core.Collection]*sync.Mutex
}

// Open opens the database in dir, or an in-memory one when dir is empty.
func Open(dir string, logger *slog.Logger) (*DB, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{logger: logger.With("component", "badger")}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	locks := make(map[core.Collection]*sync.Mutex, len(core.Collections))
	for _, c := range core.Collections {
		locks[c] = &sync.Mutex{}
	}

	return &DB{db: db, locks: locks}, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) View(ctx context.Context, collections []core.Collection, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.View(func(tx *badger.Txn) error {
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

	names := slices.Clone(collections)
	slices.Sort(names)
	names = slices.Compact(names)

	for _, name := range names {
		mu, ok := s.locks[name]
		if !ok {
			return fmt.Errorf("badgerdb: unknown collection %q", name)
		}

		mu.Lock()
		defer mu.Unlock()
	}

	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(func(tx *badger.Txn) error {
			return fn(&txn{tx: tx, scope: store.NewScope(names), writable: true})
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}

	if errors.Is(err, store.ErrTxAbort) {
		return nil
	}

	return err
}

func recordKey(coll core.Collection, key string) []byte {
	return []byte("r/" + string(coll) + "/" + key)
}

func metaKey(coll core.Collection, key string) []byte {
	return []byte("m/" + string(coll) + "/" + key)
}

func indexPrefix(coll core.Collection, name string) string {
	return "i/" + string(coll) + "/" + name + "/"
}

type txn struct {
	tx       *badger.Txn
	scope    store.Scope
	writable bool
}

func (t *txn) check(coll core.Collection, write bool) error {
	if write && !t.writable {
		return store.ErrReadOnly
	}

	return t.scope.Check(coll)
}

func (t *txn) read(key []byte) ([]byte, error) {
	item, err := t.tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}

		return nil, err
	}

	return item.ValueCopy(nil)
}

func (t *txn) Get(coll core.Collection, key string) ([]byte, error) {
	if err := t.check(coll, false); err != nil {
		return nil, err
	}

	return t.read(recordKey(coll, key))
}

func (t *txn) Put(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	return t.put(coll, key, value, indexes, false)
}

func (t *txn) Add(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	return t.put(coll, key, value, indexes, true)
}

func (t *txn) put(coll core.Collection, key string, value []byte, indexes map[string]string, exclusive bool) error {
	if err := t.check(coll, true); err != nil {
		return err
	}

	_, err := t.read(recordKey(coll, key))
	switch {
	case err == nil && exclusive:
		return store.ErrKeyExists
	case err == nil:
		if err := t.unindex(coll, key); err != nil {
			return err
		}
	case !store.IsErrNotFound(err):
		return err
	}

	if err := t.tx.Set(recordKey(coll, key), bytes.Clone(value)); err != nil {
		return err
	}

	if len(indexes) == 0 {
		return nil
	}

	for name, ik := range indexes {
		if err := t.tx.Set([]byte(indexPrefix(coll, name)+ik+"\x00"+key), []byte(key)); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(indexes)
	if err != nil {
		return err
	}

	return t.tx.Set(metaKey(coll, key), raw)
}

func (t *txn) unindex(coll core.Collection, key string) error {
	raw, err := t.read(metaKey(coll, key))
	if store.IsErrNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}

	var indexes map[string]string
	if err := json.Unmarshal(raw, &indexes); err != nil {
		return err
	}

	for name, ik := range indexes {
		if err := t.tx.Delete([]byte(indexPrefix(coll, name) + ik + "\x00" + key)); err != nil {
			return err
		}
	}

	return t.tx.Delete(metaKey(coll, key))
}

func (t *txn) Delete(coll core.Collection, key string) error {
	if err := t.check(coll, true); err != nil {
		return err
	}

	if err := t.unindex(coll, key); err != nil {
		return err
	}

	return t.tx.Delete(recordKey(coll, key))
}

type kv struct {
	key   string
	value []byte
}

func (t *txn) Iterate(coll core.Collection, opts core.IterOptions, fn func(key string, value []byte) error) error {
	if err := t.check(coll, false); err != nil {
		return err
	}

	var rows []kv
	if opts.Index == "" {
		prefix := "r/" + string(coll) + "/"
		err := t.scan(prefix, opts.Range, false, opts.Reverse, func(k string, v []byte) error {
			rows = append(rows, kv{key: k, value: v})
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		var keys []string
		err := t.scan(indexPrefix(coll, opts.Index), opts.Range, true, opts.Reverse, func(_ string, v []byte) error {
			keys = append(keys, string(v))
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range keys {
			v, err := t.read(recordKey(coll, key))
			if err != nil {
				return fmt.Errorf("badgerdb: dangling index entry for %q: %w", key, err)
			}

			rows = append(rows, kv{key: key, value: v})
		}
	}

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

// scan walks the keys under prefix within r. For index scans r bounds the
// index key part of "<ik>\x00<key>".
func (t *txn) scan(prefix string, r *core.KeyRange, index, reverse bool, fn func(k string, v []byte) error) error {
	var lo, hi string
	var hasLo, hasHi, loOpen, hiOpen bool
	if r != nil {
		lo, hasLo, loOpen = r.Lower, r.HasLower, r.LowerOpen
		hi, hasHi, hiOpen = r.Upper, r.HasUpper, r.UpperOpen
	}

	if index {
		if hasLo {
			lo += "\x00"
			if loOpen {
				lo = lo[:len(lo)-1] + "\x01"
			}
			loOpen = false
		}

		if hasHi {
			if hiOpen {
				hi += "\x00"
			} else {
				hi += "\x01"
			}
			hiOpen = true
		}
	}

	inRange := func(k string) (below, above bool) {
		if hasLo && (k < lo || (loOpen && k == lo)) {
			return true, false
		}

		if hasHi && (k > hi || (hiOpen && k == hi)) {
			return false, true
		}

		return false, false
	}

	it := t.tx.NewIterator(badger.IteratorOptions{
		PrefetchValues: true,
		PrefetchSize:   100,
		Reverse:        reverse,
		Prefix:         []byte(prefix),
	})
	defer it.Close()

	start := prefix
	switch {
	case !reverse && hasLo:
		start += lo
	case reverse && hasHi:
		start += hi
	case reverse:
		start += "\xff"
	}

	for it.Seek([]byte(start)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		k := string(item.Key()[len(prefix):])

		below, above := inRange(k)
		if (!reverse && above) || (reverse && below) {
			break
		}

		if below || above {
			continue
		}

		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		if err := fn(k, v); err != nil {
			return err
		}
	}

	return nil
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
