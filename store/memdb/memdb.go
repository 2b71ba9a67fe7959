package memdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

const minCompactNodes = 4096

type collection struct {
	// mu is held by the write transaction using the collection.
	mu sync.Mutex

	arena     arena
	root      int32
	indexes   map[string]int32
	compactAt int
}

// DB is an in-memory core.Database. Readers work on a snapshot of the
// committed trees; writers lock the collections they use for the whole
// transaction, in name order.
type DB struct {
	// mu guards the committed roots and arenas of every collection.
	mu    sync.RWMutex
	colls map[core.Collection]*collection
}

func New() *DB {
	db := &DB{colls: make(map[core.Collection]*collection, len(core.Collections))}
	for _, c := range core.Collections {
		db.colls[c] = &collection{
			arena:     newArena(),
			indexes:   map[string]int32{},
			compactAt: minCompactNodes,
		}
	}

	return db
}

func (db *DB) Close() error {
	return nil
}

func (db *DB) View(ctx context.Context, collections []core.Collection, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := db.begin(collections, false)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil && !errors.Is(err, store.ErrTxAbort) {
		return err
	}

	return nil
}

func (db *DB) Update(ctx context.Context, collections []core.Collection, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	names := slices.Clone(collections)
	slices.Sort(names)
	names = slices.Compact(names)

	for _, name := range names {
		c, ok := db.colls[name]
		if !ok {
			return fmt.Errorf("memdb: unknown collection %q", name)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
	}

	tx, err := db.begin(names, true)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if errors.Is(err, store.ErrTxAbort) {
			return nil
		}

		return err
	}

	db.commit(tx)
	return nil
}

func (db *DB) begin(collections []core.Collection, writable bool) (*txn, error) {
	tx := &txn{
		scope:    store.NewScope(collections),
		writable: writable,
		states:   make(map[core.Collection]*txState, len(collections)),
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, name := range collections {
		c, ok := db.colls[name]
		if !ok {
			return nil, fmt.Errorf("memdb: unknown collection %q", name)
		}

		st := &txState{
			arena:   c.arena,
			root:    c.root,
			indexes: c.indexes,
		}

		if writable {
			st.indexes = maps.Clone(c.indexes)
		}

		tx.states[name] = st
	}

	return tx, nil
}

func (db *DB) commit(tx *txn) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name, st := range tx.states {
		if !st.dirty {
			continue
		}

		c := db.colls[name]
		if len(st.arena.nodes) >= c.compactAt {
			st.compact()
			c.compactAt = max(minCompactNodes, 4*len(st.arena.nodes))
		}

		c.arena = st.arena
		c.root = st.root
		c.indexes = st.indexes
	}
}

type txState struct {
	arena   arena
	root    int32
	indexes map[string]int32
	dirty   bool
}

// compact moves the live nodes into a fresh arena.
func (st *txState) compact() {
	fresh := newArena()
	st.root = st.arena.copyTree(&fresh, st.root)
	for name, root := range st.indexes {
		st.indexes[name] = st.arena.copyTree(&fresh, root)
	}

	st.arena = fresh
}

type txn struct {
	scope    store.Scope
	writable bool
	states   map[core.Collection]*txState
}

func (t *txn) state(coll core.Collection) (*txState, error) {
	if err := t.scope.Check(coll); err != nil {
		return nil, err
	}

	return t.states[coll], nil
}

func (t *txn) writeState(coll core.Collection) (*txState, error) {
	if !t.writable {
		return nil, store.ErrReadOnly
	}

	return t.state(coll)
}

func (t *txn) Get(coll core.Collection, key string) ([]byte, error) {
	st, err := t.state(coll)
	if err != nil {
		return nil, err
	}

	e, ok := st.arena.find(st.root, key)
	if !ok {
		return nil, store.ErrNotFound
	}

	return bytes.Clone(e.value), nil
}

func (t *txn) Put(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	return t.put(coll, key, value, indexes, false)
}

func (t *txn) Add(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	return t.put(coll, key, value, indexes, true)
}

func (t *txn) put(coll core.Collection, key string, value []byte, indexes map[string]string, exclusive bool) error {
	st, err := t.writeState(coll)
	if err != nil {
		return err
	}

	if old, ok := st.arena.find(st.root, key); ok {
		if exclusive {
			return store.ErrKeyExists
		}

		st.unindex(key, old)
	}

	e := &entry{value: bytes.Clone(value), indexes: maps.Clone(indexes)}
	st.root = st.arena.insert(st.root, key, e)
	for name, ik := range indexes {
		st.indexes[name] = st.arena.insert(st.indexes[name], indexKey(ik, key), &entry{primary: key})
	}

	st.dirty = true
	return nil
}

func (t *txn) Delete(coll core.Collection, key string) error {
	st, err := t.writeState(coll)
	if err != nil {
		return err
	}

	old, ok := st.arena.find(st.root, key)
	if !ok {
		return nil
	}

	st.unindex(key, old)
	st.root = st.arena.delete(st.root, key)
	st.dirty = true
	return nil
}

func (st *txState) unindex(key string, e *entry) {
	for name, ik := range e.indexes {
		st.indexes[name] = st.arena.delete(st.indexes[name], indexKey(ik, key))
	}
}

func (t *txn) Iterate(coll core.Collection, opts core.IterOptions, fn func(key string, value []byte) error) error {
	st, err := t.state(coll)
	if err != nil {
		return err
	}

	// Iterate the trees as they were when the loop started.
	a := st.arena
	root := st.root

	if opts.Index == "" {
		err = a.walk(root, primaryBounds(opts.Range), opts.Reverse, func(n *node) error {
			return fn(n.key, bytes.Clone(n.val.value))
		})
	} else {
		idxRoot := st.indexes[opts.Index]
		err = a.walk(idxRoot, indexBounds(opts.Range), opts.Reverse, func(n *node) error {
			e, ok := a.find(root, n.val.primary)
			if !ok {
				return fmt.Errorf("memdb: dangling index entry %q", n.key)
			}

			return fn(n.val.primary, bytes.Clone(e.value))
		})
	}

	if errors.Is(err, store.ErrStopIteration) {
		return nil
	}

	return err
}

// indexKey orders index entries by index key, then record key.
func indexKey(ik, key string) string {
	return ik + "\x00" + key
}

func primaryBounds(r *core.KeyRange) bounds {
	if r == nil {
		return bounds{}
	}

	return bounds{
		lo:     r.Lower,
		hi:     r.Upper,
		hasLo:  r.HasLower,
		hasHi:  r.HasUpper,
		loOpen: r.LowerOpen,
		hiOpen: r.UpperOpen,
	}
}

func indexBounds(r *core.KeyRange) bounds {
	if r == nil {
		return bounds{}
	}

	b := bounds{hasLo: r.HasLower, hasHi: r.HasUpper, hiOpen: true}
	if r.LowerOpen {
		b.lo = r.Lower + "\x01"
	} else {
		b.lo = r.Lower + "\x00"
	}

	if r.UpperOpen {
		b.hi = r.Upper + "\x00"
	} else {
		b.hi = r.Upper + "\x01"
	}

	return b
}
