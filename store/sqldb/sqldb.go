package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/pandodao/ecash-wallet/store/db"
	"github.com/tsenart/nap"
)

// DB stores every collection in two tables, records and record_indexes.
type DB struct {
	db      *nap.DB
	builder sq.StatementBuilderType

	// locks serializes write transactions per collection.
	locks map[core.Collection]*sync.Mutex
}

// Open connects to dsn and runs the schema migrations. A dsn may list
// replicas after the master, separated by semicolons.
func Open(engine, dsn string) (*DB, error) {
	conn, err := nap.Open(engine, dsn)
	if err != nil {
		return nil, err
	}

	if engine == db.EngineSQLite {
		// one writer at a time; busy waits are left to the driver
		conn.SetMaxOpenConns(1)
	}

	if err := db.Migrate(conn.Master(), engine); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return New(conn, engine), nil
}

func New(conn *nap.DB, engine string) *DB {
	builder := sq.StatementBuilder
	if engine == db.EnginePostgres {
		builder = builder.PlaceholderFormat(sq.Dollar)
	}

	locks := make(map[core.Collection]*sync.Mutex, len(core.Collections))
	for _, c := range core.Collections {
		locks[c] = &sync.Mutex{}
	}

	return &DB{db: conn, builder: builder, locks: locks}
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) View(ctx context.Context, collections []core.Collection, fn func(tx core.Tx) error) error {
	return s.run(ctx, collections, false, fn)
}

func (s *DB) Update(ctx context.Context, collections []core.Collection, fn func(tx core.Tx) error) error {
	names := slices.Clone(collections)
	slices.Sort(names)
	names = slices.Compact(names)

	for _, name := range names {
		mu, ok := s.locks[name]
		if !ok {
			return fmt.Errorf("sqldb: unknown collection %q", name)
		}

		mu.Lock()
		defer mu.Unlock()
	}

	return s.run(ctx, names, true, fn)
}

func (s *DB) run(ctx context.Context, collections []core.Collection, writable bool, fn func(tx core.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer sqlTx.Rollback()

	tx := &txn{
		ctx:      ctx,
		tx:       sqlTx,
		builder:  s.builder,
		scope:    store.NewScope(collections),
		writable: writable,
	}

	if err := fn(tx); err != nil {
		if errors.Is(err, store.ErrTxAbort) {
			return nil
		}

		return err
	}

	if !writable {
		return nil
	}

	return sqlTx.Commit()
}

type txn struct {
	ctx      context.Context
	tx       *sql.Tx
	builder  sq.StatementBuilderType
	scope    store.Scope
	writable bool
}

func (t *txn) check(coll core.Collection, write bool) error {
	if write && !t.writable {
		return store.ErrReadOnly
	}

	return t.scope.Check(coll)
}

func (t *txn) exec(b sq.Sqlizer) (sql.Result, error) {
	stmt, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	return t.tx.ExecContext(t.ctx, stmt, args...)
}

func (t *txn) Get(coll core.Collection, key string) ([]byte, error) {
	if err := t.check(coll, false); err != nil {
		return nil, err
	}

	stmt, args := t.builder.Select("record_value").
		From("records").
		Where(sq.Eq{"collection": string(coll), "record_key": key}).
		MustSql()

	var value []byte
	if err := t.tx.QueryRowContext(t.ctx, stmt, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, err
	}

	return value, nil
}

func (t *txn) exists(coll core.Collection, key string) (bool, error) {
	stmt, args := t.builder.Select("1").
		From("records").
		Where(sq.Eq{"collection": string(coll), "record_key": key}).
		MustSql()

	var one int
	if err := t.tx.QueryRowContext(t.ctx, stmt, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func (t *txn) Put(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	if err := t.check(coll, true); err != nil {
		return err
	}

	r, err := t.exec(t.builder.Update("records").
		Set("record_value", value).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"collection": string(coll), "record_key": key}))
	if err != nil {
		return err
	}

	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n == 0 {
		if err := t.insert(coll, key, value); err != nil {
			return err
		}
	} else if err := t.dropIndexes(coll, key); err != nil {
		return err
	}

	return t.writeIndexes(coll, key, indexes)
}

func (t *txn) Add(coll core.Collection, key string, value []byte, indexes map[string]string) error {
	if err := t.check(coll, true); err != nil {
		return err
	}

	ok, err := t.exists(coll, key)
	if err != nil {
		return err
	}

	if ok {
		return store.ErrKeyExists
	}

	if err := t.insert(coll, key, value); err != nil {
		return err
	}

	return t.writeIndexes(coll, key, indexes)
}

func (t *txn) insert(coll core.Collection, key string, value []byte) error {
	_, err := t.exec(t.builder.Insert("records").
		Columns("collection", "record_key", "record_value").
		Values(string(coll), key, value))
	return err
}

func (t *txn) writeIndexes(coll core.Collection, key string, indexes map[string]string) error {
	if len(indexes) == 0 {
		return nil
	}

	b := t.builder.Insert("record_indexes").
		Columns("collection", "index_name", "index_key", "record_key")
	for name, ik := range indexes {
		b = b.Values(string(coll), name, ik, key)
	}

	_, err := t.exec(b)
	return err
}

func (t *txn) dropIndexes(coll core.Collection, key string) error {
	_, err := t.exec(t.builder.Delete("record_indexes").
		Where(sq.Eq{"collection": string(coll), "record_key": key}))
	return err
}

func (t *txn) Delete(coll core.Collection, key string) error {
	if err := t.check(coll, true); err != nil {
		return err
	}

	if err := t.dropIndexes(coll, key); err != nil {
		return err
	}

	_, err := t.exec(t.builder.Delete("records").
		Where(sq.Eq{"collection": string(coll), "record_key": key}))
	return err
}

type row struct {
	key   string
	value []byte
}

func (t *txn) Iterate(coll core.Collection, opts core.IterOptions, fn func(key string, value []byte) error) error {
	if err := t.check(coll, false); err != nil {
		return err
	}

	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}

	var b sq.SelectBuilder
	if opts.Index == "" {
		b = t.builder.Select("record_key", "record_value").
			From("records").
			Where(sq.Eq{"collection": string(coll)}).
			Where(rangeCond("record_key", opts.Range)).
			OrderBy("record_key " + order)
	} else {
		b = t.builder.Select("r.record_key", "r.record_value").
			From("record_indexes i").
			Join("records r ON r.collection = i.collection AND r.record_key = i.record_key").
			Where(sq.Eq{"i.collection": string(coll), "i.index_name": opts.Index}).
			Where(rangeCond("i.index_key", opts.Range)).
			OrderBy("i.index_key "+order, "i.record_key "+order)
	}

	rows, err := t.load(b)
	if err != nil {
		return err
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

// load reads the whole result before any callback runs, so callbacks may
// write through the same transaction.
func (t *txn) load(b sq.SelectBuilder) ([]row, error) {
	stmt, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(t.ctx, stmt, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

func rangeCond(column string, r *core.KeyRange) sq.Sqlizer {
	and := sq.And{}
	if r == nil {
		return and
	}

	if r.HasLower {
		if r.LowerOpen {
			and = append(and, sq.Gt{column: r.Lower})
		} else {
			and = append(and, sq.GtOrEq{column: r.Lower})
		}
	}

	if r.HasUpper {
		if r.UpperOpen {
			and = append(and, sq.Lt{column: r.Upper})
		} else {
			and = append(and, sq.LtOrEq{column: r.Upper})
		}
	}

	return and
}
