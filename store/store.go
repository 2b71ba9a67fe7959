package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/zyedidia/generic/mapset"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrKeyExists = errors.New("record key already exists")
	// ErrTxAbort rolls an Update back without failing it.
	ErrTxAbort = errors.New("transaction aborted")
	// ErrStopIteration ends Iterate early without error.
	ErrStopIteration     = errors.New("stop iteration")
	ErrCollectionNotInTx = errors.New("collection not in transaction scope")
	ErrReadOnly          = errors.New("transaction is read only")
)

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Scope is the set of collections a transaction was opened with.
type Scope struct {
	set mapset.Set[core.Collection]
}

func NewScope(collections []core.Collection) Scope {
	set := mapset.New[core.Collection]()
	for _, c := range collections {
		set.Put(c)
	}

	return Scope{set: set}
}

func (s Scope) Check(coll core.Collection) error {
	if !s.set.Has(coll) {
		return fmt.Errorf("%w: %s", ErrCollectionNotInTx, coll)
	}

	return nil
}

func indexesOf(v any) map[string]string {
	if idx, ok := v.(core.Indexed); ok {
		return idx.Indexes()
	}

	return nil
}

// Get loads and decodes one record.
func Get[T any](tx core.Tx, coll core.Collection, key string) (*T, error) {
	b, err := tx.Get(coll, key)
	if err != nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", coll, key, err)
	}

	return &v, nil
}

// Put encodes v and writes it, maintaining the indexes v declares.
func Put(tx core.Tx, coll core.Collection, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, key, err)
	}

	return tx.Put(coll, key, b, indexesOf(v))
}

// Add is Put failing with ErrKeyExists when the key is taken.
func Add(tx core.Tx, coll core.Collection, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, key, err)
	}

	return tx.Add(coll, key, b, indexesOf(v))
}

func Delete(tx core.Tx, coll core.Collection, key string) error {
	return tx.Delete(coll, key)
}

// Mutate reads a record, applies fn and writes the result back. An error
// from fn is returned unchanged and nothing is written.
func Mutate[T any](tx core.Tx, coll core.Collection, key string, fn func(v *T) error) (*T, error) {
	v, err := Get[T](tx, coll, key)
	if err != nil {
		return nil, err
	}

	if err := fn(v); err != nil {
		return nil, err
	}

	if err := Put(tx, coll, key, v); err != nil {
		return nil, err
	}

	return v, nil
}

// Iter decodes every record selected by opts.
func Iter[T any](tx core.Tx, coll core.Collection, opts core.IterOptions, fn func(key string, v *T) error) error {
	return tx.Iterate(coll, opts, func(key string, b []byte) error {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", coll, key, err)
		}

		return fn(key, &v)
	})
}

// List collects the records selected by opts.
func List[T any](tx core.Tx, coll core.Collection, opts core.IterOptions) ([]*T, error) {
	var out []*T
	err := Iter(tx, coll, opts, func(_ string, v *T) error {
		out = append(out, v)
		return nil
	})

	return out, err
}

// ByIndex is the IterOptions selecting records whose index equals key.
func ByIndex(index, key string) core.IterOptions {
	return core.IterOptions{Index: index, Range: core.OnlyKey(key)}
}
