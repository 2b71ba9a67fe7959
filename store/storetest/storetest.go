// Package storetest holds the behaviour every core.Database backend must
// share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string `json:"id"`
	Group string `json:"group"`
	N     int    `json:"n"`
}

func (i *item) Indexes() map[string]string {
	return map[string]string{core.IndexByGroup: i.Group}
}

var colls = []core.Collection{core.CollectionPlanchets, core.CollectionCoins}

// Run exercises db through the core.Database contract. db must be empty.
func Run(t *testing.T, db core.Database) {
	ctx := context.Background()

	t.Run("put get add", func(t *testing.T) {
		err := db.Update(ctx, colls, func(tx core.Tx) error {
			require.NoError(t, store.Put(tx, core.CollectionPlanchets, "p1", &item{ID: "p1", Group: "g1", N: 1}))
			require.NoError(t, store.Add(tx, core.CollectionPlanchets, "p2", &item{ID: "p2", Group: "g1", N: 2}))
			err := store.Add(tx, core.CollectionPlanchets, "p1", &item{ID: "p1"})
			assert.ErrorIs(t, err, store.ErrKeyExists)
			return nil
		})
		require.NoError(t, err)

		err = db.View(ctx, colls, func(tx core.Tx) error {
			v, err := store.Get[item](tx, core.CollectionPlanchets, "p2")
			require.NoError(t, err)
			assert.Equal(t, 2, v.N)

			_, err = store.Get[item](tx, core.CollectionPlanchets, "missing")
			assert.True(t, store.IsErrNotFound(err))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("abort rolls back", func(t *testing.T) {
		err := db.Update(ctx, colls, func(tx core.Tx) error {
			require.NoError(t, store.Put(tx, core.CollectionPlanchets, "p3", &item{ID: "p3", Group: "g2"}))
			return store.ErrTxAbort
		})
		require.NoError(t, err)

		failure := errors.New("boom")
		err = db.Update(ctx, colls, func(tx core.Tx) error {
			require.NoError(t, store.Put(tx, core.CollectionPlanchets, "p4", &item{ID: "p4", Group: "g2"}))
			return failure
		})
		assert.ErrorIs(t, err, failure)

		err = db.View(ctx, colls, func(tx core.Tx) error {
			for _, key := range []string{"p3", "p4"} {
				_, err := tx.Get(core.CollectionPlanchets, key)
				assert.True(t, store.IsErrNotFound(err), key)
			}

			return nil
		})
		require.NoError(t, err)
	})

	t.Run("scope", func(t *testing.T) {
		err := db.View(ctx, []core.Collection{core.CollectionCoins}, func(tx core.Tx) error {
			_, err := tx.Get(core.CollectionPlanchets, "p1")
			return err
		})
		assert.ErrorIs(t, err, store.ErrCollectionNotInTx)
	})

	t.Run("index iteration", func(t *testing.T) {
		err := db.Update(ctx, colls, func(tx core.Tx) error {
			for i := 0; i < 6; i++ {
				g := "a"
				if i%2 == 1 {
					g = "b"
				}

				key := fmt.Sprintf("q%d", i)
				if err := store.Put(tx, core.CollectionPlanchets, key, &item{ID: key, Group: g, N: i}); err != nil {
					return err
				}
			}

			// moving q0 from group a to b must drop the old index entry
			return store.Put(tx, core.CollectionPlanchets, "q0", &item{ID: "q0", Group: "b"})
		})
		require.NoError(t, err)

		err = db.View(ctx, colls, func(tx core.Tx) error {
			as, err := store.List[item](tx, core.CollectionPlanchets, store.ByIndex(core.IndexByGroup, "a"))
			require.NoError(t, err)
			assert.Equal(t, []string{"q2", "q4"}, ids(as))

			bs, err := store.List[item](tx, core.CollectionPlanchets, store.ByIndex(core.IndexByGroup, "b"))
			require.NoError(t, err)
			assert.Equal(t, []string{"q0", "q1", "q3", "q5"}, ids(bs))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("range and reverse", func(t *testing.T) {
		err := db.View(ctx, colls, func(tx core.Tx) error {
			r := &core.KeyRange{Lower: "q1", Upper: "q4", HasLower: true, HasUpper: true, UpperOpen: true}
			got, err := store.List[item](tx, core.CollectionPlanchets, core.IterOptions{Range: r, Reverse: true})
			require.NoError(t, err)
			assert.Equal(t, []string{"q3", "q2", "q1"}, ids(got))

			var first []string
			err = store.Iter(tx, core.CollectionPlanchets, core.IterOptions{Range: core.LowerBound("q", false)}, func(key string, _ *item) error {
				first = append(first, key)
				if len(first) == 2 {
					return store.ErrStopIteration
				}

				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"q0", "q1"}, first)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("mutate and delete", func(t *testing.T) {
		err := db.Update(ctx, colls, func(tx core.Tx) error {
			v, err := store.Mutate(tx, core.CollectionPlanchets, "q5", func(v *item) error {
				v.N = 50
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 50, v.N)

			return store.Delete(tx, core.CollectionPlanchets, "q3")
		})
		require.NoError(t, err)

		err = db.View(ctx, colls, func(tx core.Tx) error {
			v, err := store.Get[item](tx, core.CollectionPlanchets, "q5")
			require.NoError(t, err)
			assert.Equal(t, 50, v.N)

			bs, err := store.List[item](tx, core.CollectionPlanchets, store.ByIndex(core.IndexByGroup, "b"))
			require.NoError(t, err)
			assert.Equal(t, []string{"q0", "q1", "q5"}, ids(bs))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("concurrent increments", func(t *testing.T) {
		require.NoError(t, db.Update(ctx, colls, func(tx core.Tx) error {
			return store.Put(tx, core.CollectionCoins, "counter", &item{ID: "counter"})
		}))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := db.Update(ctx, colls, func(tx core.Tx) error {
					_, err := store.Mutate(tx, core.CollectionCoins, "counter", func(v *item) error {
						v.N++
						return nil
					})
					return err
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		require.NoError(t, db.View(ctx, colls, func(tx core.Tx) error {
			v, err := store.Get[item](tx, core.CollectionCoins, "counter")
			require.NoError(t, err)
			assert.Equal(t, 20, v.N)
			return nil
		}))
	})
}

func ids(items []*item) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.ID)
	}

	return out
}
