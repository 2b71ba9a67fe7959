package memdb

import (
	"context"
	"fmt"
	"testing"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/pandodao/ecash-wallet/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabase(t *testing.T) {
	storetest.Run(t, New())
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	db := New()
	colls := []core.Collection{core.CollectionCoins}

	require.NoError(t, db.Update(ctx, colls, func(tx core.Tx) error {
		return tx.Put(core.CollectionCoins, "a", []byte(`1`), nil)
	}))

	err := db.View(ctx, colls, func(view core.Tx) error {
		// a write committed while the view is open stays invisible to it
		require.NoError(t, db.Update(ctx, colls, func(tx core.Tx) error {
			return tx.Put(core.CollectionCoins, "a", []byte(`2`), nil)
		}))

		v, err := view.Get(core.CollectionCoins, "a")
		require.NoError(t, err)
		assert.Equal(t, `1`, string(v))
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyView(t *testing.T) {
	db := New()
	err := db.View(context.Background(), []core.Collection{core.CollectionCoins}, func(tx core.Tx) error {
		return tx.Put(core.CollectionCoins, "a", []byte(`1`), nil)
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	db := New()
	colls := []core.Collection{core.CollectionCoins}

	for round := 0; round < 20; round++ {
		require.NoError(t, db.Update(ctx, colls, func(tx core.Tx) error {
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("%03d", i)
				err := tx.Put(core.CollectionCoins, key, []byte(`{}`), map[string]string{core.IndexByExchange: "ex"})
				if err != nil {
					return err
				}
			}

			return nil
		}))
	}

	c := db.colls[core.CollectionCoins]
	assert.Less(t, len(c.arena.nodes), minCompactNodes*4)
	assert.True(t, c.arena.checkTree(c.root))
	assert.True(t, c.arena.checkTree(c.indexes[core.IndexByExchange]))

	n := 0
	require.NoError(t, db.View(ctx, colls, func(tx core.Tx) error {
		return tx.Iterate(core.CollectionCoins, store.ByIndex(core.IndexByExchange, "ex"), func(string, []byte) error {
			n++
			return nil
		})
	}))
	assert.Equal(t, 100, n)
}
