package property

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

var scope = []core.Collection{core.CollectionConfig}

type propertyStore struct {
	db core.Database
}

// New keeps properties as records of the config collection.
func New(db core.Database) core.PropertyStore {
	return &propertyStore{db: db}
}

func (s *propertyStore) Get(ctx context.Context, key string, value any) error {
	return s.db.View(ctx, scope, func(tx core.Tx) error {
		raw, err := tx.Get(core.CollectionConfig, key)
		if store.IsErrNotFound(err) {
			return nil
		} else if err != nil {
			return err
		}

		return json.Unmarshal(raw, value)
	})
}

func (s *propertyStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return s.db.Update(ctx, scope, func(tx core.Tx) error {
		return tx.Put(core.CollectionConfig, key, raw, nil)
	})
}
