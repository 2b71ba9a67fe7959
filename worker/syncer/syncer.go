package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

const (
	propertySyncedAt = "exchanges_synced_at"
)

var scope = []core.Collection{core.CollectionExchanges}

type Config struct {
	Interval time.Duration `valid:"required"`
}

func New(
	db core.Database,
	exchanges core.ExchangeService,
	properties core.PropertyStore,
	logger *slog.Logger,
	cfg Config,
) *Syncer {
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		panic(err)
	}

	return &Syncer{
		db:         db,
		exchanges:  exchanges,
		properties: properties,
		logger:     logger.With("worker", "syncer"),
		cfg:        cfg,
		clock:      time.Now,
	}
}

// Syncer keeps the keys of known exchanges fresh, so expiring
// denominations are replaced before a payment needs them.
type Syncer struct {
	db         core.Database
	exchanges  core.ExchangeService
	properties core.PropertyStore
	logger     *slog.Logger
	cfg        Config
	clock      func() time.Time
}

func (w *Syncer) Run(ctx context.Context) error {
	w.logger.Info("syncer start")

	for {
		dur := w.cfg.Interval
		if next, err := w.next(ctx); err == nil {
			dur = next
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dur):
			_ = w.run(ctx)
		}
	}
}

// next is the wait until the next sweep, counted from the last one that
// finished, so restarts do not refetch every exchange at once.
func (w *Syncer) next(ctx context.Context) (time.Duration, error) {
	var syncedAt time.Time
	if err := w.properties.Get(ctx, propertySyncedAt, &syncedAt); err != nil {
		w.logger.Error("properties.Get", "err", err)
		return 0, err
	}

	return max(syncedAt.Add(w.cfg.Interval).Sub(w.clock()), 0), nil
}

func (w *Syncer) run(ctx context.Context) error {
	var urls []string
	err := w.db.View(ctx, scope, func(tx core.Tx) error {
		return store.Iter(tx, core.CollectionExchanges, core.IterOptions{}, func(_ string, e *core.Exchange) error {
			// exchanges in the middle of an update belong to the retry loop
			if e.UpdateStatus == core.ExchangeUpdateStatusFinished {
				urls = append(urls, e.BaseURL)
			}

			return nil
		})
	})
	if err != nil {
		w.logger.Error("db.View", "err", err)
		return err
	}

	for _, url := range urls {
		if _, err := w.exchanges.Update(ctx, url, false); err != nil {
			w.logger.Warn("exchanges.Update", "exchange", url, "err", err)
		}
	}

	if err := w.properties.Set(ctx, propertySyncedAt, w.clock()); err != nil {
		w.logger.Error("properties.Set", "err", err)
		return err
	}

	return nil
}
