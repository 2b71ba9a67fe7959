package cleaner

import (
	"context"
	"log/slog"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

var scope = []core.Collection{
	core.CollectionProposals,
	core.CollectionTips,
}

type Config struct {
	// Interval between two sweeps.
	Interval time.Duration `valid:"required"`
	// Retention is how long refused proposals and expired tips are kept.
	Retention time.Duration `valid:"required"`
}

// Cleaner removes records the user can no longer act on: refused
// proposals and tips that expired before being accepted.
type Cleaner struct {
	db     core.Database
	logger *slog.Logger
	cfg    Config
	clock  func() time.Time
}

func New(
	db core.Database,
	logger *slog.Logger,
	cfg Config,
) *Cleaner {
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		panic(err)
	}

	return &Cleaner{
		db:     db,
		logger: logger.With("worker", "cleaner"),
		cfg:    cfg,
		clock:  time.Now,
	}
}

func (w *Cleaner) Run(ctx context.Context) error {
	w.logger.Info("cleaner start")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.Interval):
			_, _ = w.run(ctx)
		}
	}
}

// run returns the number of records removed.
func (w *Cleaner) run(ctx context.Context) (int, error) {
	cutoff := w.clock().Add(-w.cfg.Retention)

	var (
		proposals []string
		tips      []string
	)

	err := w.db.View(ctx, scope, func(tx core.Tx) error {
		err := store.Iter(tx, core.CollectionProposals, core.IterOptions{}, func(key string, p *core.Proposal) error {
			if p.Status == core.ProposalStatusRefused && p.Timestamp.Before(cutoff) {
				proposals = append(proposals, key)
			}

			return nil
		})
		if err != nil {
			return err
		}

		return store.Iter(tx, core.CollectionTips, core.IterOptions{}, func(key string, t *core.Tip) error {
			if !t.Accepted() && !t.Deadline.IsZero() && t.Deadline.Before(cutoff) {
				tips = append(tips, key)
			}

			return nil
		})
	})
	if err != nil {
		w.logger.Error("db.View", "err", err)
		return 0, err
	}

	if len(proposals)+len(tips) == 0 {
		return 0, nil
	}

	err = w.db.Update(ctx, scope, func(tx core.Tx) error {
		for _, key := range proposals {
			if err := store.Delete(tx, core.CollectionProposals, key); err != nil {
				return err
			}
		}

		for _, key := range tips {
			if err := store.Delete(tx, core.CollectionTips, key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		w.logger.Error("db.Update", "err", err)
		return 0, err
	}

	w.logger.Debug("records removed", "proposals", len(proposals), "tips", len(tips))
	return len(proposals) + len(tips), nil
}
