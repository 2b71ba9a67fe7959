package balance

import (
	"context"
	"log/slog"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

var scope = []core.Collection{
	core.CollectionCoins,
	core.CollectionReserves,
	core.CollectionWithdrawalGroups,
	core.CollectionPlanchets,
	core.CollectionRefreshGroups,
}

func New(db core.Database, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With("service", "balance"),
	}
}

type Service struct {
	db     core.Database
	logger *slog.Logger
}

type summary struct {
	*core.Balances
}

func (s summary) currency(cur string) *core.Balance {
	b, ok := s.ByCurrency[cur]
	if !ok {
		b = &core.Balance{
			Currency:        cur,
			Available:       core.ZeroAmount(cur),
			PendingIncoming: core.ZeroAmount(cur),
		}
		s.ByCurrency[cur] = b
	}

	return b
}

func (s summary) exchange(baseURL, cur string) *core.ExchangeBalance {
	b, ok := s.ByExchange[baseURL]
	if !ok {
		b = &core.ExchangeBalance{
			ExchangeBaseURL: baseURL,
			Available:       core.ZeroAmount(cur),
		}
		s.ByExchange[baseURL] = b
	}

	return b
}

func (s summary) incoming(a core.Amount) {
	if a.IsZero() {
		return
	}

	b := s.currency(a.Currency)
	b.PendingIncoming, _ = b.PendingIncoming.Add(a)
}

// GetBalances sums the fresh coins per currency and per exchange. Value
// still on its way into the wallet, from reserves, withdrawals and
// refreshes, is reported as pending incoming.
func (s *Service) GetBalances(ctx context.Context) (*core.Balances, error) {
	sum := summary{&core.Balances{
		ByCurrency: map[string]*core.Balance{},
		ByExchange: map[string]*core.ExchangeBalance{},
	}}

	err := s.db.View(ctx, scope, func(tx core.Tx) error {
		err := store.Iter(tx, core.CollectionCoins, core.IterOptions{}, func(_ string, c *core.Coin) error {
			if c.Status != core.CoinStatusFresh {
				return nil
			}

			b := sum.currency(c.CurrentAmount.Currency)
			b.Available, _ = b.Available.Add(c.CurrentAmount)

			e := sum.exchange(c.ExchangeBaseURL, c.CurrentAmount.Currency)
			e.Available, _ = e.Available.Add(c.CurrentAmount)
			return nil
		})
		if err != nil {
			return err
		}

		err = store.Iter(tx, core.CollectionReserves, core.IterOptions{}, func(_ string, r *core.Reserve) error {
			switch {
			case !r.WithdrawRemaining.IsZero():
				sum.incoming(r.WithdrawRemaining)
			case r.Status != core.ReserveStatusDormant && r.WithdrawAllocated.IsZero():
				// nothing arrived at the exchange yet
				sum.incoming(r.InitiallyRequested)
			}

			return nil
		})
		if err != nil {
			return err
		}

		err = store.Iter(tx, core.CollectionWithdrawalGroups, core.IterOptions{}, func(_ string, g *core.WithdrawalGroup) error {
			if g.Finished() {
				return nil
			}

			return store.Iter(tx, core.CollectionPlanchets, store.ByIndex(core.IndexByGroup, g.WithdrawalGroupID), func(_ string, p *core.Planchet) error {
				if p.CoinIndex < len(g.Withdrawn) && !g.Withdrawn[p.CoinIndex] {
					sum.incoming(p.CoinValue)
				}

				return nil
			})
		})
		if err != nil {
			return err
		}

		return store.Iter(tx, core.CollectionRefreshGroups, core.IterOptions{}, func(_ string, g *core.RefreshGroup) error {
			if g.Finished() {
				return nil
			}

			for i, session := range g.RefreshSessionPerCoin {
				if session != nil && i < len(g.FinishedPerCoin) && !g.FinishedPerCoin[i] {
					sum.incoming(session.ValueOutput)
				}
			}

			return nil
		})
	})
	if err != nil {
		s.logger.Error("db.View", "err", err)
		return nil, err
	}

	return sum.Balances, nil
}
