package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/flight"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
	"github.com/pandodao/ecash-wallet/service/httpclient"
	"github.com/pandodao/ecash-wallet/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// parallel is the number of coins withdrawn concurrently per group.
const parallel = 4

var (
	groupScope = []core.Collection{core.CollectionWithdrawalGroups}
	coinScope  = []core.Collection{
		core.CollectionCoins,
		core.CollectionDenominations,
		core.CollectionPlanchets,
		core.CollectionReserves,
		core.CollectionWithdrawalGroups,
	}
)

func New(
	db core.Database,
	client core.HTTPClient,
	worker *cryptoworker.Worker,
	notifier core.Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:       db,
		client:   client,
		worker:   worker,
		notifier: notifier,
		logger:   logger.With("service", "withdraw"),
		sf:       &singleflight.Group{},
	}
}

type Service struct {
	db       core.Database
	client   core.HTTPClient
	worker   *cryptoworker.Worker
	notifier core.Notifier
	logger   *slog.Logger

	sf *singleflight.Group
}

func (s *Service) Find(ctx context.Context, groupID string) (*core.WithdrawalGroup, error) {
	var g *core.WithdrawalGroup
	err := s.db.View(ctx, groupScope, func(tx core.Tx) (err error) {
		g, err = store.Get[core.WithdrawalGroup](tx, core.CollectionWithdrawalGroups, groupID)
		return err
	})

	return g, err
}

// ProcessGroup withdraws every coin of the group that is not in the
// wallet yet. Running it again after a partial failure only requests the
// missing coins.
func (s *Service) ProcessGroup(ctx context.Context, groupID string, forceNow bool) error {
	_, err := flight.Do(ctx, s.sf, groupID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.processGroup(ctx, groupID, forceNow)
	})

	return err
}

func (s *Service) processGroup(ctx context.Context, groupID string, forceNow bool) error {
	if forceNow {
		err := s.db.Update(ctx, groupScope, func(tx core.Tx) error {
			_, err := store.Mutate(tx, core.CollectionWithdrawalGroups, groupID, func(g *core.WithdrawalGroup) error {
				if g.Finished() {
					return store.ErrTxAbort
				}

				g.RetryInfo.Reset()
				return nil
			})

			return err
		})
		if err != nil {
			return err
		}
	}

	g, err := s.Find(ctx, groupID)
	if err != nil {
		return err
	}

	if g.Finished() {
		return nil
	}

	errs := make([]error, len(g.Denoms))
	var eg errgroup.Group
	eg.SetLimit(parallel)
	for i := range g.Denoms {
		if g.Withdrawn[i] {
			continue
		}

		eg.Go(func() error {
			errs[i] = s.processCoin(ctx, g, i)
			return nil
		})
	}

	_ = eg.Wait()

	if err := s.recordCoinErrors(ctx, groupID, errs); err != nil {
		s.logger.Error("withdraw group", "group", groupID, "err", err)
		return err
	}

	return s.finish(ctx, groupID)
}

// recordCoinErrors stores the per-coin errors and returns the first one.
func (s *Service) recordCoinErrors(ctx context.Context, groupID string, errs []error) error {
	var first *core.OperationError
	perCoin := map[int]*core.OperationError{}
	for i, err := range errs {
		if err == nil {
			continue
		}

		opErr := core.AsOperationError(err)
		perCoin[i] = opErr
		if first == nil {
			first = opErr
		}
	}

	if first == nil {
		return nil
	}

	err := s.db.Update(ctx, groupScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionWithdrawalGroups, groupID, func(g *core.WithdrawalGroup) error {
			if g.LastErrorPerCoin == nil {
				g.LastErrorPerCoin = map[int]*core.OperationError{}
			}

			for i, e := range perCoin {
				g.LastErrorPerCoin[i] = e
			}

			g.LastError = first
			if first.Fatal() {
				g.RetryInfo.Deactivate()
			} else {
				g.RetryInfo.Increment()
			}

			return nil
		})

		return err
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("db.Update", "err", err)
	}

	s.notifier.Notify(core.Notification{
		Type:              core.NotifyWithdrawOperationError,
		WithdrawalGroupID: groupID,
		Error:             first,
	})

	return first
}

func (s *Service) finish(ctx context.Context, groupID string) error {
	finished := false
	err := s.db.Update(ctx, groupScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionWithdrawalGroups, groupID, func(g *core.WithdrawalGroup) error {
			if g.Finished() || g.NumWithdrawn() != len(g.Denoms) {
				return store.ErrTxAbort
			}

			g.TimestampFinish = time.Now()
			g.LastError = nil
			g.LastErrorPerCoin = nil
			g.RetryInfo = core.InitRetryInfo(false)
			finished = true
			return nil
		})

		return err
	})
	if err != nil {
		return err
	}

	if finished {
		s.logger.Info("withdraw group finished", "group", groupID)
		s.notifier.Notify(core.Notification{Type: core.NotifyWithdrawGroupFinished, WithdrawalGroupID: groupID})
	}

	return nil
}

// planchet returns the stored planchet for slot i, creating it from the
// reserve when it does not exist yet. Tip planchets always exist.
func (s *Service) planchet(ctx context.Context, g *core.WithdrawalGroup, i int) (*core.Planchet, error) {
	key := core.PlanchetKey(g.WithdrawalGroupID, i)

	var (
		p     *core.Planchet
		r     *core.Reserve
		denom *core.Denomination
	)
	err := s.db.View(ctx, coinScope, func(tx core.Tx) error {
		var err error
		p, err = store.Get[core.Planchet](tx, core.CollectionPlanchets, key)
		if err == nil || !store.IsErrNotFound(err) {
			return err
		}

		p = nil
		if g.Source.Type != core.WithdrawalSourceReserve {
			return core.NewOperationError(core.OperationErrorBug, "tip planchet missing", map[string]any{"planchet": key})
		}

		if denom, err = store.Get[core.Denomination](tx, core.CollectionDenominations, g.Denoms[i]); err != nil {
			return fmt.Errorf("denomination %s: %w", g.Denoms[i], err)
		}

		r, err = store.Get[core.Reserve](tx, core.CollectionReserves, g.Source.ReservePub)
		return err
	})
	if err != nil || p != nil {
		return p, err
	}

	p, err = s.worker.CreatePlanchet(cryptoworker.PlanchetRequest{
		Denom:       denom,
		ReservePub:  r.ReservePub,
		ReservePriv: r.ReservePriv,
		GroupID:     g.WithdrawalGroupID,
		CoinIndex:   i,
	})
	if err != nil {
		return nil, err
	}

	err = s.db.Update(ctx, coinScope, func(tx core.Tx) error {
		err := store.Add(tx, core.CollectionPlanchets, key, p)
		if errors.Is(err, store.ErrKeyExists) {
			p, err = store.Get[core.Planchet](tx, core.CollectionPlanchets, key)
		}

		return err
	})

	return p, err
}

func (s *Service) processCoin(ctx context.Context, g *core.WithdrawalGroup, i int) error {
	p, err := s.planchet(ctx, g, i)
	if err != nil {
		return err
	}

	var resp core.WithdrawResponse
	r, err := s.client.PostJSON(ctx, httpclient.Join(g.ExchangeBaseURL, "reserve/withdraw", nil), &core.WithdrawRequestBody{
		DenomPubHash: p.DenomPubHash,
		ReservePub:   p.ReservePub,
		ReserveSig:   p.WithdrawSig,
		CoinEv:       p.CoinEv,
	})
	if err := httpclient.Decode(r, err, &resp); err != nil {
		return err
	}

	sig, ok, err := s.worker.UnblindAndVerify(resp.EvSig, p.BlindingKey, p.CoinPub, p.DenomPub)
	if err != nil {
		return core.ProtocolError(fmt.Sprintf("unblind: %v", err), nil)
	}

	if !ok {
		return core.ProtocolError("exchange returned an invalid blind signature", map[string]any{
			"withdrawal_group_id": g.WithdrawalGroupID,
			"coin_index":          i,
		})
	}

	source := core.CoinSource{Type: core.CoinSourceWithdraw, GroupID: g.WithdrawalGroupID, CoinIndex: i}
	if p.IsFromTip {
		source.Type = core.CoinSourceTip
	}

	coin := &core.Coin{
		CoinPub:         p.CoinPub,
		CoinPriv:        p.CoinPriv,
		DenomPub:        p.DenomPub,
		DenomPubHash:    p.DenomPubHash,
		DenomSig:        sig,
		BlindingKey:     p.BlindingKey,
		ExchangeBaseURL: g.ExchangeBaseURL,
		CurrentAmount:   p.CoinValue,
		Status:          core.CoinStatusFresh,
		Source:          source,
	}

	stored := false
	err = s.db.Update(ctx, coinScope, func(tx core.Tx) error {
		rec, err := store.Get[core.WithdrawalGroup](tx, core.CollectionWithdrawalGroups, g.WithdrawalGroupID)
		if err != nil {
			return err
		}

		if rec.Withdrawn[i] {
			return store.ErrTxAbort
		}

		if err := store.Add(tx, core.CollectionCoins, coin.CoinPub, coin); err != nil {
			if errors.Is(err, store.ErrKeyExists) {
				return store.ErrTxAbort
			}

			return err
		}

		rec.Withdrawn[i] = true
		delete(rec.LastErrorPerCoin, i)
		if err := store.Put(tx, core.CollectionWithdrawalGroups, rec.WithdrawalGroupID, rec); err != nil {
			return err
		}

		if rec.Source.Type == core.WithdrawalSourceReserve {
			denom, err := store.Get[core.Denomination](tx, core.CollectionDenominations, p.DenomPubHash)
			if err != nil {
				return err
			}

			cost, _ := denom.Value.Add(denom.FeeWithdraw)
			_, err = store.Mutate(tx, core.CollectionReserves, rec.Source.ReservePub, func(r *core.Reserve) error {
				r.WithdrawCompleted, _ = r.WithdrawCompleted.Add(cost)
				return nil
			})
			if err != nil {
				return err
			}
		}

		stored = true
		return store.Delete(tx, core.CollectionPlanchets, p.Key())
	})
	if err != nil {
		return err
	}

	if stored {
		s.notifier.Notify(core.Notification{
			Type:              core.NotifyCoinWithdrawn,
			WithdrawalGroupID: g.WithdrawalGroupID,
			CoinPub:           coin.CoinPub,
		})
	}

	return nil
}

// Coins returns the coins withdrawn by a group, in slot order.
func (s *Service) Coins(ctx context.Context, groupID string) ([]*core.Coin, error) {
	var coins []*core.Coin
	err := s.db.View(ctx, []core.Collection{core.CollectionCoins}, func(tx core.Tx) error {
		return store.Iter(tx, core.CollectionCoins, core.IterOptions{}, func(_ string, c *core.Coin) error {
			if c.Source.GroupID == groupID && c.Source.Type != core.CoinSourceRefresh {
				coins = append(coins, c)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(coins, func(a, b *core.Coin) int {
		return a.Source.CoinIndex - b.Source.CoinIndex
	})

	return coins, nil
}
