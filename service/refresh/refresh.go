package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/flight"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
	"github.com/pandodao/ecash-wallet/service/httpclient"
	"github.com/pandodao/ecash-wallet/store"
	"golang.org/x/sync/singleflight"
)

var (
	// Scope is what CreateGroup needs from the caller's transaction.
	Scope = []core.Collection{core.CollectionCoins, core.CollectionRefreshGroups}

	groupScope   = []core.Collection{core.CollectionRefreshGroups}
	sessionScope = []core.Collection{
		core.CollectionCoins,
		core.CollectionDenominations,
		core.CollectionRefreshGroups,
	}
)

// CreateGroup inserts a refresh group for the given coins inside the
// caller's transaction. Coins are debited once the group is processed.
func CreateGroup(tx core.Tx, oldCoinPubs []string, reason core.RefreshReason) (*core.RefreshGroup, error) {
	if len(oldCoinPubs) == 0 {
		return nil, errors.New("no coins to refresh")
	}

	for _, pub := range oldCoinPubs {
		if _, err := store.Get[core.Coin](tx, core.CollectionCoins, pub); err != nil {
			return nil, fmt.Errorf("coin %s: %w", pub, err)
		}
	}

	g := &core.RefreshGroup{
		RefreshGroupID:        uuid.New().String(),
		Reason:                reason,
		OldCoinPubs:           slices.Clone(oldCoinPubs),
		RefreshSessionPerCoin: make([]*core.RefreshSession, len(oldCoinPubs)),
		FinishedPerCoin:       make([]bool, len(oldCoinPubs)),
		TimestampCreated:      time.Now(),
		RetryInfo:             core.InitRetryInfo(true),
	}

	if err := store.Add(tx, core.CollectionRefreshGroups, g.RefreshGroupID, g); err != nil {
		return nil, err
	}

	return g, nil
}

func New(
	db core.Database,
	client core.HTTPClient,
	worker *cryptoworker.Worker,
	exchanges core.ExchangeService,
	notifier core.Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:        db,
		client:    client,
		worker:    worker,
		exchanges: exchanges,
		notifier:  notifier,
		logger:    logger.With("service", "refresh"),
		sf:        &singleflight.Group{},
	}
}

type Service struct {
	db        core.Database
	client    core.HTTPClient
	worker    *cryptoworker.Worker
	exchanges core.ExchangeService
	notifier  core.Notifier
	logger    *slog.Logger

	sf *singleflight.Group
}

func (s *Service) Find(ctx context.Context, groupID string) (*core.RefreshGroup, error) {
	var g *core.RefreshGroup
	err := s.db.View(ctx, groupScope, func(tx core.Tx) (err error) {
		g, err = store.Get[core.RefreshGroup](tx, core.CollectionRefreshGroups, groupID)
		return err
	})

	return g, err
}

func (s *Service) Refresh(ctx context.Context, coinPubs []string, reason core.RefreshReason) (string, error) {
	var g *core.RefreshGroup
	err := s.db.Update(ctx, Scope, func(tx core.Tx) (err error) {
		g, err = CreateGroup(tx, coinPubs, reason)
		return err
	})
	if err != nil {
		return "", err
	}

	s.Started(g.RefreshGroupID)
	return g.RefreshGroupID, s.ProcessGroup(ctx, g.RefreshGroupID, false)
}

// Started announces a group created through CreateGroup.
func (s *Service) Started(groupID string) {
	s.notifier.Notify(core.Notification{Type: core.NotifyRefreshStarted, RefreshGroupID: groupID})
}

func (s *Service) ProcessGroup(ctx context.Context, groupID string, forceNow bool) error {
	_, err := flight.Do(ctx, s.sf, groupID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.processGroup(ctx, groupID, forceNow)
	})

	return err
}

func (s *Service) processGroup(ctx context.Context, groupID string, forceNow bool) error {
	if forceNow {
		err := s.db.Update(ctx, groupScope, func(tx core.Tx) error {
			_, err := store.Mutate(tx, core.CollectionRefreshGroups, groupID, func(g *core.RefreshGroup) error {
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

	for i := range g.OldCoinPubs {
		if g.FinishedPerCoin[i] {
			continue
		}

		if err := s.processCoin(ctx, groupID, i); err != nil {
			s.logger.Error("refresh coin", "group", groupID, "coin", g.OldCoinPubs[i], "err", err)
			return s.setError(ctx, groupID, err)
		}
	}

	return s.finish(ctx, groupID)
}

func (s *Service) processCoin(ctx context.Context, groupID string, i int) error {
	session, done, err := s.session(ctx, groupID, i)
	if err != nil || done {
		return err
	}

	if session.NoRevealIndex == nil {
		if session, err = s.melt(ctx, groupID, i, session); err != nil {
			return err
		}
	}

	return s.reveal(ctx, groupID, i, session)
}

// session returns the refresh session of coin i, deriving and storing it
// first when needed. done is set when the coin needs no melt.
func (s *Service) session(ctx context.Context, groupID string, i int) (*core.RefreshSession, bool, error) {
	var (
		g     *core.RefreshGroup
		coin  *core.Coin
		denom *core.Denomination
	)
	err := s.db.View(ctx, sessionScope, func(tx core.Tx) (err error) {
		if g, err = store.Get[core.RefreshGroup](tx, core.CollectionRefreshGroups, groupID); err != nil {
			return err
		}

		if g.RefreshSessionPerCoin[i] != nil {
			return nil
		}

		if coin, err = store.Get[core.Coin](tx, core.CollectionCoins, g.OldCoinPubs[i]); err != nil {
			return err
		}

		denom, err = store.Get[core.Denomination](tx, core.CollectionDenominations, coin.DenomPubHash)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if session := g.RefreshSessionPerCoin[i]; session != nil {
		return session, false, nil
	}

	available, saturated := coin.CurrentAmount.Sub(denom.FeeRefresh)
	var newDenoms []*core.Denomination
	if !saturated && !available.IsZero() {
		if newDenoms, err = s.exchanges.SelectWithdrawDenoms(ctx, coin.ExchangeBaseURL, available); err != nil {
			return nil, false, err
		}
	}

	if len(newDenoms) == 0 {
		s.logger.Info("refresh unwarranted", "group", groupID, "coin", coin.CoinPub, "amount", coin.CurrentAmount)
		return nil, true, s.skipCoin(ctx, groupID, i)
	}

	session, err := s.worker.CreateRefreshSession(coin.ExchangeBaseURL, core.RefreshKappa, coin, newDenoms, denom.FeeRefresh)
	if err != nil {
		return nil, false, err
	}

	err = s.db.Update(ctx, sessionScope, func(tx core.Tx) error {
		g, err := store.Get[core.RefreshGroup](tx, core.CollectionRefreshGroups, groupID)
		if err != nil {
			return err
		}

		if existing := g.RefreshSessionPerCoin[i]; existing != nil {
			session = existing
			return store.ErrTxAbort
		}

		c, err := store.Get[core.Coin](tx, core.CollectionCoins, coin.CoinPub)
		if err != nil {
			return err
		}

		if c.CurrentAmount.Cmp(session.ValueWithFee) < 0 {
			return core.NewOperationError(core.OperationErrorInternal, "coin value changed during refresh", map[string]any{
				"coin_pub": c.CoinPub,
			})
		}

		c.CurrentAmount, _ = c.CurrentAmount.Sub(session.ValueWithFee)
		c.Status = core.CoinStatusDormant
		if err := store.Put(tx, core.CollectionCoins, c.CoinPub, c); err != nil {
			return err
		}

		g.RefreshSessionPerCoin[i] = session
		return store.Put(tx, core.CollectionRefreshGroups, groupID, g)
	})

	return session, false, err
}

// skipCoin finishes coin i without a session when its value cannot buy
// any fresh coin.
func (s *Service) skipCoin(ctx context.Context, groupID string, i int) error {
	err := s.db.Update(ctx, groupScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionRefreshGroups, groupID, func(g *core.RefreshGroup) error {
			g.FinishedPerCoin[i] = true
			return nil
		})

		return err
	})
	if err != nil {
		return err
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyRefreshUnwarranted, RefreshGroupID: groupID})
	return nil
}

func (s *Service) melt(ctx context.Context, groupID string, i int, session *core.RefreshSession) (*core.RefreshSession, error) {
	var coin *core.Coin
	err := s.db.View(ctx, sessionScope, func(tx core.Tx) (err error) {
		coin, err = store.Get[core.Coin](tx, core.CollectionCoins, session.MeltCoinPub)
		return err
	})
	if err != nil {
		return nil, err
	}

	var resp core.MeltResponse
	r, err := s.client.PostJSON(ctx, httpclient.Join(session.ExchangeBaseURL, "refresh/melt", nil), &core.MeltRequestBody{
		CoinPub:      coin.CoinPub,
		DenomPubHash: coin.DenomPubHash,
		DenomSig:     coin.DenomSig,
		ValueWithFee: session.ValueWithFee,
		SessionHash:  session.Hash,
		ConfirmSig:   session.ConfirmSig,
	})
	if err := httpclient.Decode(r, err, &resp); err != nil {
		return nil, err
	}

	if resp.NoRevealIndex < 0 || resp.NoRevealIndex >= len(session.TransferPubs) {
		return nil, core.ProtocolError("exchange returned an invalid noreveal index", map[string]any{
			"noreveal_index": resp.NoRevealIndex,
		})
	}

	err = s.db.Update(ctx, groupScope, func(tx core.Tx) error {
		g, err := store.Get[core.RefreshGroup](tx, core.CollectionRefreshGroups, groupID)
		if err != nil {
			return err
		}

		stored := g.RefreshSessionPerCoin[i]
		if stored.NoRevealIndex == nil {
			idx := resp.NoRevealIndex
			stored.NoRevealIndex = &idx
		}

		session = stored
		return store.Put(tx, core.CollectionRefreshGroups, groupID, g)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyRefreshMelted, RefreshGroupID: groupID, CoinPub: session.MeltCoinPub})
	return session, nil
}

func (s *Service) reveal(ctx context.Context, groupID string, i int, session *core.RefreshSession) error {
	norevealIndex := *session.NoRevealIndex
	req := &core.RevealRequestBody{
		SessionHash:   session.Hash,
		TransferPub:   session.TransferPubs[norevealIndex],
		NewDenomsHash: session.NewDenomHashes,
	}

	for gamma, priv := range session.TransferPrivs {
		if gamma != norevealIndex {
			req.TransferPrivs = append(req.TransferPrivs, priv)
		}
	}

	planchets := session.PlanchetsForGammas[norevealIndex]
	for _, p := range planchets {
		req.CoinEvs = append(req.CoinEvs, p.CoinEv)
	}

	var resp core.RevealResponse
	r, err := s.client.PostJSON(ctx, httpclient.Join(session.ExchangeBaseURL, "refresh/reveal", nil), req)
	if err := httpclient.Decode(r, err, &resp); err != nil {
		return err
	}

	if len(resp.EvSigs) != len(planchets) {
		return core.ProtocolError("reveal response has the wrong number of signatures", map[string]any{
			"expected": len(planchets),
			"got":      len(resp.EvSigs),
		})
	}

	coins := make([]*core.Coin, 0, len(planchets))
	for j, p := range planchets {
		sig, ok, err := s.worker.UnblindAndVerify(resp.EvSigs[j].EvSig, p.BlindingKey, p.CoinPub, session.NewDenoms[j])
		if err != nil || !ok {
			return core.ProtocolError("exchange returned an invalid refresh signature", map[string]any{
				"coin_index": j,
			})
		}

		coins = append(coins, &core.Coin{
			CoinPub:         p.CoinPub,
			CoinPriv:        p.CoinPriv,
			DenomPub:        session.NewDenoms[j],
			DenomPubHash:    session.NewDenomHashes[j],
			DenomSig:        sig,
			BlindingKey:     p.BlindingKey,
			ExchangeBaseURL: session.ExchangeBaseURL,
			Status:          core.CoinStatusFresh,
			Source: core.CoinSource{
				Type:       core.CoinSourceRefresh,
				GroupID:    groupID,
				CoinIndex:  j,
				OldCoinPub: session.MeltCoinPub,
			},
		})
	}

	revealed := false
	err = s.db.Update(ctx, sessionScope, func(tx core.Tx) error {
		g, err := store.Get[core.RefreshGroup](tx, core.CollectionRefreshGroups, groupID)
		if err != nil {
			return err
		}

		if g.FinishedPerCoin[i] {
			return store.ErrTxAbort
		}

		for _, c := range coins {
			d, err := store.Get[core.Denomination](tx, core.CollectionDenominations, c.DenomPubHash)
			if err != nil {
				return err
			}

			c.CurrentAmount = d.Value
			if err := store.Add(tx, core.CollectionCoins, c.CoinPub, c); err != nil && !errors.Is(err, store.ErrKeyExists) {
				return err
			}
		}

		g.RefreshSessionPerCoin[i].Finished = time.Now()
		g.FinishedPerCoin[i] = true
		revealed = true
		return store.Put(tx, core.CollectionRefreshGroups, groupID, g)
	})
	if err != nil {
		return err
	}

	if revealed {
		s.notifier.Notify(core.Notification{Type: core.NotifyRefreshRevealed, RefreshGroupID: groupID, CoinPub: session.MeltCoinPub})
	}

	return nil
}

func (s *Service) finish(ctx context.Context, groupID string) error {
	return s.db.Update(ctx, groupScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionRefreshGroups, groupID, func(g *core.RefreshGroup) error {
			if g.Finished() || slices.Contains(g.FinishedPerCoin, false) {
				return store.ErrTxAbort
			}

			g.TimestampFinished = time.Now()
			g.LastError = nil
			g.RetryInfo = core.InitRetryInfo(false)
			return nil
		})

		return err
	})
}

func (s *Service) setError(ctx context.Context, groupID string, cause error) error {
	opErr := core.AsOperationError(cause)
	err := s.db.Update(ctx, groupScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionRefreshGroups, groupID, func(g *core.RefreshGroup) error {
			g.LastError = opErr
			if opErr.Fatal() {
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
		Type:           core.NotifyRefreshOperationError,
		RefreshGroupID: groupID,
		Error:          opErr,
	})

	return opErr
}
