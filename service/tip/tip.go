package tip

import (
	"context"
	"log/slog"
	"net/url"
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
	scope       = []core.Collection{core.CollectionTips}
	pickupScope = []core.Collection{
		core.CollectionPlanchets,
		core.CollectionTips,
		core.CollectionWithdrawalGroups,
	}
)

func New(
	db core.Database,
	client core.HTTPClient,
	worker *cryptoworker.Worker,
	exchanges core.ExchangeService,
	withdraw core.WithdrawService,
	notifier core.Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:        db,
		client:    client,
		worker:    worker,
		exchanges: exchanges,
		withdraw:  withdraw,
		notifier:  notifier,
		logger:    logger.With("service", "tip"),
		clock:     time.Now,
		sf:        &singleflight.Group{},
	}
}

type Service struct {
	db        core.Database
	client    core.HTTPClient
	worker    *cryptoworker.Worker
	exchanges core.ExchangeService
	withdraw  core.WithdrawService
	notifier  core.Notifier
	logger    *slog.Logger
	clock     func() time.Time

	sf *singleflight.Group
}

// TipID derives the wallet's id for a merchant tip.
func TipID(merchantBaseURL, merchantTipID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(merchantBaseURL+"#"+merchantTipID)).String()
}

func (s *Service) Find(ctx context.Context, tipID string) (*core.Tip, error) {
	var t *core.Tip
	err := s.db.View(ctx, scope, func(tx core.Tx) (err error) {
		t, err = store.Get[core.Tip](tx, core.CollectionTips, tipID)
		return err
	})

	return t, err
}

// PrepareTip asks the merchant about a tip and stores it, with its
// planchets, until the user accepts it.
func (s *Service) PrepareTip(ctx context.Context, merchantBaseURL, merchantTipID string) (*core.TipStatus, error) {
	merchantBaseURL = core.CanonicalizeBaseURL(merchantBaseURL)
	u := httpclient.Join(merchantBaseURL, "tip-pickup", url.Values{"tip_id": {merchantTipID}})

	var resp core.TipStatusResponse
	r, err := s.client.Get(ctx, u)
	if err := httpclient.Decode(r, err, &resp); err != nil {
		return nil, err
	}

	tipID := TipID(merchantBaseURL, merchantTipID)
	t, err := s.Find(ctx, tipID)
	if store.IsErrNotFound(err) {
		t, err = s.create(ctx, tipID, merchantBaseURL, merchantTipID, &resp)
	}

	if err != nil {
		return nil, err
	}

	return &core.TipStatus{
		TipID:           t.TipID,
		Accepted:        t.Accepted(),
		Amount:          resp.Amount,
		AmountLeft:      resp.AmountLeft,
		TotalFees:       t.TotalFees,
		ExchangeBaseURL: t.ExchangeBaseURL,
		NextURL:         t.NextURL,
		MerchantTipID:   merchantTipID,
		Expiration:      t.Deadline,
	}, nil
}

func (s *Service) create(ctx context.Context, tipID, merchantBaseURL, merchantTipID string, resp *core.TipStatusResponse) (*core.Tip, error) {
	e, err := s.exchanges.Update(ctx, resp.ExchangeURL, false)
	if err != nil {
		return nil, err
	}

	denoms, err := s.exchanges.SelectWithdrawDenoms(ctx, e.BaseURL, resp.Amount)
	if err != nil {
		return nil, err
	}

	if len(denoms) == 0 {
		return nil, core.WrapOperationError(core.OperationErrorProtocol, core.ErrNoDenominations, map[string]any{
			"amount": resp.Amount.String(),
		})
	}

	t := &core.Tip{
		TipID:            tipID,
		MerchantTipID:    merchantTipID,
		MerchantBaseURL:  merchantBaseURL,
		ExchangeBaseURL:  e.BaseURL,
		Amount:           resp.Amount,
		TotalFees:        core.ZeroAmount(resp.Amount.Currency),
		Deadline:         resp.StampExpire,
		NextURL:          resp.NextURL,
		CreatedTimestamp: s.clock(),
		RetryInfo:        core.InitRetryInfo(false),
	}

	for _, d := range denoms {
		p, err := s.worker.CreateTipPlanchet(d)
		if err != nil {
			return nil, err
		}

		t.Planchets = append(t.Planchets, *p)
		t.TotalFees, _ = t.TotalFees.Add(d.FeeWithdraw)
	}

	err = s.db.Update(ctx, scope, func(tx core.Tx) error {
		return store.Add(tx, core.CollectionTips, tipID, t)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tip offered", "tip", tipID, "merchant", merchantBaseURL, "amount", resp.Amount)
	return t, nil
}

func (s *Service) AcceptTip(ctx context.Context, tipID string) error {
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionTips, tipID, func(t *core.Tip) error {
			if t.Accepted() {
				return store.ErrTxAbort
			}

			t.AcceptedTimestamp = s.clock()
			t.RetryInfo = core.InitRetryInfo(true)
			return nil
		})

		return err
	})
	if err != nil {
		return err
	}

	return s.ProcessTip(ctx, tipID, false)
}

func (s *Service) ProcessTip(ctx context.Context, tipID string, forceNow bool) error {
	_, err := flight.Do(ctx, s.sf, tipID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.processTip(ctx, tipID, forceNow)
	})

	return err
}

func (s *Service) processTip(ctx context.Context, tipID string, forceNow bool) error {
	if forceNow {
		err := s.db.Update(ctx, scope, func(tx core.Tx) error {
			_, err := store.Mutate(tx, core.CollectionTips, tipID, func(t *core.Tip) error {
				if t.PickedUp || !t.Accepted() {
					return store.ErrTxAbort
				}

				t.RetryInfo.Reset()
				return nil
			})

			return err
		})
		if err != nil {
			return err
		}
	}

	t, err := s.Find(ctx, tipID)
	if err != nil {
		return err
	}

	if !t.Accepted() {
		return nil
	}

	if !t.PickedUp {
		if err := s.pickup(ctx, t); err != nil {
			s.logger.Error("pickup tip", "tip", tipID, "err", err)
			return s.setError(ctx, tipID, err)
		}

		if t, err = s.Find(ctx, tipID); err != nil {
			return err
		}
	}

	return s.withdraw.ProcessGroup(ctx, t.WithdrawalGroupID, false)
}

// pickup fetches the merchant's reserve signatures and turns the tip into
// a withdrawal group.
func (s *Service) pickup(ctx context.Context, t *core.Tip) error {
	if !t.Deadline.IsZero() && s.clock().After(t.Deadline) {
		return core.ProtocolError("tip expired", map[string]any{"deadline": t.Deadline})
	}

	req := &core.TipPickupRequest{TipID: t.MerchantTipID}
	for _, p := range t.Planchets {
		req.Planchets = append(req.Planchets, core.TipPlanchetDetail{
			DenomPubHash: p.DenomPubHash,
			CoinEv:       p.CoinEv,
		})
	}

	var resp core.TipPickupResponse
	r, err := s.client.PostJSON(ctx, httpclient.Join(t.MerchantBaseURL, "tip-pickup", nil), req)
	if err := httpclient.Decode(r, err, &resp); err != nil {
		return err
	}

	if len(resp.ReserveSigs) != len(t.Planchets) {
		return core.ProtocolError("merchant returned the wrong number of reserve signatures", map[string]any{
			"expected": len(t.Planchets),
			"got":      len(resp.ReserveSigs),
		})
	}

	g := &core.WithdrawalGroup{
		WithdrawalGroupID:   uuid.New().String(),
		Source:              core.WithdrawalSource{Type: core.WithdrawalSourceTip, TipID: t.TipID},
		ExchangeBaseURL:     t.ExchangeBaseURL,
		RawWithdrawalAmount: t.Amount,
		TotalCoinValue:      core.ZeroAmount(t.Amount.Currency),
		TimestampStart:      s.clock(),
		RetryInfo:           core.InitRetryInfo(true),
	}

	planchets := make([]*core.Planchet, 0, len(t.Planchets))
	for i, tp := range t.Planchets {
		g.Denoms = append(g.Denoms, tp.DenomPubHash)
		g.Withdrawn = append(g.Withdrawn, false)
		g.TotalCoinValue, _ = g.TotalCoinValue.Add(tp.CoinValue)

		planchets = append(planchets, &core.Planchet{
			WithdrawalGroupID: g.WithdrawalGroupID,
			CoinIndex:         i,
			CoinPub:           tp.CoinPub,
			CoinPriv:          tp.CoinPriv,
			BlindingKey:       tp.BlindingKey,
			DenomPub:          tp.DenomPub,
			DenomPubHash:      tp.DenomPubHash,
			CoinValue:         tp.CoinValue,
			CoinEv:            tp.CoinEv,
			ReservePub:        resp.ReservePub,
			WithdrawSig:       resp.ReserveSigs[i].ReserveSig,
			IsFromTip:         true,
		})
	}

	pickedUp := false
	err = s.db.Update(ctx, pickupScope, func(tx core.Tx) error {
		rec, err := store.Get[core.Tip](tx, core.CollectionTips, t.TipID)
		if err != nil {
			return err
		}

		if rec.PickedUp {
			return store.ErrTxAbort
		}

		if err := store.Add(tx, core.CollectionWithdrawalGroups, g.WithdrawalGroupID, g); err != nil {
			return err
		}

		for _, p := range planchets {
			if err := store.Add(tx, core.CollectionPlanchets, p.Key(), p); err != nil {
				return err
			}
		}

		rec.PickedUp = true
		rec.WithdrawalGroupID = g.WithdrawalGroupID
		rec.RetryInfo = core.InitRetryInfo(false)
		rec.LastError = nil
		pickedUp = true
		return store.Put(tx, core.CollectionTips, rec.TipID, rec)
	})
	if err != nil {
		return err
	}

	if pickedUp {
		s.notifier.Notify(core.Notification{Type: core.NotifyTipPickedUp, TipID: t.TipID, WithdrawalGroupID: g.WithdrawalGroupID})
	}

	return nil
}

func (s *Service) setError(ctx context.Context, tipID string, cause error) error {
	opErr := core.AsOperationError(cause)
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionTips, tipID, func(t *core.Tip) error {
			t.LastError = opErr
			if opErr.Fatal() {
				t.RetryInfo.Deactivate()
			} else {
				t.RetryInfo.Increment()
			}

			return nil
		})

		return err
	})
	if err != nil {
		s.logger.Error("db.Update", "err", err)
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyTipOperationError, TipID: tipID, Error: opErr})
	return opErr
}
