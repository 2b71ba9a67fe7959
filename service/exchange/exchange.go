package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/asaskevich/govalidator"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/flight"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
	"github.com/pandodao/ecash-wallet/service/httpclient"
	"github.com/pandodao/ecash-wallet/store"
	"golang.org/x/sync/singleflight"
)

// maxSelectIterations bounds withdraw denomination selection on malformed
// denomination sets.
const maxSelectIterations = 1000

var scope = []core.Collection{core.CollectionExchanges, core.CollectionDenominations}

type Config struct {
	// UpdateInterval is how long fetched keys are considered fresh.
	UpdateInterval time.Duration `valid:"required"`
}

func New(
	db core.Database,
	client core.HTTPClient,
	worker *cryptoworker.Worker,
	notifier core.Notifier,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		panic(err)
	}

	denoms, err := lru.New[string, []*core.Denomination](256)
	if err != nil {
		panic(err)
	}

	return &Service{
		db:       db,
		client:   client,
		worker:   worker,
		notifier: notifier,
		logger:   logger.With("service", "exchange"),
		cfg:      cfg,
		denoms:   denoms,
		sf:       &singleflight.Group{},
	}
}

type Service struct {
	db       core.Database
	client   core.HTTPClient
	worker   *cryptoworker.Worker
	notifier core.Notifier
	logger   *slog.Logger
	cfg      Config

	denoms *lru.Cache[string, []*core.Denomination]
	sf     *singleflight.Group

	// now is replaced in tests
	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}

	return time.Now()
}

func (s *Service) Find(ctx context.Context, baseURL string) (*core.Exchange, error) {
	var e *core.Exchange
	err := s.db.View(ctx, scope, func(tx core.Tx) (err error) {
		e, err = store.Get[core.Exchange](tx, core.CollectionExchanges, core.CanonicalizeBaseURL(baseURL))
		return err
	})

	return e, err
}

func (s *Service) ListDenominations(ctx context.Context, baseURL string) ([]*core.Denomination, error) {
	baseURL = core.CanonicalizeBaseURL(baseURL)
	if v, ok := s.denoms.Get(baseURL); ok {
		return v, nil
	}

	var denoms []*core.Denomination
	err := s.db.View(ctx, scope, func(tx core.Tx) (err error) {
		denoms, err = store.List[core.Denomination](tx, core.CollectionDenominations, store.ByIndex(core.IndexByExchange, baseURL))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.denoms.Add(baseURL, denoms)
	return denoms, nil
}

// SelectWithdrawDenoms ranks the withdrawable denominations by descending
// value and walks them repeatedly, taking every one whose value plus
// withdraw fee still fits, until a pass takes nothing.
func (s *Service) SelectWithdrawDenoms(ctx context.Context, baseURL string, amount core.Amount) ([]*core.Denomination, error) {
	all, err := s.ListDenominations(ctx, baseURL)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var denoms []*core.Denomination
	for _, d := range all {
		if d.IsWithdrawable(now) && d.Value.Currency == amount.Currency {
			denoms = append(denoms, d)
		}
	}

	return SelectWithdrawDenoms(denoms, amount), nil
}

func SelectWithdrawDenoms(denoms []*core.Denomination, amount core.Amount) []*core.Denomination {
	denoms = slices.Clone(denoms)
	slices.SortStableFunc(denoms, func(a, b *core.Denomination) int {
		if c := b.Value.Cmp(a.Value); c != 0 {
			return c
		}

		return a.FeeWithdraw.Cmp(b.FeeWithdraw)
	})

	remaining := amount
	var selected []*core.Denomination
	for i := 0; i < maxSelectIterations; i++ {
		found := false
		for _, d := range denoms {
			cost, saturated := d.Value.Add(d.FeeWithdraw)
			if saturated || remaining.Cmp(cost) < 0 {
				continue
			}

			found = true
			remaining, _ = remaining.Sub(cost)
			selected = append(selected, d)
		}

		if !found {
			break
		}
	}

	return selected
}

// Update brings the exchange record up to date. A finished exchange whose
// keys are still fresh is returned as is unless force is set.
func (s *Service) Update(ctx context.Context, baseURL string, force bool) (*core.Exchange, error) {
	baseURL = core.CanonicalizeBaseURL(baseURL)
	return flight.Do(ctx, s.sf, baseURL, func(ctx context.Context) (*core.Exchange, error) {
		return s.update(ctx, baseURL, force)
	})
}

func (s *Service) update(ctx context.Context, baseURL string, force bool) (*core.Exchange, error) {
	e, err := s.start(ctx, baseURL, force)
	if err != nil {
		return nil, err
	}

	for e.UpdateStatus != core.ExchangeUpdateStatusFinished {
		var step func(context.Context, *core.Exchange) (*core.Exchange, error)
		switch e.UpdateStatus {
		case core.ExchangeUpdateStatusFetchKeys:
			step = s.fetchKeys
		case core.ExchangeUpdateStatusFetchWire:
			step = s.fetchWire
		case core.ExchangeUpdateStatusFinalizeUpdate:
			step = s.finalize
		default:
			return nil, fmt.Errorf("exchange %s in unknown update status %d", baseURL, e.UpdateStatus)
		}

		next, err := step(ctx, e)
		if err != nil {
			s.logger.Error("exchange update", "url", baseURL, "stage", e.UpdateStatus, "err", err)
			return nil, s.setError(ctx, baseURL, err)
		}

		e = next
	}

	return e, nil
}

func (s *Service) start(ctx context.Context, baseURL string, force bool) (*core.Exchange, error) {
	var (
		e     *core.Exchange
		added bool
	)

	now := s.clock()
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		var err error
		e, err = store.Get[core.Exchange](tx, core.CollectionExchanges, baseURL)
		if store.IsErrNotFound(err) {
			e = &core.Exchange{
				BaseURL:      baseURL,
				UpdateStatus: core.ExchangeUpdateStatusFetchKeys,
				UpdateReason: "initial",
				UpdateStart:  now,
				RetryInfo:    core.InitRetryInfo(true),
			}
			added = true
			return store.Add(tx, core.CollectionExchanges, baseURL, e)
		} else if err != nil {
			return err
		}

		if e.UpdateStatus != core.ExchangeUpdateStatusFinished {
			return nil
		}

		stale := e.Details == nil || now.Sub(e.Details.LastUpdateTime) >= s.cfg.UpdateInterval
		if !force && !stale {
			return nil
		}

		e.UpdateStatus = core.ExchangeUpdateStatusFetchKeys
		e.UpdateReason = "scheduled"
		if force {
			e.UpdateReason = "forced"
		}
		e.UpdateStart = now
		e.RetryInfo = core.InitRetryInfo(true)
		e.LastError = nil
		return store.Put(tx, core.CollectionExchanges, baseURL, e)
	})
	if err != nil {
		return nil, err
	}

	if added {
		s.notifier.Notify(core.Notification{Type: core.NotifyExchangeAdded, ExchangeBaseURL: baseURL})
	}

	return e, nil
}

func (s *Service) fetchKeys(ctx context.Context, e *core.Exchange) (*core.Exchange, error) {
	var keys core.ExchangeKeysResponse
	resp, err := s.client.Get(ctx, httpclient.Join(e.BaseURL, "keys", nil))
	if err := httpclient.Decode(resp, err, &keys); err != nil {
		return nil, err
	}

	if keys.MasterPublicKey == "" || len(keys.Denoms) == 0 {
		return nil, core.ProtocolError("exchange /keys response is missing master key or denominations", map[string]any{
			"exchange_base_url": e.BaseURL,
		})
	}

	currency := keys.Denoms[0].Value.Currency
	fetched := make(map[string]*core.Denomination, len(keys.Denoms))
	for i := range keys.Denoms {
		info := &keys.Denoms[i]
		if info.Value.Currency != currency {
			return nil, core.ProtocolError("exchange offers denominations in more than one currency", map[string]any{
				"exchange_base_url": e.BaseURL,
			})
		}

		hash, err := s.worker.HashDenomPub(info.DenomPub)
		if err != nil {
			return nil, core.ProtocolError(err.Error(), nil)
		}

		fetched[hash] = info.Denomination(e.BaseURL, hash)
	}

	now := s.clock()
	var next *core.Exchange
	err = s.db.Update(ctx, scope, func(tx core.Tx) error {
		r, err := store.Get[core.Exchange](tx, core.CollectionExchanges, e.BaseURL)
		if err != nil {
			return err
		}

		if r.UpdateStatus != core.ExchangeUpdateStatusFetchKeys {
			next = r
			return nil
		}

		if r.Details != nil && r.Details.MasterPublicKey != keys.MasterPublicKey {
			return core.ProtocolError("exchange master public key changed", map[string]any{
				"exchange_base_url": e.BaseURL,
			})
		}

		existing, err := store.List[core.Denomination](tx, core.CollectionDenominations, store.ByIndex(core.IndexByExchange, e.BaseURL))
		if err != nil {
			return err
		}

		for _, d := range existing {
			_, offered := fetched[d.DenomPubHash]
			if d.IsOffered != offered {
				d.IsOffered = offered
				if err := store.Put(tx, core.CollectionDenominations, d.DenomPubHash, d); err != nil {
					return err
				}
			}

			delete(fetched, d.DenomPubHash)
		}

		for hash, d := range fetched {
			d.Status = core.DenominationStatusVerifiedBad
			if s.worker.IsValidDenom(d, keys.MasterPublicKey) {
				d.Status = core.DenominationStatusVerifiedGood
			} else {
				s.logger.Warn("denomination signature invalid", "url", e.BaseURL, "denom", hash)
			}

			if err := store.Add(tx, core.CollectionDenominations, hash, d); err != nil {
				return err
			}
		}

		r.Details = &core.ExchangeDetails{
			Currency:        currency,
			MasterPublicKey: keys.MasterPublicKey,
			ProtocolVersion: keys.Version,
			LastUpdateTime:  now,
		}
		r.UpdateStatus = core.ExchangeUpdateStatusFetchWire
		r.LastError = nil
		r.RetryInfo = core.InitRetryInfo(true)
		next = r
		return store.Put(tx, core.CollectionExchanges, e.BaseURL, r)
	})
	if err != nil {
		return nil, err
	}

	s.denoms.Remove(e.BaseURL)
	return next, nil
}

func (s *Service) fetchWire(ctx context.Context, e *core.Exchange) (*core.Exchange, error) {
	var wire core.ExchangeWireResponse
	resp, err := s.client.Get(ctx, httpclient.Join(e.BaseURL, "wire", nil))
	if err := httpclient.Decode(resp, err, &wire); err != nil {
		return nil, err
	}

	if e.Details == nil {
		return nil, core.NewOperationError(core.OperationErrorBug, "exchange without details in fetch-wire stage", nil)
	}

	info := &core.ExchangeWireInfo{FeesForType: map[string][]core.WireFee{}}
	for _, a := range wire.Accounts {
		info.Accounts = append(info.Accounts, a.URL)
	}

	for method, fees := range wire.Fees {
		for i := range fees {
			if !s.worker.IsValidWireFee(method, &fees[i], e.Details.MasterPublicKey) {
				return nil, core.ProtocolError("exchange wire fee signature invalid", map[string]any{
					"exchange_base_url": e.BaseURL,
					"wire_method":       method,
				})
			}
		}

		info.FeesForType[method] = fees
	}

	return s.advance(ctx, e.BaseURL, core.ExchangeUpdateStatusFetchWire, func(r *core.Exchange) {
		r.WireInfo = info
		r.UpdateStatus = core.ExchangeUpdateStatusFinalizeUpdate
	})
}

func (s *Service) finalize(ctx context.Context, e *core.Exchange) (*core.Exchange, error) {
	next, err := s.advance(ctx, e.BaseURL, core.ExchangeUpdateStatusFinalizeUpdate, func(r *core.Exchange) {
		r.UpdateStatus = core.ExchangeUpdateStatusFinished
		r.UpdateReason = ""
		r.RetryInfo = core.InitRetryInfo(false)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyExchangeUpdated, ExchangeBaseURL: e.BaseURL})
	return next, nil
}

// advance applies fn when the record is still in stage and returns the
// stored record either way.
func (s *Service) advance(ctx context.Context, baseURL string, stage core.ExchangeUpdateStatus, fn func(r *core.Exchange)) (*core.Exchange, error) {
	var next *core.Exchange
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		r, err := store.Get[core.Exchange](tx, core.CollectionExchanges, baseURL)
		if err != nil {
			return err
		}

		next = r
		if r.UpdateStatus != stage {
			return nil
		}

		fn(r)
		r.LastError = nil
		return store.Put(tx, core.CollectionExchanges, baseURL, r)
	})

	return next, err
}

func (s *Service) setError(ctx context.Context, baseURL string, cause error) error {
	opErr := core.AsOperationError(cause)
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionExchanges, baseURL, func(r *core.Exchange) error {
			r.LastError = opErr
			if opErr.Fatal() {
				r.RetryInfo.Deactivate()
			} else {
				r.RetryInfo.Increment()
			}

			return nil
		})

		return err
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("db.Update", "err", err)
	}

	s.notifier.Notify(core.Notification{
		Type:            core.NotifyExchangeOperationError,
		ExchangeBaseURL: baseURL,
		Error:           opErr,
	})

	return opErr
}
