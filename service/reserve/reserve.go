package reserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/flight"
	"github.com/pandodao/ecash-wallet/service/httpclient"
	"github.com/pandodao/ecash-wallet/store"
	"golang.org/x/sync/singleflight"
)

// maxSteps bounds the state transitions of one Process call.
const maxSteps = 16

var (
	scope       = []core.Collection{core.CollectionReserves}
	createScope = []core.Collection{
		core.CollectionCurrencies,
		core.CollectionReserves,
		core.CollectionBankWithdrawURIs,
	}
	withdrawScope = []core.Collection{core.CollectionReserves, core.CollectionWithdrawalGroups}
)

var errSelectionNotDone = errors.New("bank claims that the reserve selection is not done")

func New(
	db core.Database,
	client core.HTTPClient,
	crypto core.CryptoService,
	exchanges core.ExchangeService,
	withdraw core.WithdrawService,
	notifier core.Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:        db,
		client:    client,
		crypto:    crypto,
		exchanges: exchanges,
		withdraw:  withdraw,
		notifier:  notifier,
		logger:    logger.With("service", "reserve"),
		sf:        &singleflight.Group{},
	}
}

type Service struct {
	db        core.Database
	client    core.HTTPClient
	crypto    core.CryptoService
	exchanges core.ExchangeService
	withdraw  core.WithdrawService
	notifier  core.Notifier
	logger    *slog.Logger

	sf *singleflight.Group
}

func (s *Service) Find(ctx context.Context, reservePub string) (*core.Reserve, error) {
	var r *core.Reserve
	err := s.db.View(ctx, scope, func(tx core.Tx) (err error) {
		r, err = store.Get[core.Reserve](tx, core.CollectionReserves, reservePub)
		return err
	})

	return r, err
}

// Create makes a new reserve at the exchange. Reserves for a bank
// withdrawal operation are created once per status URL.
func (s *Service) Create(ctx context.Context, req *core.CreateReserveRequest) (*core.CreateReserveResponse, error) {
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return nil, err
	}

	if req.Amount.Currency == "" {
		return nil, errors.New("amount: currency missing")
	}

	e, err := s.exchanges.Update(ctx, req.Exchange, false)
	if err != nil {
		return nil, err
	}

	if e.Details == nil {
		return nil, fmt.Errorf("exchange %s not updated", e.BaseURL)
	}

	if e.Details.Currency != req.Amount.Currency {
		return nil, fmt.Errorf("exchange %s does not deal in %s", e.BaseURL, req.Amount.Currency)
	}

	keys, err := s.crypto.CreateEddsaKeyPair()
	if err != nil {
		return nil, err
	}

	currency := req.Amount.Currency
	now := time.Now()
	r := &core.Reserve{
		ReservePub:            keys.Pub,
		ReservePriv:           keys.Priv,
		ExchangeBaseURL:       e.BaseURL,
		ExchangeWire:          req.ExchangeWire,
		SenderWire:            req.SenderWire,
		Status:                core.ReserveStatusUnconfirmed,
		TimestampCreated:      now,
		InitiallyRequested:    req.Amount,
		WithdrawAllocated:     core.ZeroAmount(currency),
		WithdrawCompleted:     core.ZeroAmount(currency),
		WithdrawRemaining:     core.ZeroAmount(currency),
		ExchangeBalance:       core.ZeroAmount(currency),
		BankWithdrawStatusURL: req.BankWithdrawStatusURL,
		RetryInfo:             core.InitRetryInfo(true),
	}

	if r.BankWithdrawStatusURL != "" {
		r.Status = core.ReserveStatusRegisteringBank
	}

	resp := &core.CreateReserveResponse{Exchange: e.BaseURL, ReservePub: r.ReservePub}
	created := true
	err = s.db.Update(ctx, createScope, func(tx core.Tx) error {
		if r.BankWithdrawStatusURL != "" {
			bwi, err := store.Get[core.BankWithdrawURI](tx, core.CollectionBankWithdrawURIs, r.BankWithdrawStatusURL)
			if err == nil {
				other, err := store.Get[core.Reserve](tx, core.CollectionReserves, bwi.ReservePub)
				if err == nil {
					resp = &core.CreateReserveResponse{Exchange: other.ExchangeBaseURL, ReservePub: other.ReservePub}
					created = false
					return nil
				} else if !store.IsErrNotFound(err) {
					return err
				}
			} else if !store.IsErrNotFound(err) {
				return err
			}

			if err := store.Put(tx, core.CollectionBankWithdrawURIs, r.BankWithdrawStatusURL, &core.BankWithdrawURI{
				StatusURL:  r.BankWithdrawStatusURL,
				ReservePub: r.ReservePub,
			}); err != nil {
				return err
			}
		}

		if err := trustExchange(tx, e); err != nil {
			return err
		}

		return store.Add(tx, core.CollectionReserves, r.ReservePub, r)
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Info("reserve created", "reserve", r.ReservePub, "exchange", e.BaseURL, "amount", req.Amount)
		s.notifier.Notify(core.Notification{Type: core.NotifyReserveCreated, ReservePub: r.ReservePub})
	}

	return resp, nil
}

// trustExchange adds e to the exchanges of its currency.
func trustExchange(tx core.Tx, e *core.Exchange) error {
	cr, err := store.Get[core.CurrencyRecord](tx, core.CollectionCurrencies, e.Details.Currency)
	if store.IsErrNotFound(err) {
		cr = &core.CurrencyRecord{Name: e.Details.Currency, FractionalDigits: 2}
	} else if err != nil {
		return err
	}

	for _, h := range cr.Exchanges {
		if h.URL == e.BaseURL {
			return nil
		}
	}

	cr.Exchanges = append(cr.Exchanges, core.ExchangeHandle{URL: e.BaseURL, MasterPub: e.Details.MasterPublicKey})
	return store.Put(tx, core.CollectionCurrencies, cr.Name, cr)
}

// Confirm records that the user wired the money to the exchange.
func (s *Service) Confirm(ctx context.Context, reservePub string) error {
	confirmed := false
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionReserves, reservePub, func(r *core.Reserve) error {
			if r.Status != core.ReserveStatusUnconfirmed {
				return store.ErrTxAbort
			}

			r.TimestampConfirmed = time.Now()
			r.Status = core.ReserveStatusQueryingStatus
			r.RetryInfo = core.InitRetryInfo(true)
			confirmed = true
			return nil
		})

		return err
	})
	if err != nil {
		return err
	}

	if confirmed {
		s.notifier.Notify(core.Notification{Type: core.NotifyReserveConfirmed, ReservePub: reservePub})
	}

	return nil
}

// AcceptWithdrawal creates the reserve for a bank integrated withdrawal
// and registers it with the bank. Processing errors are kept on the
// reserve record.
func (s *Service) AcceptWithdrawal(ctx context.Context, statusURL, exchange string) (*core.CreateReserveResponse, error) {
	var status core.BankWithdrawStatus
	resp, err := s.client.Get(ctx, statusURL)
	if err := httpclient.Decode(resp, err, &status); err != nil {
		return nil, err
	}

	if exchange == "" {
		exchange = status.SuggestedExchange
	}

	if exchange == "" {
		return nil, errors.New("no exchange selected for the withdrawal")
	}

	e, err := s.exchanges.Update(ctx, exchange, false)
	if err != nil {
		return nil, err
	}

	var wire string
	if e.WireInfo != nil && len(e.WireInfo.Accounts) > 0 {
		wire = e.WireInfo.Accounts[0]
	}

	r, err := s.Create(ctx, &core.CreateReserveRequest{
		Amount:                status.Amount,
		Exchange:              e.BaseURL,
		ExchangeWire:          wire,
		SenderWire:            status.SenderWire,
		BankWithdrawStatusURL: statusURL,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Process(ctx, r.ReservePub, true); err != nil {
		s.logger.Warn("process accepted withdrawal", "reserve", r.ReservePub, "err", err)
	}

	return r, nil
}

// Process drives the reserve through its states until it waits for an
// external party or is dormant. Concurrent calls for the same reserve
// share one run.
func (s *Service) Process(ctx context.Context, reservePub string, forceNow bool) error {
	_, err := flight.Do(ctx, s.sf, reservePub, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.process(ctx, reservePub, forceNow)
	})

	return err
}

func (s *Service) process(ctx context.Context, reservePub string, forceNow bool) error {
	if forceNow {
		if err := s.resetRetry(ctx, reservePub); err != nil {
			return err
		}
	}

	for i := 0; i < maxSteps; i++ {
		r, err := s.Find(ctx, reservePub)
		if err != nil {
			return err
		}

		var step func(context.Context, *core.Reserve) (bool, error)
		switch r.Status {
		case core.ReserveStatusRegisteringBank:
			step = s.registerWithBank
		case core.ReserveStatusWaitConfirmBank:
			step = s.queryBank
		case core.ReserveStatusQueryingStatus:
			step = s.queryExchange
		case core.ReserveStatusWithdrawing:
			return s.deplete(ctx, r)
		case core.ReserveStatusUnconfirmed, core.ReserveStatusDormant:
			return nil
		default:
			return s.setError(ctx, reservePub, core.NewOperationError(core.OperationErrorBug, "reserve in unknown status", map[string]any{
				"status": int(r.Status),
			}))
		}

		more, err := step(ctx, r)
		if err != nil {
			s.logger.Error("reserve step", "reserve", reservePub, "status", r.Status, "err", err)
			return s.setError(ctx, reservePub, err)
		}

		if !more {
			return nil
		}
	}

	return nil
}

func (s *Service) resetRetry(ctx context.Context, reservePub string) error {
	return s.db.Update(ctx, scope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionReserves, reservePub, func(r *core.Reserve) error {
			if r.Status == core.ReserveStatusDormant {
				return store.ErrTxAbort
			}

			r.RetryInfo.Reset()
			return nil
		})

		return err
	})
}

// transition applies fn to the reserve when it is still in one of the
// given states. It reports whether fn ran.
func (s *Service) transition(ctx context.Context, reservePub string, states []core.ReserveStatus, fn func(r *core.Reserve)) (bool, error) {
	applied := false
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionReserves, reservePub, func(r *core.Reserve) error {
			for _, st := range states {
				if r.Status == st {
					fn(r)
					applied = true
					return nil
				}
			}

			return store.ErrTxAbort
		})

		return err
	})

	return applied, err
}

func (s *Service) registerWithBank(ctx context.Context, r *core.Reserve) (bool, error) {
	if r.BankWithdrawStatusURL == "" {
		return false, core.NewOperationError(core.OperationErrorBug, "bank reserve without status url", nil)
	}

	if !r.TimestampReserveInfoPosted.IsZero() {
		return false, errSelectionNotDone
	}

	selected := r.ExchangeWire
	if selected == "" {
		selected = r.ExchangeBaseURL
	}

	resp, err := s.client.PostJSON(ctx, r.BankWithdrawStatusURL, &core.BankSelectionRequest{
		ReservePub:       r.ReservePub,
		SelectedExchange: selected,
	})
	if err := httpclient.Decode(resp, err, nil); err != nil {
		return false, err
	}

	applied, err := s.transition(ctx, r.ReservePub, []core.ReserveStatus{
		core.ReserveStatusRegisteringBank,
		core.ReserveStatusWaitConfirmBank,
	}, func(r *core.Reserve) {
		r.TimestampReserveInfoPosted = time.Now()
		r.Status = core.ReserveStatusWaitConfirmBank
		r.LastError = nil
		r.RetryInfo = core.InitRetryInfo(true)
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.notifier.Notify(core.Notification{Type: core.NotifyReserveRegistered, ReservePub: r.ReservePub})
	}

	return applied, nil
}

func (s *Service) queryBank(ctx context.Context, r *core.Reserve) (bool, error) {
	var status core.BankWithdrawStatus
	resp, err := s.client.Get(ctx, r.BankWithdrawStatusURL)
	if err := httpclient.Decode(resp, err, &status); err != nil {
		return false, err
	}

	if !status.SelectionDone {
		return s.transition(ctx, r.ReservePub, []core.ReserveStatus{core.ReserveStatusWaitConfirmBank}, func(r *core.Reserve) {
			r.Status = core.ReserveStatusRegisteringBank
		})
	}

	if status.TransferDone {
		applied, err := s.transition(ctx, r.ReservePub, []core.ReserveStatus{core.ReserveStatusWaitConfirmBank}, func(r *core.Reserve) {
			r.TimestampConfirmed = time.Now()
			r.Status = core.ReserveStatusQueryingStatus
			r.LastError = nil
			r.RetryInfo = core.InitRetryInfo(true)
		})
		if applied {
			s.notifier.Notify(core.Notification{Type: core.NotifyReserveConfirmed, ReservePub: r.ReservePub})
		}

		return applied, err
	}

	_, err = s.transition(ctx, r.ReservePub, []core.ReserveStatus{core.ReserveStatusWaitConfirmBank}, func(r *core.Reserve) {
		r.BankWithdrawConfirmURL = status.ConfirmTransferURL
		r.RetryInfo.Increment()
	})

	return false, err
}

func (s *Service) queryExchange(ctx context.Context, r *core.Reserve) (bool, error) {
	u := httpclient.Join(r.ExchangeBaseURL, "reserve/status", url.Values{"reserve_pub": {r.ReservePub}})
	resp, err := s.client.Get(ctx, u)
	if err == nil && resp.Status == http.StatusNotFound {
		return false, core.WaitingError("the exchange does not know about this reserve (yet)", map[string]any{
			"reserve_pub": r.ReservePub,
		})
	}

	var status core.ReserveStatusResponse
	if err := httpclient.Decode(resp, err, &status); err != nil {
		return false, err
	}

	balance := status.Balance
	if balance.Currency != r.Currency() {
		return false, core.ProtocolError("reserve balance in unexpected currency", map[string]any{
			"reserve_pub": r.ReservePub,
			"balance":     balance.String(),
		})
	}

	var decreased *core.OperationError
	applied, err := s.transition(ctx, r.ReservePub, []core.ReserveStatus{core.ReserveStatusQueryingStatus}, func(r *core.Reserve) {
		r.LastError = nil
		if r.TimestampLastStatusQuery.IsZero() {
			r.WithdrawRemaining = balance
		} else {
			expected, _ := r.WithdrawRemaining.Add(r.WithdrawAllocated)
			expected, _ = expected.Sub(r.WithdrawCompleted)
			switch balance.Cmp(expected) {
			case 1:
				extra, _ := balance.Sub(expected)
				r.WithdrawRemaining, _ = r.WithdrawRemaining.Add(extra)
			case -1:
				decreased = core.WrapOperationError(core.OperationErrorInternal, core.ErrReserveBalanceDecreased, map[string]any{
					"expected": expected.String(),
					"balance":  balance.String(),
				})
				r.LastError = decreased
			}
		}

		r.ExchangeBalance = balance
		r.TimestampLastStatusQuery = time.Now()
		r.Status = core.ReserveStatusWithdrawing
		r.RetryInfo = core.InitRetryInfo(true)
	})
	if err != nil {
		return false, err
	}

	if decreased != nil {
		s.logger.Warn("reserve balance decreased", "reserve", r.ReservePub, "details", decreased.Details)
		s.notifier.Notify(core.Notification{Type: core.NotifyReserveOperationError, ReservePub: r.ReservePub, Error: decreased})
	}

	if applied {
		s.notifier.Notify(core.Notification{Type: core.NotifyReserveUpdated, ReservePub: r.ReservePub})
	}

	return applied, nil
}

// deplete allocates the remaining reserve balance to a new withdrawal
// group and hands the group to the withdraw service.
func (s *Service) deplete(ctx context.Context, r *core.Reserve) error {
	denoms, err := s.exchanges.SelectWithdrawDenoms(ctx, r.ExchangeBaseURL, r.WithdrawRemaining)
	if err != nil {
		return s.setError(ctx, r.ReservePub, err)
	}

	if len(denoms) == 0 {
		return s.depleteDust(ctx, r)
	}

	currency := r.Currency()
	total := core.ZeroAmount(currency)
	fees := core.ZeroAmount(currency)
	g := &core.WithdrawalGroup{
		WithdrawalGroupID: uuid.New().String(),
		Source: core.WithdrawalSource{
			Type:       core.WithdrawalSourceReserve,
			ReservePub: r.ReservePub,
		},
		ExchangeBaseURL:     r.ExchangeBaseURL,
		RawWithdrawalAmount: r.WithdrawRemaining,
		TimestampStart:      time.Now(),
		RetryInfo:           core.InitRetryInfo(true),
	}

	for _, d := range denoms {
		g.Denoms = append(g.Denoms, d.DenomPubHash)
		g.Withdrawn = append(g.Withdrawn, false)
		total, _ = total.Add(d.Value)
		fees, _ = fees.Add(d.FeeWithdraw)
	}

	g.TotalCoinValue = total
	cost, _ := total.Add(fees)

	created := false
	err = s.db.Update(ctx, withdrawScope, func(tx core.Tx) error {
		rec, err := store.Get[core.Reserve](tx, core.CollectionReserves, r.ReservePub)
		if err != nil {
			return err
		}

		if rec.Status != core.ReserveStatusWithdrawing {
			return store.ErrTxAbort
		}

		remaining, saturated := rec.WithdrawRemaining.Sub(cost)
		if saturated {
			s.logger.Error("reserve allocation saturated", "reserve", r.ReservePub, "remaining", rec.WithdrawRemaining, "cost", cost)
			return core.NewOperationError(core.OperationErrorInternal, "reserve allocation saturated", map[string]any{
				"withdraw_remaining": rec.WithdrawRemaining.String(),
				"cost":               cost.String(),
			})
		}

		allocated, saturated := rec.WithdrawAllocated.Add(cost)
		if saturated {
			s.logger.Error("reserve allocation saturated", "reserve", r.ReservePub, "allocated", rec.WithdrawAllocated, "cost", cost)
			return core.NewOperationError(core.OperationErrorInternal, "reserve allocation saturated", map[string]any{
				"withdraw_allocated": rec.WithdrawAllocated.String(),
				"cost":               cost.String(),
			})
		}

		rec.WithdrawRemaining = remaining
		rec.WithdrawAllocated = allocated
		rec.Status = core.ReserveStatusDormant
		rec.RetryInfo = core.InitRetryInfo(false)
		if err := store.Put(tx, core.CollectionReserves, rec.ReservePub, rec); err != nil {
			return err
		}

		created = true
		return store.Add(tx, core.CollectionWithdrawalGroups, g.WithdrawalGroupID, g)
	})
	if err != nil {
		return s.setError(ctx, r.ReservePub, err)
	}

	if !created {
		return nil
	}

	s.logger.Info("withdrawal group created", "reserve", r.ReservePub, "group", g.WithdrawalGroupID, "coins", len(denoms), "value", total)
	s.notifier.Notify(core.Notification{
		Type:              core.NotifyWithdrawGroupCreated,
		ReservePub:        r.ReservePub,
		WithdrawalGroupID: g.WithdrawalGroupID,
	})

	return s.withdraw.ProcessGroup(ctx, g.WithdrawalGroupID, false)
}

// depleteDust handles a remaining balance that buys no coin. With no
// withdrawable denomination at all this is an error, otherwise the
// reserve is done.
func (s *Service) depleteDust(ctx context.Context, r *core.Reserve) error {
	all, err := s.exchanges.ListDenominations(ctx, r.ExchangeBaseURL)
	if err != nil {
		return s.setError(ctx, r.ReservePub, err)
	}

	now := time.Now()
	withdrawable := false
	for _, d := range all {
		if d.IsWithdrawable(now) && d.Value.Currency == r.Currency() {
			withdrawable = true
			break
		}
	}

	if !withdrawable {
		return s.setError(ctx, r.ReservePub, core.ErrNoDenominations)
	}

	applied, err := s.transition(ctx, r.ReservePub, []core.ReserveStatus{core.ReserveStatusWithdrawing}, func(r *core.Reserve) {
		r.Status = core.ReserveStatusDormant
		r.RetryInfo = core.InitRetryInfo(false)
		r.LastError = nil
	})
	if err != nil {
		return s.setError(ctx, r.ReservePub, err)
	}

	if applied {
		s.notifier.Notify(core.Notification{Type: core.NotifyReserveDepleted, ReservePub: r.ReservePub})
	}

	return nil
}

func (s *Service) setError(ctx context.Context, reservePub string, cause error) error {
	opErr := core.AsOperationError(cause)
	err := s.db.Update(ctx, scope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionReserves, reservePub, func(r *core.Reserve) error {
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
		Type:       core.NotifyReserveOperationError,
		ReservePub: reservePub,
		Error:      opErr,
	})

	return opErr
}
