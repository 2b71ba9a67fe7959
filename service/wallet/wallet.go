package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/asaskevich/govalidator"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

var currencyScope = []core.Collection{core.CollectionCurrencies}

type Config struct {
	Currency         string `valid:"required"`
	FractionalDigits int
	DefaultExchanges []string
}

type Services struct {
	Exchanges core.ExchangeService
	Reserves  core.ReserveService
	Withdraw  core.WithdrawService
	Refresh   core.RefreshService
	Pay       core.PayService
	Tips      core.TipService
	Balance   core.BalanceService
	Pending   core.PendingService
}

func New(
	db core.Database,
	properties core.PropertyStore,
	services Services,
	logger *slog.Logger,
	cfg Config,
) *Wallet {
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		panic(err)
	}

	return &Wallet{
		db:         db,
		properties: properties,
		Services:   services,
		logger:     logger.With("service", "wallet"),
		cfg:        cfg,
	}
}

// Wallet ties the state machines together behind the user actions.
type Wallet struct {
	Services

	db         core.Database
	properties core.PropertyStore
	logger     *slog.Logger
	cfg        Config
}

// FillDefaults writes the configured currency and its exchanges once.
func (w *Wallet) FillDefaults(ctx context.Context) error {
	var applied bool
	if err := w.properties.Get(ctx, core.PropertyCurrencyDefaultsApplied, &applied); err != nil {
		return err
	}

	if applied {
		return nil
	}

	rec := &core.CurrencyRecord{
		Name:             w.cfg.Currency,
		FractionalDigits: w.cfg.FractionalDigits,
	}

	for _, u := range w.cfg.DefaultExchanges {
		rec.Exchanges = append(rec.Exchanges, core.ExchangeHandle{URL: core.CanonicalizeBaseURL(u)})
	}

	err := w.db.Update(ctx, currencyScope, func(tx core.Tx) error {
		return store.Put(tx, core.CollectionCurrencies, rec.Name, rec)
	})
	if err != nil {
		w.logger.Error("db.Update", "err", err)
		return err
	}

	w.logger.Info("currency defaults applied", "currency", rec.Name, "exchanges", len(rec.Exchanges))
	return w.properties.Set(ctx, core.PropertyCurrencyDefaultsApplied, true)
}

func (w *Wallet) Currencies(ctx context.Context) ([]*core.CurrencyRecord, error) {
	var records []*core.CurrencyRecord
	err := w.db.View(ctx, currencyScope, func(tx core.Tx) (err error) {
		records, err = store.List[core.CurrencyRecord](tx, core.CollectionCurrencies, core.IterOptions{})
		return err
	})

	return records, err
}

func (w *Wallet) GetBalances(ctx context.Context) (*core.Balances, error) {
	return w.Balance.GetBalances(ctx)
}

func (w *Wallet) GetPending(ctx context.Context) (*core.PendingOperations, error) {
	return w.Pending.Gather(ctx, false)
}

func (w *Wallet) UpdateExchange(ctx context.Context, baseURL string, force bool) (*core.Exchange, error) {
	return w.Exchanges.Update(ctx, baseURL, force)
}

func (w *Wallet) CreateReserve(ctx context.Context, req *core.CreateReserveRequest) (*core.CreateReserveResponse, error) {
	return w.Reserves.Create(ctx, req)
}

func (w *Wallet) ConfirmReserve(ctx context.Context, reservePub string) error {
	return w.Reserves.Confirm(ctx, reservePub)
}

func (w *Wallet) AcceptWithdrawal(ctx context.Context, statusURL, exchange string) (*core.CreateReserveResponse, error) {
	return w.Reserves.AcceptWithdrawal(ctx, statusURL, exchange)
}

func (w *Wallet) PreparePay(ctx context.Context, merchantBaseURL, orderID string) (*core.PreparePayResult, error) {
	return w.Pay.PreparePay(ctx, merchantBaseURL, orderID)
}

func (w *Wallet) ConfirmPay(ctx context.Context, proposalID string) (*core.ConfirmPayResult, error) {
	return w.Pay.ConfirmPay(ctx, proposalID)
}

func (w *Wallet) RefuseProposal(ctx context.Context, proposalID string) error {
	return w.Pay.RefuseProposal(ctx, proposalID)
}

func (w *Wallet) RequestRefund(ctx context.Context, proposalID string) error {
	return w.Pay.RequestRefund(ctx, proposalID)
}

func (w *Wallet) PrepareTip(ctx context.Context, merchantBaseURL, merchantTipID string) (*core.TipStatus, error) {
	return w.Tips.PrepareTip(ctx, merchantBaseURL, merchantTipID)
}

func (w *Wallet) AcceptTip(ctx context.Context, tipID string) error {
	return w.Tips.AcceptTip(ctx, tipID)
}

// Process runs one pending operation through its state machine. Choices
// wait for the user and bugs are only logged.
func (w *Wallet) Process(ctx context.Context, op core.PendingOperation, forceNow bool) error {
	switch op := op.(type) {
	case *core.PendingBug:
		w.logger.Warn("pending bug", "message", op.Message, "details", op.Details)
		return nil
	case *core.PendingExchangeUpdate:
		_, err := w.Exchanges.Update(ctx, op.ExchangeBaseURL, forceNow)
		return err
	case *core.PendingReserve:
		return w.Reserves.Process(ctx, op.ReservePub, forceNow)
	case *core.PendingWithdraw:
		return w.Withdraw.ProcessGroup(ctx, op.WithdrawalGroupID, forceNow)
	case *core.PendingRefresh:
		return w.Refresh.ProcessGroup(ctx, op.RefreshGroupID, forceNow)
	case *core.PendingProposalChoice, *core.PendingTipChoice:
		return nil
	case *core.PendingProposalDownload:
		return w.Pay.ProcessDownloadProposal(ctx, op.ProposalID, forceNow)
	case *core.PendingPay:
		return w.Pay.ProcessPurchasePay(ctx, op.ProposalID, forceNow)
	case *core.PendingRefundQuery:
		return w.Pay.ProcessPurchaseQueryRefund(ctx, op.ProposalID, forceNow)
	case *core.PendingTipPickup:
		return w.Tips.ProcessTip(ctx, op.TipID, forceNow)
	default:
		return fmt.Errorf("unknown pending operation %q", op.Kind())
	}
}

func (w *Wallet) RetryPendingNow(ctx context.Context) error {
	pending, err := w.Pending.Gather(ctx, false)
	if err != nil {
		return err
	}

	for _, op := range pending.Operations {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := w.Process(ctx, op, true); err != nil {
			w.logger.Warn("retry pending operation", "type", op.Kind(), "err", err)
		}
	}

	return nil
}
