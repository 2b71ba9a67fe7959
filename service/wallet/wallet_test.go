package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/testenv"
	"github.com/pandodao/ecash-wallet/service/balance"
	"github.com/pandodao/ecash-wallet/service/exchange"
	"github.com/pandodao/ecash-wallet/service/pay"
	"github.com/pandodao/ecash-wallet/service/pending"
	"github.com/pandodao/ecash-wallet/service/refresh"
	"github.com/pandodao/ecash-wallet/service/reserve"
	"github.com/pandodao/ecash-wallet/service/tip"
	"github.com/pandodao/ecash-wallet/service/withdraw"
	"github.com/pandodao/ecash-wallet/store/property"
	"github.com/pandodao/ecash-wallet/worker/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	wallet    *Wallet
	scheduler *scheduler.Scheduler
	ex        *testenv.Exchange
	bank      *testenv.Bank
	merchant  *testenv.Merchant
}

func newEnv(t *testing.T) *env {
	t.Helper()

	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS",
		testenv.DenomSpec{Value: "KUDOS:5", FeeDeposit: "KUDOS:0.01"},
		testenv.DenomSpec{Value: "KUDOS:2", FeeDeposit: "KUDOS:0.01"},
		testenv.DenomSpec{Value: "KUDOS:1", FeeDeposit: "KUDOS:0.01"},
	)

	exchanges := exchange.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger, exchange.Config{UpdateInterval: time.Hour})
	w := withdraw.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger)
	refreshes := refresh.New(deps.DB, deps.Client, deps.Worker, exchanges, deps.Notifier, deps.Logger)
	pendings := pending.New(deps.DB, deps.Logger)

	wallet := New(deps.DB, property.New(deps.DB), Services{
		Exchanges: exchanges,
		Reserves:  reserve.New(deps.DB, deps.Client, deps.Crypto, exchanges, w, deps.Notifier, deps.Logger),
		Withdraw:  w,
		Refresh:   refreshes,
		Pay:       pay.New(deps.DB, deps.Client, deps.Crypto, deps.Worker, refreshes, deps.Notifier, deps.Logger),
		Tips:      tip.New(deps.DB, deps.Client, deps.Worker, exchanges, w, deps.Notifier, deps.Logger),
		Balance:   balance.New(deps.DB, deps.Logger),
		Pending:   pendings,
	}, deps.Logger, Config{
		Currency:         "KUDOS",
		FractionalDigits: 2,
		DefaultExchanges: []string{ex.URL},
	})

	bank := testenv.NewBank(t, ex)
	bank.AutoConfirm = true

	return &env{
		wallet:    wallet,
		scheduler: scheduler.New(pendings, wallet, deps.Notifier, nil, deps.Logger, scheduler.Config{DefaultWait: time.Second}),
		ex:        ex,
		bank:      bank,
		merchant:  testenv.NewMerchant(t, ex),
	}
}

func (e *env) available(t *testing.T) string {
	t.Helper()

	b, err := e.wallet.GetBalances(context.Background())
	require.NoError(t, err)
	require.Contains(t, b.ByCurrency, "KUDOS")
	return b.ByCurrency["KUDOS"].Available.String()
}

func (e *env) liveness(t *testing.T) int {
	t.Helper()

	p, err := e.wallet.GetPending(context.Background())
	require.NoError(t, err)
	_, n := p.Counts()
	return n
}

func TestFillDefaults(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.wallet.FillDefaults(ctx))
	require.NoError(t, e.wallet.FillDefaults(ctx))

	records, err := e.wallet.Currencies(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "KUDOS", records[0].Name)
	require.Len(t, records[0].Exchanges, 1)
	assert.Equal(t, e.ex.BaseURL(), records[0].Exchanges[0].URL)
}

func TestWallet(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	statusURL := e.bank.NewWithdrawal(core.MustParseAmount("KUDOS:10"))
	_, err := e.wallet.AcceptWithdrawal(ctx, statusURL, "")
	require.NoError(t, err)
	assert.Equal(t, "KUDOS:10", e.available(t))

	e.merchant.AddOrder("o1", core.MustParseAmount("KUDOS:3"), core.MustParseAmount("KUDOS:0.05"))
	res, err := e.wallet.PreparePay(ctx, e.merchant.URL, "o1")
	require.NoError(t, err)
	require.Equal(t, core.PreparePayPossible, res.Status)

	e.merchant.Fail("/pay", 502, 1)
	_, err = e.wallet.ConfirmPay(ctx, res.ProposalID)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, 1, e.liveness(t))

	require.NoError(t, e.wallet.RetryPendingNow(ctx))
	assert.True(t, e.merchant.Paid("o1"))

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, e.scheduler.RunUntilDone(ctx))

	assert.Equal(t, "KUDOS:7", e.available(t))
	assert.Equal(t, 0, e.liveness(t))

	paid, err := e.wallet.PreparePay(ctx, e.merchant.URL, "o1")
	require.NoError(t, err)
	assert.Equal(t, core.PreparePayPaid, paid.Status)

	e.merchant.AddTip("thanks", core.MustParseAmount("KUDOS:1"))
	status, err := e.wallet.PrepareTip(ctx, e.merchant.URL, "thanks")
	require.NoError(t, err)
	require.NoError(t, e.wallet.AcceptTip(ctx, status.TipID))
	assert.Equal(t, "KUDOS:8", e.available(t))
}

func TestRunUntilDoneWithNothingPending(t *testing.T) {
	e := newEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.scheduler.RunUntilDone(ctx))
}

func TestProcessBug(t *testing.T) {
	e := newEnv(t)

	err := e.wallet.Process(context.Background(), &core.PendingBug{
		PendingBase: core.PendingBase{Type: core.PendingTypeBug},
		Message:     "broken record",
	}, false)
	assert.NoError(t, err)
}
