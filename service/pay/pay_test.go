package pay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/testenv"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
	"github.com/pandodao/ecash-wallet/service/exchange"
	"github.com/pandodao/ecash-wallet/service/refresh"
	"github.com/pandodao/ecash-wallet/service/reserve"
	"github.com/pandodao/ecash-wallet/service/withdraw"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(value, fee string) cryptoworker.CoinWithDenom {
	v := core.MustParseAmount(value)
	return cryptoworker.CoinWithDenom{
		Coin:  &core.Coin{CurrentAmount: v, Status: core.CoinStatusFresh},
		Denom: &core.Denomination{Value: v, FeeDeposit: core.MustParseAmount(fee)},
	}
}

func TestSelectPayCoins(t *testing.T) {
	tests := []struct {
		name       string
		candidates []cryptoworker.CoinWithDenom
		target     string
		feeCap     string
		ok         bool
		selected   int
		fees       string
	}{
		{
			name:       "fees within cap",
			candidates: []cryptoworker.CoinWithDenom{candidate("EUR:1", "EUR:0.1"), candidate("EUR:1", "EUR:0")},
			target:     "EUR:2",
			feeCap:     "EUR:0.1",
			ok:         true,
			selected:   2,
			fees:       "EUR:0.1",
		},
		{
			name:       "fees exceed cap",
			candidates: []cryptoworker.CoinWithDenom{candidate("EUR:1", "EUR:0.5"), candidate("EUR:1", "EUR:0.5")},
			target:     "EUR:2",
			feeCap:     "EUR:0.2",
		},
		{
			name:       "cheapest first",
			candidates: []cryptoworker.CoinWithDenom{candidate("EUR:5", "EUR:0.2"), candidate("EUR:5", "EUR:0.01")},
			target:     "EUR:3",
			feeCap:     "EUR:0.5",
			ok:         true,
			selected:   1,
			fees:       "EUR:0.01",
		},
		{
			name:       "coins not worth spending",
			candidates: []cryptoworker.CoinWithDenom{candidate("EUR:0.1", "EUR:0.1"), candidate("EUR:1", "EUR:0")},
			target:     "EUR:1.1",
			feeCap:     "EUR:1",
		},
		{
			name:   "no coins",
			target: "EUR:1",
			feeCap: "EUR:1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, ok := SelectPayCoins(tt.candidates, core.MustParseAmount(tt.target), core.MustParseAmount(tt.feeCap))
			require.Equal(t, tt.ok, ok)
			if !ok {
				assert.Nil(t, sel)
				return
			}

			assert.Len(t, sel.Coins, tt.selected)
			assert.Equal(t, tt.fees, sel.DepositFees.String())
			assert.GreaterOrEqual(t, sel.Total.Cmp(core.MustParseAmount(tt.target)), 0)
		})
	}
}

type env struct {
	pay      *Service
	ex       *testenv.Exchange
	merchant *testenv.Merchant
	deps     *testenv.Deps
}

// newEnv funds the wallet with coins worth 10.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS",
		testenv.DenomSpec{Value: "KUDOS:5", FeeDeposit: "KUDOS:0.01"},
		testenv.DenomSpec{Value: "KUDOS:2", FeeDeposit: "KUDOS:0.01"},
		testenv.DenomSpec{Value: "KUDOS:1", FeeDeposit: "KUDOS:0.01"},
	)

	exchanges := exchange.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger, exchange.Config{UpdateInterval: time.Hour})
	w := withdraw.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger)
	reserves := reserve.New(deps.DB, deps.Client, deps.Crypto, exchanges, w, deps.Notifier, deps.Logger)
	refreshes := refresh.New(deps.DB, deps.Client, deps.Worker, exchanges, deps.Notifier, deps.Logger)

	amount := core.MustParseAmount("KUDOS:10")
	resp, err := reserves.Create(ctx, &core.CreateReserveRequest{Amount: amount, Exchange: ex.URL})
	require.NoError(t, err)
	ex.Credit(resp.ReservePub, amount)
	require.NoError(t, reserves.Confirm(ctx, resp.ReservePub))
	require.NoError(t, reserves.Process(ctx, resp.ReservePub, false))

	return &env{
		pay:      New(deps.DB, deps.Client, deps.Crypto, deps.Worker, refreshes, deps.Notifier, deps.Logger),
		ex:       ex,
		merchant: testenv.NewMerchant(t, ex),
		deps:     deps,
	}
}

func (e *env) coins(t *testing.T) []*core.Coin {
	t.Helper()

	var coins []*core.Coin
	err := e.deps.DB.View(context.Background(), []core.Collection{core.CollectionCoins}, func(tx core.Tx) (err error) {
		coins, err = store.List[core.Coin](tx, core.CollectionCoins, core.IterOptions{})
		return err
	})
	require.NoError(t, err)
	return coins
}

func (e *env) coin(t *testing.T, pub string) *core.Coin {
	t.Helper()

	for _, c := range e.coins(t) {
		if c.CoinPub == pub {
			return c
		}
	}

	t.Fatalf("coin %s not found", pub)
	return nil
}

// spendable sums the value of fresh coins.
func (e *env) spendable(t *testing.T) core.Amount {
	t.Helper()

	total := core.ZeroAmount("KUDOS")
	for _, c := range e.coins(t) {
		if c.Status == core.CoinStatusFresh {
			total, _ = total.Add(c.CurrentAmount)
		}
	}

	return total
}

func (e *env) buy(t *testing.T, orderID, amount string) string {
	t.Helper()
	ctx := context.Background()

	e.merchant.AddOrder(orderID, core.MustParseAmount(amount), core.MustParseAmount("KUDOS:0.05"))
	res, err := e.pay.PreparePay(ctx, e.merchant.URL, orderID)
	require.NoError(t, err)
	require.Equal(t, core.PreparePayPossible, res.Status)

	_, err = e.pay.ConfirmPay(ctx, res.ProposalID)
	require.NoError(t, err)
	return res.ProposalID
}

func TestPay(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.merchant.AddOrder("o1", core.MustParseAmount("KUDOS:3"), core.MustParseAmount("KUDOS:0.05"))

	res, err := e.pay.PreparePay(ctx, e.merchant.URL, "o1")
	require.NoError(t, err)
	assert.Equal(t, core.PreparePayPossible, res.Status)
	require.NotNil(t, res.ContractTerms)
	assert.Equal(t, "KUDOS:3", res.ContractTerms.Amount.String())
	require.NotNil(t, res.TotalFees)

	// the order is claimed once
	again, err := e.pay.PreparePay(ctx, e.merchant.URL, "o1")
	require.NoError(t, err)
	assert.Equal(t, res.ProposalID, again.ProposalID)
	assert.Equal(t, 1, e.merchant.Requests("/proposal"))

	confirmed, err := e.pay.ConfirmPay(ctx, res.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, res.ContractTerms.FulfillmentURL, confirmed.FulfillmentURL)
	assert.True(t, e.merchant.Paid("o1"))

	p, err := e.pay.FindPurchase(ctx, res.ProposalID)
	require.NoError(t, err)
	assert.False(t, p.PaymentSubmitPending)
	assert.False(t, p.TimestampFirstSuccessfulPay.IsZero())
	assert.Equal(t, "KUDOS:3", p.TotalPayCost.String())
	assert.NotEmpty(t, p.PayReq.Coins)

	// spent coins never go below zero and leftovers end up in fresh coins
	for _, c := range e.coins(t) {
		assert.GreaterOrEqual(t, c.CurrentAmount.Cmp(core.ZeroAmount("KUDOS")), 0)
	}
	assert.Equal(t, "KUDOS:7", e.spendable(t).String())

	paid, err := e.pay.PreparePay(ctx, e.merchant.URL, "o1")
	require.NoError(t, err)
	assert.Equal(t, core.PreparePayPaid, paid.Status)

	require.Eventually(t, func() bool {
		return e.deps.Events.Has(core.NotifyProposalDownloaded) &&
			e.deps.Events.Has(core.NotifyProposalAccepted) &&
			e.deps.Events.Has(core.NotifyPaymentSubmitted)
	}, time.Second, 5*time.Millisecond)
}

func TestPayInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.merchant.AddOrder("big", core.MustParseAmount("KUDOS:20"), core.MustParseAmount("KUDOS:0.05"))

	res, err := e.pay.PreparePay(ctx, e.merchant.URL, "big")
	require.NoError(t, err)
	assert.Equal(t, core.PreparePayInsufficient, res.Status)

	_, err = e.pay.ConfirmPay(ctx, res.ProposalID)
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)
	assert.Equal(t, "KUDOS:10", e.spendable(t).String())
}

func TestConfirmPayConcurrent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var ids []string
	for _, orderID := range []string{"a", "b"} {
		e.merchant.AddOrder(orderID, core.MustParseAmount("KUDOS:6"), core.MustParseAmount("KUDOS:0.05"))
		res, err := e.pay.PreparePay(ctx, e.merchant.URL, orderID)
		require.NoError(t, err)
		require.Equal(t, core.PreparePayPossible, res.Status)
		ids = append(ids, res.ProposalID)
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = e.pay.ConfirmPay(ctx, id)
		}(i, id)
	}
	wg.Wait()

	var paid, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			paid++
		case errors.Is(err, core.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, paid)
	assert.Equal(t, 1, insufficient)
	assert.NotEqual(t, e.merchant.Paid("a"), e.merchant.Paid("b"))

	for _, c := range e.coins(t) {
		assert.GreaterOrEqual(t, c.CurrentAmount.Cmp(core.ZeroAmount("KUDOS")), 0)
	}
	assert.Equal(t, "KUDOS:4", e.spendable(t).String())
}

func TestRefuseProposal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.merchant.AddOrder("o1", core.MustParseAmount("KUDOS:1"), core.MustParseAmount("KUDOS:0.05"))

	res, err := e.pay.PreparePay(ctx, e.merchant.URL, "o1")
	require.NoError(t, err)
	require.NoError(t, e.pay.RefuseProposal(ctx, res.ProposalID))

	_, err = e.pay.ConfirmPay(ctx, res.ProposalID)
	assert.ErrorIs(t, err, core.ErrProposalRefused)
	assert.Error(t, e.pay.RefuseProposal(ctx, res.ProposalID))
	assert.False(t, e.merchant.Paid("o1"))
}

func TestPayRetriesSubmission(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.merchant.AddOrder("o1", core.MustParseAmount("KUDOS:2"), core.MustParseAmount("KUDOS:0.05"))

	res, err := e.pay.PreparePay(ctx, e.merchant.URL, "o1")
	require.NoError(t, err)

	e.merchant.Fail("/pay", 502, 1)
	_, err = e.pay.ConfirmPay(ctx, res.ProposalID)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, core.OperationErrorNetwork, opErr.Type)

	p, err := e.pay.FindPurchase(ctx, res.ProposalID)
	require.NoError(t, err)
	assert.True(t, p.PaymentSubmitPending)
	require.NotNil(t, p.LastPayError)
	assert.Equal(t, 1, p.PayRetryInfo.RetryCounter)

	// coins stay debited while the submission is pending
	assert.Equal(t, "KUDOS:8", e.spendable(t).String())

	require.NoError(t, e.pay.ProcessPurchasePay(ctx, res.ProposalID, true))
	assert.True(t, e.merchant.Paid("o1"))

	p, err = e.pay.FindPurchase(ctx, res.ProposalID)
	require.NoError(t, err)
	assert.False(t, p.PaymentSubmitPending)
	assert.Nil(t, p.LastPayError)
	assert.False(t, p.PayRetryInfo.Active)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	proposalID := e.buy(t, "o1", "KUDOS:3")

	p, err := e.pay.FindPurchase(ctx, proposalID)
	require.NoError(t, err)

	var perm core.CoinDepositPermission
	for _, c := range p.PayReq.Coins {
		if c.Contribution.Cmp(core.MustParseAmount("KUDOS:1")) >= 0 {
			perm = c
			break
		}
	}
	require.NotEmpty(t, perm.CoinPub)

	require.NoError(t, e.merchant.Refund("o1", perm.CoinPub, core.MustParseAmount("KUDOS:0.95"), core.MustParseAmount("KUDOS:0.05")))
	require.NoError(t, e.pay.RequestRefund(ctx, proposalID))

	p, err = e.pay.FindPurchase(ctx, proposalID)
	require.NoError(t, err)
	assert.Len(t, p.RefundsDone, 1)
	assert.False(t, p.RefundStatusRequested)

	// too small to refresh into any denomination, so it stays spendable
	c := e.coin(t, perm.CoinPub)
	assert.Equal(t, core.CoinStatusFresh, c.Status)
	assert.Equal(t, "KUDOS:0.9", c.CurrentAmount.String())

	// applying the same refund twice is a no-op
	require.NoError(t, e.pay.RequestRefund(ctx, proposalID))
	assert.Equal(t, "KUDOS:0.9", e.coin(t, perm.CoinPub).CurrentAmount.String())

	require.Eventually(t, func() bool {
		return e.deps.Events.Has(core.NotifyRefundApplied)
	}, time.Second, 5*time.Millisecond)
}

func TestRefundQueryRetries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	proposalID := e.buy(t, "o1", "KUDOS:1")

	e.merchant.Fail("/refund", 500, 1)
	err := e.pay.RequestRefund(ctx, proposalID)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))

	p, err := e.pay.FindPurchase(ctx, proposalID)
	require.NoError(t, err)
	assert.True(t, p.RefundStatusRequested)
	require.NotNil(t, p.LastRefundStatusError)

	require.NoError(t, e.pay.ProcessPurchaseQueryRefund(ctx, proposalID, true))
	p, err = e.pay.FindPurchase(ctx, proposalID)
	require.NoError(t, err)
	assert.Empty(t, p.RefundsDone)
	assert.False(t, p.RefundStatusRequested)
}
