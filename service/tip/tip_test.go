package tip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/testenv"
	"github.com/pandodao/ecash-wallet/service/exchange"
	"github.com/pandodao/ecash-wallet/service/withdraw"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	tips     *Service
	withdraw *withdraw.Service
	merchant *testenv.Merchant
	deps     *testenv.Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()

	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS",
		testenv.DenomSpec{Value: "KUDOS:2", FeeWithdraw: "KUDOS:0.01"},
		testenv.DenomSpec{Value: "KUDOS:1", FeeWithdraw: "KUDOS:0.01"},
	)

	exchanges := exchange.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger, exchange.Config{UpdateInterval: time.Hour})
	w := withdraw.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger)
	return &env{
		tips:     New(deps.DB, deps.Client, deps.Worker, exchanges, w, deps.Notifier, deps.Logger),
		withdraw: w,
		merchant: testenv.NewMerchant(t, ex),
		deps:     deps,
	}
}

func TestTip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.merchant.AddTip("thanks-1", core.MustParseAmount("KUDOS:3.02"))

	status, err := e.tips.PrepareTip(ctx, e.merchant.URL, "thanks-1")
	require.NoError(t, err)
	assert.Equal(t, TipID(e.merchant.BaseURL(), "thanks-1"), status.TipID)
	assert.False(t, status.Accepted)
	assert.Equal(t, "KUDOS:3.02", status.Amount.String())
	assert.Equal(t, "KUDOS:0.02", status.TotalFees.String())
	assert.NotEmpty(t, status.NextURL)

	tip, err := e.tips.Find(ctx, status.TipID)
	require.NoError(t, err)
	assert.Len(t, tip.Planchets, 2)

	// preparing again keeps the stored planchets
	again, err := e.tips.PrepareTip(ctx, e.merchant.URL, "thanks-1")
	require.NoError(t, err)
	assert.Equal(t, status.TipID, again.TipID)
	stored, err := e.tips.Find(ctx, status.TipID)
	require.NoError(t, err)
	assert.Equal(t, tip.Planchets, stored.Planchets)

	// nothing is picked up before the user accepts
	require.NoError(t, e.tips.ProcessTip(ctx, status.TipID, true))
	assert.Equal(t, 2, e.merchant.Requests("/tip-pickup"))

	require.NoError(t, e.tips.AcceptTip(ctx, status.TipID))

	tip, err = e.tips.Find(ctx, status.TipID)
	require.NoError(t, err)
	assert.True(t, tip.PickedUp)
	assert.False(t, tip.RetryInfo.Active)
	require.NotEmpty(t, tip.WithdrawalGroupID)

	g, err := e.withdraw.Find(ctx, tip.WithdrawalGroupID)
	require.NoError(t, err)
	assert.True(t, g.Finished())
	assert.Equal(t, core.WithdrawalSourceTip, g.Source.Type)

	coins, err := e.withdraw.Coins(ctx, tip.WithdrawalGroupID)
	require.NoError(t, err)
	require.Len(t, coins, 2)
	assert.Equal(t, "KUDOS:2", coins[0].CurrentAmount.String())
	assert.Equal(t, "KUDOS:1", coins[1].CurrentAmount.String())
	for _, c := range coins {
		assert.Equal(t, core.CoinSourceTip, c.Source.Type)
	}

	// accepting twice withdraws nothing new
	require.NoError(t, e.tips.AcceptTip(ctx, status.TipID))
	coins, err = e.withdraw.Coins(ctx, tip.WithdrawalGroupID)
	require.NoError(t, err)
	assert.Len(t, coins, 2)

	require.Eventually(t, func() bool {
		return e.deps.Events.Has(core.NotifyTipPickedUp) && e.deps.Events.Has(core.NotifyWithdrawGroupFinished)
	}, time.Second, 5*time.Millisecond)
}

func TestTipExpired(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.merchant.AddTip("late", core.MustParseAmount("KUDOS:1.01"))

	status, err := e.tips.PrepareTip(ctx, e.merchant.URL, "late")
	require.NoError(t, err)

	e.tips.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	err = e.tips.AcceptTip(ctx, status.TipID)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, core.OperationErrorProtocol, opErr.Type)

	tip, err := e.tips.Find(ctx, status.TipID)
	require.NoError(t, err)
	assert.False(t, tip.PickedUp)
	assert.False(t, tip.RetryInfo.Active)
	require.NotNil(t, tip.LastError)

	var groups []*core.WithdrawalGroup
	err = e.deps.DB.View(ctx, pickupScope, func(tx core.Tx) (err error) {
		groups, err = store.List[core.WithdrawalGroup](tx, core.CollectionWithdrawalGroups, core.IterOptions{})
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestPrepareUnknownTip(t *testing.T) {
	e := newEnv(t)

	_, err := e.tips.PrepareTip(context.Background(), e.merchant.URL, "nope")
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, core.OperationErrorProtocol, opErr.Type)
}
