package balance

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/pandodao/ecash-wallet/store/memdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBalances(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()

	amount := core.MustParseAmount
	err := db.Update(ctx, scope, func(tx core.Tx) error {
		coins := []*core.Coin{
			{CoinPub: "c1", ExchangeBaseURL: "https://a.test/", CurrentAmount: amount("KUDOS:5"), Status: core.CoinStatusFresh},
			{CoinPub: "c2", ExchangeBaseURL: "https://b.test/", CurrentAmount: amount("KUDOS:0.5"), Status: core.CoinStatusFresh},
			{CoinPub: "c3", ExchangeBaseURL: "https://a.test/", CurrentAmount: amount("KUDOS:2"), Status: core.CoinStatusDormant},
			{CoinPub: "c4", ExchangeBaseURL: "https://c.test/", CurrentAmount: amount("EUR:1"), Status: core.CoinStatusFresh},
		}
		for _, c := range coins {
			if err := store.Put(tx, core.CollectionCoins, c.CoinPub, c); err != nil {
				return err
			}
		}

		reserves := []*core.Reserve{
			{
				ReservePub:         "r1",
				Status:             core.ReserveStatusWaitConfirmBank,
				InitiallyRequested: amount("KUDOS:10"),
				WithdrawAllocated:  amount("KUDOS:0"),
				WithdrawRemaining:  amount("KUDOS:0"),
			},
			{
				ReservePub:         "r2",
				Status:             core.ReserveStatusDormant,
				InitiallyRequested: amount("KUDOS:10"),
				WithdrawAllocated:  amount("KUDOS:10"),
				WithdrawRemaining:  amount("KUDOS:0"),
			},
		}
		for _, r := range reserves {
			if err := store.Put(tx, core.CollectionReserves, r.ReservePub, r); err != nil {
				return err
			}
		}

		g := &core.WithdrawalGroup{
			WithdrawalGroupID: "w1",
			Denoms:            []string{"d2", "d1"},
			Withdrawn:         []bool{true, false},
		}
		if err := store.Put(tx, core.CollectionWithdrawalGroups, g.WithdrawalGroupID, g); err != nil {
			return err
		}

		for i, v := range []string{"KUDOS:2", "KUDOS:1"} {
			p := &core.Planchet{WithdrawalGroupID: "w1", CoinIndex: i, CoinValue: amount(v)}
			if err := store.Put(tx, core.CollectionPlanchets, p.Key(), p); err != nil {
				return err
			}
		}

		done := &core.WithdrawalGroup{WithdrawalGroupID: "w2", TimestampFinish: time.Now()}
		if err := store.Put(tx, core.CollectionWithdrawalGroups, done.WithdrawalGroupID, done); err != nil {
			return err
		}

		rg := &core.RefreshGroup{
			RefreshGroupID:        "g1",
			OldCoinPubs:           []string{"c3", "c9"},
			RefreshSessionPerCoin: []*core.RefreshSession{{ValueOutput: amount("KUDOS:1.5")}, nil},
			FinishedPerCoin:       []bool{false, false},
		}
		return store.Put(tx, core.CollectionRefreshGroups, rg.RefreshGroupID, rg)
	})
	require.NoError(t, err)

	s := New(db, slog.Default())
	b, err := s.GetBalances(ctx)
	require.NoError(t, err)

	require.Contains(t, b.ByCurrency, "KUDOS")
	assert.Equal(t, "KUDOS:5.5", b.ByCurrency["KUDOS"].Available.String())
	assert.Equal(t, "KUDOS:12.5", b.ByCurrency["KUDOS"].PendingIncoming.String())
	assert.Equal(t, "EUR:1", b.ByCurrency["EUR"].Available.String())
	assert.True(t, b.ByCurrency["EUR"].PendingIncoming.IsZero())

	assert.Len(t, b.ByExchange, 3)
	assert.Equal(t, "KUDOS:5", b.ByExchange["https://a.test/"].Available.String())
	assert.Equal(t, "KUDOS:0.5", b.ByExchange["https://b.test/"].Available.String())
}

func TestGetBalancesEmpty(t *testing.T) {
	s := New(memdb.New(), slog.Default())

	b, err := s.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, b.ByCurrency)
	assert.Empty(t, b.ByExchange)
}
