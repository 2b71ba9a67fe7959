package withdraw

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/testenv"
	"github.com/pandodao/ecash-wallet/service/exchange"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedGroup funds a reserve at the exchange and stores the reserve and a
// withdrawal group for the given denomination values.
func seedGroup(t *testing.T, deps *testenv.Deps, ex *testenv.Exchange, values ...string) (*core.Reserve, *core.WithdrawalGroup) {
	t.Helper()
	ctx := context.Background()

	exchanges := exchange.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger, exchange.Config{UpdateInterval: time.Hour})
	_, err := exchanges.Update(ctx, ex.URL, false)
	require.NoError(t, err)

	keys, err := deps.Crypto.CreateEddsaKeyPair()
	require.NoError(t, err)

	total := core.ZeroAmount("KUDOS")
	g := &core.WithdrawalGroup{
		WithdrawalGroupID: "group-1",
		Source:            core.WithdrawalSource{Type: core.WithdrawalSourceReserve, ReservePub: keys.Pub},
		ExchangeBaseURL:   ex.BaseURL(),
		TimestampStart:    time.Now(),
		RetryInfo:         core.InitRetryInfo(true),
	}

	for _, v := range values {
		for _, d := range ex.Denoms {
			if d.Info.Value.String() == v {
				g.Denoms = append(g.Denoms, d.Hash)
				g.Withdrawn = append(g.Withdrawn, false)
				total, _ = total.Add(d.Info.Value)
				break
			}
		}
	}

	g.RawWithdrawalAmount = total
	g.TotalCoinValue = total
	r := &core.Reserve{
		ReservePub:         keys.Pub,
		ReservePriv:        keys.Priv,
		ExchangeBaseURL:    ex.BaseURL(),
		Status:             core.ReserveStatusDormant,
		InitiallyRequested: total,
		WithdrawAllocated:  total,
		WithdrawCompleted:  core.ZeroAmount("KUDOS"),
		WithdrawRemaining:  core.ZeroAmount("KUDOS"),
	}

	ex.Credit(keys.Pub, total)
	err = deps.DB.Update(ctx, coinScope, func(tx core.Tx) error {
		if err := store.Add(tx, core.CollectionReserves, r.ReservePub, r); err != nil {
			return err
		}

		return store.Add(tx, core.CollectionWithdrawalGroups, g.WithdrawalGroupID, g)
	})
	require.NoError(t, err)

	return r, g
}

func TestProcessGroup(t *testing.T) {
	ctx := context.Background()
	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS",
		testenv.DenomSpec{Value: "KUDOS:2", FeeWithdraw: "KUDOS:0.01"},
		testenv.DenomSpec{Value: "KUDOS:1", FeeWithdraw: "KUDOS:0.01"},
	)
	r, g := seedGroup(t, deps, ex, "KUDOS:2", "KUDOS:1", "KUDOS:1")
	// the seeded credit only covers the coin values
	ex.Credit(r.ReservePub, core.MustParseAmount("KUDOS:0.03"))

	s := New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger)
	require.NoError(t, s.ProcessGroup(ctx, g.WithdrawalGroupID, false))

	g, err := s.Find(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	assert.True(t, g.Finished())
	assert.Equal(t, 3, g.NumWithdrawn())
	assert.False(t, g.RetryInfo.Active)

	coins, err := s.Coins(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	require.Len(t, coins, 3)
	for i, c := range coins {
		assert.Equal(t, i, c.Source.CoinIndex)
		assert.Equal(t, core.CoinStatusFresh, c.Status)
		assert.Equal(t, core.CoinSourceWithdraw, c.Source.Type)
		assert.NotEmpty(t, c.DenomSig)
	}

	var (
		reserve   *core.Reserve
		planchets []*core.Planchet
	)
	err = deps.DB.View(ctx, coinScope, func(tx core.Tx) (err error) {
		if reserve, err = store.Get[core.Reserve](tx, core.CollectionReserves, r.ReservePub); err != nil {
			return err
		}

		planchets, err = store.List[core.Planchet](tx, core.CollectionPlanchets, core.IterOptions{})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "KUDOS:4.03", reserve.WithdrawCompleted.String())
	assert.Empty(t, planchets)

	// finished groups are left alone
	require.NoError(t, s.ProcessGroup(ctx, g.WithdrawalGroupID, true))
	assert.Equal(t, 3, ex.Requests("/reserve/withdraw"))
}

func TestProcessGroupResumes(t *testing.T) {
	ctx := context.Background()
	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS", testenv.DenomSpec{Value: "KUDOS:1"})
	r, g := seedGroup(t, deps, ex, "KUDOS:1", "KUDOS:1")

	s := New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger)

	ex.Fail("/reserve/withdraw", 502, 1)
	err := s.ProcessGroup(ctx, g.WithdrawalGroupID, false)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, core.OperationErrorNetwork, opErr.Type)

	g, err = s.Find(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	assert.False(t, g.Finished())
	assert.Equal(t, 1, g.NumWithdrawn())
	assert.Len(t, g.LastErrorPerCoin, 1)
	assert.Equal(t, 1, g.RetryInfo.RetryCounter)

	require.NoError(t, s.ProcessGroup(ctx, g.WithdrawalGroupID, true))

	g, err = s.Find(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	assert.True(t, g.Finished())
	assert.Empty(t, g.LastErrorPerCoin)

	coins, err := s.Coins(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	assert.Len(t, coins, 2)

	balance, _ := ex.Balance(r.ReservePub)
	assert.True(t, balance.IsZero())
}

// lossyClient forwards every request but loses the response of the
// first n withdraw calls, after the exchange has handled them.
type lossyClient struct {
	core.HTTPClient

	mu sync.Mutex
	n  int
}

func (c *lossyClient) PostJSON(ctx context.Context, url string, body any) (*core.HTTPResponse, error) {
	resp, err := c.HTTPClient.PostJSON(ctx, url, body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.n > 0 && strings.HasSuffix(url, "/reserve/withdraw") {
		c.n--
		return nil, errors.New("connection reset after send")
	}

	return resp, err
}

func TestProcessGroupResponseLost(t *testing.T) {
	ctx := context.Background()
	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS", testenv.DenomSpec{Value: "KUDOS:1"})
	r, g := seedGroup(t, deps, ex, "KUDOS:1")
	// a second debit would show up in the reserve balance
	ex.Credit(r.ReservePub, core.MustParseAmount("KUDOS:1"))

	s := New(deps.DB, &lossyClient{HTTPClient: deps.Client, n: 1}, deps.Worker, deps.Notifier, deps.Logger)

	err := s.ProcessGroup(ctx, g.WithdrawalGroupID, false)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, core.OperationErrorNetwork, opErr.Type)

	balance, _ := ex.Balance(r.ReservePub)
	assert.Equal(t, "KUDOS:1", balance.String())

	require.NoError(t, s.ProcessGroup(ctx, g.WithdrawalGroupID, true))
	assert.Equal(t, 2, ex.Requests("/reserve/withdraw"))

	g, err = s.Find(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	assert.True(t, g.Finished())

	coins, err := s.Coins(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	assert.Len(t, coins, 1)

	balance, _ = ex.Balance(r.ReservePub)
	assert.Equal(t, "KUDOS:1", balance.String())
}

func TestProcessGroupRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS", testenv.DenomSpec{Value: "KUDOS:1"})
	_, g := seedGroup(t, deps, ex, "KUDOS:1")

	// point the group at a denomination whose key did not sign the coin
	other := ex.AddDenom(t, testenv.DenomSpec{Value: "KUDOS:1"})
	err := deps.DB.Update(ctx, coinScope, func(tx core.Tx) error {
		d, err := store.Get[core.Denomination](tx, core.CollectionDenominations, g.Denoms[0])
		if err != nil {
			return err
		}

		d.DenomPub = other.Info.DenomPub
		return store.Put(tx, core.CollectionDenominations, d.DenomPubHash, d)
	})
	require.NoError(t, err)

	s := New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger)
	err = s.ProcessGroup(ctx, g.WithdrawalGroupID, false)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))

	g, err = s.Find(ctx, g.WithdrawalGroupID)
	require.NoError(t, err)
	assert.False(t, g.Finished())
}
