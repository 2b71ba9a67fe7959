package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/testenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *testenv.Exchange, *testenv.Deps) {
	t.Helper()

	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS",
		testenv.DenomSpec{Value: "KUDOS:5"},
		testenv.DenomSpec{Value: "KUDOS:2"},
		testenv.DenomSpec{Value: "KUDOS:1"},
	)

	s := New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger, Config{UpdateInterval: time.Hour})
	return s, ex, deps
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s, ex, deps := newService(t)

	e, err := s.Update(ctx, ex.URL, false)
	require.NoError(t, err)
	assert.Equal(t, core.ExchangeUpdateStatusFinished, e.UpdateStatus)
	assert.Equal(t, ex.BaseURL(), e.BaseURL)
	require.NotNil(t, e.Details)
	assert.Equal(t, "KUDOS", e.Details.Currency)
	assert.Equal(t, ex.Master.Pub, e.Details.MasterPublicKey)
	require.NotNil(t, e.WireInfo)
	assert.Len(t, e.WireInfo.FeesForType[testenv.WireMethod], 1)
	assert.False(t, e.RetryInfo.Active)

	denoms, err := s.ListDenominations(ctx, ex.URL)
	require.NoError(t, err)
	require.Len(t, denoms, 3)
	for _, d := range denoms {
		assert.Equal(t, core.DenominationStatusVerifiedGood, d.Status)
		assert.True(t, d.IsOffered)
	}

	// fresh keys are not fetched again
	_, err = s.Update(ctx, ex.URL, false)
	require.NoError(t, err)
	assert.Equal(t, 1, ex.Requests("/keys"))

	_, err = s.Update(ctx, ex.URL, true)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.Requests("/keys"))

	require.Eventually(t, func() bool {
		return deps.Events.Has(core.NotifyExchangeAdded) && deps.Events.Has(core.NotifyExchangeUpdated)
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateNetworkError(t *testing.T) {
	ctx := context.Background()
	s, ex, _ := newService(t)

	ex.Fail("/keys", 503, 1)
	_, err := s.Update(ctx, ex.URL, false)
	require.Error(t, err)

	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, core.OperationErrorNetwork, opErr.Type)

	e, err := s.Find(ctx, ex.URL)
	require.NoError(t, err)
	assert.Equal(t, core.ExchangeUpdateStatusFetchKeys, e.UpdateStatus)
	require.NotNil(t, e.LastError)
	assert.True(t, e.RetryInfo.Active)
	assert.Equal(t, 1, e.RetryInfo.RetryCounter)

	e, err = s.Update(ctx, ex.URL, false)
	require.NoError(t, err)
	assert.Equal(t, core.ExchangeUpdateStatusFinished, e.UpdateStatus)
	assert.Nil(t, e.LastError)
}

func TestUpdateBadDenominationSignature(t *testing.T) {
	ctx := context.Background()
	s, ex, _ := newService(t)

	ex.Denoms[0].Info.MasterSig = ex.Denoms[1].Info.MasterSig

	_, err := s.Update(ctx, ex.URL, false)
	require.NoError(t, err)

	denoms, err := s.ListDenominations(ctx, ex.URL)
	require.NoError(t, err)

	bad := 0
	for _, d := range denoms {
		if d.Status == core.DenominationStatusVerifiedBad {
			bad++
			assert.Equal(t, ex.Denoms[0].Hash, d.DenomPubHash)
		}
	}
	assert.Equal(t, 1, bad)

	selected, err := s.SelectWithdrawDenoms(ctx, ex.URL, core.MustParseAmount("KUDOS:5"))
	require.NoError(t, err)
	for _, d := range selected {
		assert.NotEqual(t, ex.Denoms[0].Hash, d.DenomPubHash)
	}
}

func TestUpdateRejectsMasterKeyChange(t *testing.T) {
	ctx := context.Background()
	s, ex, _ := newService(t)

	_, err := s.Update(ctx, ex.URL, false)
	require.NoError(t, err)

	other := testenv.NewExchange(t, "KUDOS", testenv.DenomSpec{Value: "KUDOS:1"})
	ex.Master = other.Master

	_, err = s.Update(ctx, ex.URL, true)
	var opErr *core.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, core.OperationErrorProtocol, opErr.Type)

	e, err := s.Find(ctx, ex.URL)
	require.NoError(t, err)
	assert.False(t, e.RetryInfo.Active)
}

func amounts(denoms []*core.Denomination) []string {
	out := make([]string, 0, len(denoms))
	for _, d := range denoms {
		out = append(out, d.Value.String())
	}

	return out
}

func denom(value, fee string) *core.Denomination {
	return &core.Denomination{
		Value:       core.MustParseAmount(value),
		FeeWithdraw: core.MustParseAmount(fee),
	}
}

func TestSelectWithdrawDenoms(t *testing.T) {
	cases := []struct {
		name   string
		denoms []*core.Denomination
		amount string
		want   []string
	}{
		{
			name:   "multi pass",
			denoms: []*core.Denomination{denom("KUDOS:1", "KUDOS:0"), denom("KUDOS:5", "KUDOS:0"), denom("KUDOS:2", "KUDOS:0")},
			amount: "KUDOS:10",
			want:   []string{"KUDOS:5", "KUDOS:2", "KUDOS:1", "KUDOS:2"},
		},
		{
			name:   "fees",
			denoms: []*core.Denomination{denom("KUDOS:1", "KUDOS:0.1"), denom("KUDOS:2", "KUDOS:0.1")},
			amount: "KUDOS:3",
			want:   []string{"KUDOS:2"},
		},
		{
			name:   "too small",
			denoms: []*core.Denomination{denom("KUDOS:1", "KUDOS:0.01")},
			amount: "KUDOS:1",
			want:   []string{},
		},
		{
			name:   "empty",
			amount: "KUDOS:3",
			want:   []string{},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SelectWithdrawDenoms(c.denoms, core.MustParseAmount(c.amount))
			assert.Equal(t, c.want, amounts(got))
		})
	}
}
