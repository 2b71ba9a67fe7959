package pending

import (
	"context"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/testenv"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, db core.Database, coll core.Collection, key string, v any) {
	t.Helper()

	err := db.Update(context.Background(), []core.Collection{coll}, func(tx core.Tx) error {
		return store.Put(tx, coll, key, v)
	})
	require.NoError(t, err)
}

func kinds(ops []core.PendingOperation) []core.PendingOperationType {
	out := make([]core.PendingOperationType, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Kind())
	}

	return out
}

func newService(t *testing.T) (*Service, core.Database, time.Time) {
	t.Helper()

	deps := testenv.NewDeps(t)
	s := New(deps.DB, deps.Logger)
	now := time.Now()
	s.clock = func() time.Time { return now }
	return s, deps.DB, now
}

func TestGatherEmpty(t *testing.T) {
	s, _, _ := newService(t)

	resp, err := s.Gather(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, resp.Operations)
	assert.Equal(t, core.NoRetryDelay, resp.NextRetryDelay)
}

func TestGather(t *testing.T) {
	ctx := context.Background()
	s, db, now := newService(t)

	waiting := core.RetryInfo{Active: true, RetryCounter: 2, NextRetry: now.Add(3 * time.Second)}
	due := core.RetryInfo{Active: true, NextRetry: now.Add(-time.Second)}

	put(t, db, core.CollectionExchanges, "https://ex.test/", &core.Exchange{
		BaseURL:      "https://ex.test/",
		UpdateStatus: core.ExchangeUpdateStatusFetchWire,
		UpdateReason: "initial",
		RetryInfo:    waiting,
	})
	put(t, db, core.CollectionReserves, "r1", &core.Reserve{
		ReservePub: "r1",
		Status:     core.ReserveStatusQueryingStatus,
		RetryInfo:  due,
	})
	put(t, db, core.CollectionReserves, "r2", &core.Reserve{
		ReservePub: "r2",
		Status:     core.ReserveStatusDormant,
	})
	put(t, db, core.CollectionWithdrawalGroups, "w1", &core.WithdrawalGroup{
		WithdrawalGroupID: "w1",
		Denoms:            []string{"a", "b"},
		Withdrawn:         []bool{true, false},
		RetryInfo:         due,
	})
	put(t, db, core.CollectionWithdrawalGroups, "w2", &core.WithdrawalGroup{
		WithdrawalGroupID: "w2",
		TimestampFinish:   now,
	})
	put(t, db, core.CollectionProposals, "p1", &core.Proposal{
		ProposalID: "p1",
		Status:     core.ProposalStatusProposed,
	})
	put(t, db, core.CollectionPurchases, "p2", &core.Purchase{
		ProposalID:           "p2",
		PaymentSubmitPending: true,
		PayRetryInfo:         waiting,
	})
	put(t, db, core.CollectionTips, "t1", &core.Tip{TipID: "t1"})

	resp, err := s.Gather(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []core.PendingOperationType{
		core.PendingTypeExchangeUpdate,
		core.PendingTypeReserve,
		core.PendingTypeWithdraw,
		core.PendingTypeProposalChoice,
		core.PendingTypePay,
		core.PendingTypeTipChoice,
	}, kinds(resp.Operations))
	assert.Equal(t, time.Duration(0), resp.NextRetryDelay)

	for _, op := range resp.Operations {
		switch op := op.(type) {
		case *core.PendingWithdraw:
			assert.Equal(t, 2, op.NumCoinsTotal)
			assert.Equal(t, 1, op.NumCoinsWithdrawn)
			assert.True(t, op.Liveness())
		case *core.PendingExchangeUpdate:
			assert.Equal(t, "initial", op.Reason)
			assert.False(t, op.Liveness())
		case *core.PendingProposalChoice, *core.PendingTipChoice:
			assert.False(t, op.Liveness())
		}
	}

	resp, err = s.Gather(ctx, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []core.PendingOperationType{
		core.PendingTypeReserve,
		core.PendingTypeWithdraw,
	}, kinds(resp.Operations))
}

func TestGatherNextRetryDelay(t *testing.T) {
	s, db, now := newService(t)

	put(t, db, core.CollectionRefreshGroups, "g1", &core.RefreshGroup{
		RefreshGroupID:        "g1",
		OldCoinPubs:           []string{"c1"},
		RefreshSessionPerCoin: make([]*core.RefreshSession, 1),
		FinishedPerCoin:       []bool{false},
		RetryInfo:             core.RetryInfo{Active: true, NextRetry: now.Add(4 * time.Second)},
	})
	put(t, db, core.CollectionTips, "t1", &core.Tip{
		TipID:             "t1",
		AcceptedTimestamp: now,
		RetryInfo:         core.RetryInfo{Active: true, NextRetry: now.Add(9 * time.Second)},
	})

	resp, err := s.Gather(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, resp.Operations)
	assert.Equal(t, 4*time.Second, resp.NextRetryDelay)
}

func TestGatherFatalErrorGivesNoLiveness(t *testing.T) {
	ctx := context.Background()
	s, db, _ := newService(t)

	put(t, db, core.CollectionProposals, "p1", &core.Proposal{
		ProposalID: "p1",
		Status:     core.ProposalStatusDownloading,
		RetryInfo:  core.RetryInfo{Active: false},
		LastError:  core.ProtocolError("bad contract", nil),
	})

	resp, err := s.Gather(ctx, false)
	require.NoError(t, err)
	require.Len(t, resp.Operations, 1)
	op, ok := resp.Operations[0].(*core.PendingProposalDownload)
	require.True(t, ok)
	assert.False(t, op.Liveness())
	require.NotNil(t, op.LastError)
	assert.Equal(t, core.NoRetryDelay, resp.NextRetryDelay)

	resp, err = s.Gather(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, resp.Operations)
}

func TestGatherBugs(t *testing.T) {
	s, db, _ := newService(t)

	put(t, db, core.CollectionExchanges, "https://ex.test/", &core.Exchange{
		BaseURL:      "https://ex.test/",
		UpdateStatus: core.ExchangeUpdateStatusFinished,
	})
	put(t, db, core.CollectionWithdrawalGroups, "w1", &core.WithdrawalGroup{
		WithdrawalGroupID: "w1",
		Denoms:            []string{"a"},
		RetryInfo:         core.InitRetryInfo(true),
	})

	resp, err := s.Gather(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []core.PendingOperationType{
		core.PendingTypeBug,
		core.PendingTypeBug,
		core.PendingTypeBug,
	}, kinds(resp.Operations))
}

func TestGatherBugsAreNeverDue(t *testing.T) {
	s, db, _ := newService(t)

	put(t, db, core.CollectionExchanges, "https://ex.test/", &core.Exchange{
		BaseURL:      "https://ex.test/",
		UpdateStatus: core.ExchangeUpdateStatusFinished,
	})

	resp, err := s.Gather(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, resp.Operations)
}
