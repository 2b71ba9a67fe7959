package cleaner

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

func TestRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db := memdb.New()

	w := New(db, slog.Default(), Config{Interval: time.Minute, Retention: 24 * time.Hour})
	w.clock = func() time.Time { return now }

	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	require.NoError(t, db.Update(ctx, scope, func(tx core.Tx) error {
		proposals := []*core.Proposal{
			{ProposalID: "refused-old", Status: core.ProposalStatusRefused, Timestamp: old},
			{ProposalID: "refused-recent", Status: core.ProposalStatusRefused, Timestamp: recent},
			{ProposalID: "accepted-old", Status: core.ProposalStatusAccepted, Timestamp: old},
		}
		for _, p := range proposals {
			if err := store.Put(tx, core.CollectionProposals, p.ProposalID, p); err != nil {
				return err
			}
		}

		tips := []*core.Tip{
			{TipID: "expired", Deadline: old},
			{TipID: "open", Deadline: now.Add(time.Hour)},
			{TipID: "accepted", Deadline: old, AcceptedTimestamp: old},
		}
		for _, tip := range tips {
			if err := store.Put(tx, core.CollectionTips, tip.TipID, tip); err != nil {
				return err
			}
		}

		return nil
	}))

	n, err := w.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.View(ctx, scope, func(tx core.Tx) error {
		proposals, err := store.List[core.Proposal](tx, core.CollectionProposals, core.IterOptions{})
		require.NoError(t, err)
		assert.Len(t, proposals, 2)

		_, err = store.Get[core.Proposal](tx, core.CollectionProposals, "refused-old")
		assert.True(t, store.IsErrNotFound(err))

		tips, err := store.List[core.Tip](tx, core.CollectionTips, core.IterOptions{})
		require.NoError(t, err)
		assert.Len(t, tips, 2)

		_, err = store.Get[core.Tip](tx, core.CollectionTips, "expired")
		assert.True(t, store.IsErrNotFound(err))
		return nil
	}))

	n, err = w.run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	w := New(memdb.New(), slog.Default(), Config{Interval: time.Millisecond, Retention: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, w.Run(ctx), context.DeadlineExceeded)
}
