package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/internal/testenv"
	"github.com/pandodao/ecash-wallet/service/exchange"
	"github.com/pandodao/ecash-wallet/store/property"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS", testenv.DenomSpec{Value: "KUDOS:1"})

	exchanges := exchange.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger, exchange.Config{UpdateInterval: time.Nanosecond})
	_, err := exchanges.Update(ctx, ex.URL, false)
	require.NoError(t, err)
	require.Equal(t, 1, ex.Requests("/keys"))

	properties := property.New(deps.DB)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w := New(deps.DB, exchanges, properties, deps.Logger, Config{Interval: time.Hour})
	w.clock = func() time.Time { return now }

	next, err := w.next(ctx)
	require.NoError(t, err)
	assert.Zero(t, next)

	require.NoError(t, w.run(ctx))
	assert.Equal(t, 2, ex.Requests("/keys"))

	now = now.Add(20 * time.Minute)
	next, err = w.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Minute, next)
}

func TestRunSkipsUnreachableExchange(t *testing.T) {
	ctx := context.Background()
	deps := testenv.NewDeps(t)
	ex := testenv.NewExchange(t, "KUDOS", testenv.DenomSpec{Value: "KUDOS:1"})

	exchanges := exchange.New(deps.DB, deps.Client, deps.Worker, deps.Notifier, deps.Logger, exchange.Config{UpdateInterval: time.Nanosecond})
	_, err := exchanges.Update(ctx, ex.URL, false)
	require.NoError(t, err)

	ex.Fail("/keys", 500, 1)

	w := New(deps.DB, exchanges, property.New(deps.DB), deps.Logger, Config{Interval: time.Hour})
	assert.NoError(t, w.run(ctx))
}
