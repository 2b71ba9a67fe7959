package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/service/notifier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// work is a pending service whose operations finish once processed.
type work struct {
	mu        sync.Mutex
	remaining int
	processed int
	failing   bool
}

func (w *work) add(n int) {
	w.mu.Lock()
	w.remaining += n
	w.mu.Unlock()
}

func (w *work) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed
}

func (w *work) Gather(_ context.Context, onlyDue bool) (*core.PendingOperations, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	resp := &core.PendingOperations{NextRetryDelay: core.NoRetryDelay}
	for i := 0; i < w.remaining; i++ {
		resp.Operations = append(resp.Operations, &core.PendingWithdraw{
			PendingBase: core.PendingBase{Type: core.PendingTypeWithdraw, GivesLiveness: true},
		})
		resp.NextRetryDelay = 0
	}

	if !onlyDue {
		resp.Operations = append(resp.Operations, &core.PendingTipChoice{
			PendingBase: core.PendingBase{Type: core.PendingTypeTipChoice},
		})
	}

	return resp, nil
}

func (w *work) Process(_ context.Context, op core.PendingOperation, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if op.Kind() != core.PendingTypeWithdraw {
		return nil
	}

	w.processed++
	if w.failing {
		w.failing = false
		return errors.New("exchange unavailable")
	}

	w.remaining--
	return nil
}

type events struct {
	mu   sync.Mutex
	seen []core.Notification
}

func (e *events) record(n core.Notification) {
	e.mu.Lock()
	e.seen = append(e.seen, n)
	e.mu.Unlock()
}

func (e *events) count(typ core.NotificationType) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, ev := range e.seen {
		if ev.Type == typ {
			n++
		}
	}

	return n
}

func newScheduler(t *testing.T, w *work, wait time.Duration, reg prometheus.Registerer) (*Scheduler, *events) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	bus := notifier.New(nil, logger)
	t.Cleanup(bus.Close)

	ev := &events{}
	bus.SubscribeFunc(ev.record)

	return New(w, w, bus, reg, logger, Config{DefaultWait: wait}), ev
}

func TestRunUntilDone(t *testing.T) {
	w := &work{remaining: 3}
	reg := prometheus.NewRegistry()
	s, ev := newScheduler(t, w, time.Hour, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.RunUntilDone(ctx))
	assert.Equal(t, 3, w.count())

	require.Eventually(t, func() bool {
		return ev.count(core.NotifyWildcard) == 3 && ev.count(core.NotifyWaitingForRetry) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.pending))
	assert.Equal(t, float64(0), testutil.ToFloat64(s.metrics.liveness))
	assert.Equal(t, float64(3), testutil.ToFloat64(s.metrics.processed.WithLabelValues(string(core.PendingTypeWithdraw))))
}

func TestRunUntilDoneRetriesFailures(t *testing.T) {
	w := &work{remaining: 1, failing: true}
	s, _ := newScheduler(t, w, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.RunUntilDone(ctx))
	assert.Equal(t, 2, w.count())
}

func TestTrigger(t *testing.T) {
	w := &work{}
	s, ev := newScheduler(t, w, time.Hour, nil)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return ev.count(core.NotifyWaitingForRetry) == 1
	}, time.Second, 5*time.Millisecond)

	w.add(2)
	s.Trigger()
	require.Eventually(t, func() bool {
		return w.count() == 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunOnce(t *testing.T) {
	w := &work{}
	s, ev := newScheduler(t, w, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return ev.count(core.NotifyWaitingForRetry) == 1
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// polling reports one record that is not due yet.
type polling struct {
	delay time.Duration
}

func (p polling) Gather(context.Context, bool) (*core.PendingOperations, error) {
	return &core.PendingOperations{NextRetryDelay: p.delay}, nil
}

func (p polling) Process(context.Context, core.PendingOperation, bool) error {
	return nil
}

func TestIdleWait(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		want  time.Duration
	}{
		{name: "nothing polls", delay: core.NoRetryDelay, want: 5 * time.Second},
		{name: "earliest record sooner", delay: 2 * time.Second, want: 2 * time.Second},
		{name: "record due now", delay: 0, want: 0},
		{name: "record later than default", delay: time.Minute, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			bus := notifier.New(nil, logger)
			defer bus.Close()

			p := polling{delay: tt.delay}
			s := New(p, p, bus, nil, logger, Config{DefaultWait: 5 * time.Second})

			wait, err := s.idle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, wait)
		})
	}
}

func TestNewInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		New(&work{}, &work{}, nil, nil, slog.Default(), Config{})
	})
}
