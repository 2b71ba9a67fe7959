package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultWait = 5 * time.Second

var ErrAlreadyRunning = errors.New("retry loop already running")

type Config struct {
	DefaultWait time.Duration `valid:"required"`
}

type metrics struct {
	pending   prometheus.Gauge
	liveness  prometheus.Gauge
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wallet",
			Name:      "pending_operations",
			Help:      "Pending operations seen before the retry loop went to sleep.",
		}),
		liveness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wallet",
			Name:      "pending_operations_giving_liveness",
			Help:      "Pending operations that keep the retry loop busy.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wallet",
			Name:      "operations_processed_total",
			Help:      "Pending operations run by the retry loop, by type.",
		}, []string{"type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wallet",
			Name:      "operations_failed_total",
			Help:      "Pending operations that returned an error, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.pending, m.liveness, m.processed, m.failed)
	return m
}

// New creates the retry loop. reg may be nil to skip metrics.
func New(
	pending core.PendingService,
	processor core.OperationProcessor,
	notifier core.Notifier,
	reg prometheus.Registerer,
	logger *slog.Logger,
	cfg Config,
) *Scheduler {
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		panic(err)
	}

	s := &Scheduler{
		pending:   pending,
		processor: processor,
		notifier:  notifier,
		logger:    logger.With("worker", "scheduler"),
		cfg:       cfg,
		latch:     make(chan struct{}, 1),
	}

	if reg != nil {
		s.metrics = newMetrics(reg)
	}

	return s
}

// Scheduler is the retry loop: it runs every due pending operation and
// sleeps until the next one is due or it is triggered.
type Scheduler struct {
	pending   core.PendingService
	processor core.OperationProcessor
	notifier  core.Notifier
	logger    *slog.Logger
	cfg       Config
	metrics   *metrics

	latch   chan struct{}
	running atomic.Bool
	stopped atomic.Bool
}

// Trigger wakes the loop if it is waiting.
func (s *Scheduler) Trigger() {
	select {
	case s.latch <- struct{}{}:
	default:
	}
}

// Stop ends Run after the current round.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.Trigger()
}

func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.stopped.Store(false)
	s.logger.Info("scheduler start")

	for !s.stopped.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := s.runDue(ctx)
		if err != nil {
			if err := s.wait(ctx, s.cfg.DefaultWait); err != nil {
				return err
			}

			continue
		}

		if n > 0 {
			continue
		}

		wait, err := s.idle(ctx)
		if err != nil {
			wait = s.cfg.DefaultWait
		}

		if err := s.wait(ctx, wait); err != nil {
			return err
		}
	}

	s.logger.Info("scheduler stopped")
	return nil
}

// runDue processes the operations that are due and returns their count.
func (s *Scheduler) runDue(ctx context.Context) (int, error) {
	due, err := s.pending.Gather(ctx, true)
	if err != nil {
		s.logger.Error("pending.Gather", "err", err)
		return 0, err
	}

	for _, op := range due.Operations {
		if s.stopped.Load() || ctx.Err() != nil {
			break
		}

		if s.metrics != nil {
			s.metrics.processed.WithLabelValues(string(op.Kind())).Inc()
		}

		if err := s.processor.Process(ctx, op, false); err != nil {
			s.logger.Warn("process pending operation", "type", op.Kind(), "err", err)
			if s.metrics != nil {
				s.metrics.failed.WithLabelValues(string(op.Kind())).Inc()
			}
		}

		s.notifier.Notify(core.Notification{Type: core.NotifyWildcard})
	}

	return len(due.Operations), nil
}

// idle reports what is still pending and how long to sleep.
func (s *Scheduler) idle(ctx context.Context) (time.Duration, error) {
	all, err := s.pending.Gather(ctx, false)
	if err != nil {
		s.logger.Error("pending.Gather", "err", err)
		return 0, err
	}

	numPending, numLiveness := all.Counts()
	if s.metrics != nil {
		s.metrics.pending.Set(float64(numPending))
		s.metrics.liveness.Set(float64(numLiveness))
	}

	wait := min(s.cfg.DefaultWait, all.NextRetryDelay)
	s.logger.Debug("waiting for retry", "pending", numPending, "liveness", numLiveness, "wait", wait)
	s.notifier.Notify(core.Notification{
		Type:              core.NotifyWaitingForRetry,
		NumPending:        numPending,
		NumGivingLiveness: numLiveness,
	})

	return wait, nil
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-s.latch:
	}

	return nil
}

// RunUntilDone runs the loop until nothing pending gives liveness.
func (s *Scheduler) RunUntilDone(ctx context.Context) error {
	id, ch := s.notifier.Subscribe()
	defer s.notifier.Unsubscribe(id)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	for {
		select {
		case err := <-done:
			return err
		case n, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}

			if n.Type == core.NotifyWaitingForRetry && n.NumGivingLiveness == 0 {
				s.Stop()
			}
		}
	}
}
