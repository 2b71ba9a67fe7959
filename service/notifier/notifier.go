package notifier

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/prometheus/client_golang/prometheus"
)

const QueueSize = 20

type metrics struct {
	notificationsTotal *prometheus.CounterVec
	subscribers        prometheus.Gauge
	deliveryErrors     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wallet",
			Name:      "notifications_total",
			Help:      "Notifications published, by type.",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wallet",
			Name:      "notification_subscribers",
			Help:      "Current number of notification subscribers.",
		}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wallet",
			Name:      "notification_delivery_errors_total",
			Help:      "Notifications that could not be delivered.",
		}),
	}

	reg.MustRegister(m.notificationsTotal, m.subscribers, m.deliveryErrors)
	return m
}

type subscriber struct {
	ch     chan core.Notification
	mu     sync.RWMutex
	closed bool
}

func (s *subscriber) deliver(n core.Notification) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panic: %v", r)
		}
	}()

	s.ch <- n
	return nil
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus delivers every notification to every subscriber in publish order.
// Delivery blocks while a subscriber's queue is full.
type Bus struct {
	mu      sync.RWMutex
	subs    map[core.SubscriberID]*subscriber
	lastID  core.SubscriberID
	metrics *metrics
	logger  *slog.Logger
}

// New creates a bus. reg may be nil to skip metrics.
func New(reg prometheus.Registerer, logger *slog.Logger) *Bus {
	b := &Bus{
		subs:   make(map[core.SubscriberID]*subscriber),
		logger: logger.With("service", "notifier"),
	}

	if reg != nil {
		b.metrics = newMetrics(reg)
	}

	return b
}

func (b *Bus) Subscribe() (core.SubscriberID, <-chan core.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	s := &subscriber{ch: make(chan core.Notification, QueueSize)}
	b.subs[b.lastID] = s
	if b.metrics != nil {
		b.metrics.subscribers.Inc()
	}

	return b.lastID, s.ch
}

func (b *Bus) SubscribeFunc(fn func(core.Notification)) core.SubscriberID {
	id, ch := b.Subscribe()
	go func() {
		for n := range ch {
			fn(n)
		}
	}()

	return id
}

func (b *Bus) Unsubscribe(id core.SubscriberID) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		if b.metrics != nil {
			b.metrics.subscribers.Dec()
		}
	}
	b.mu.Unlock()

	if ok {
		s.close()
	}
}

func (b *Bus) Notify(n core.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	ids := make([]core.SubscriberID, 0, len(b.subs))
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		ids = append(ids, id)
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for i, s := range subs {
		if err := s.deliver(n); err != nil {
			b.logger.Debug("notification delivery", "type", n.Type, "err", err)
			b.Unsubscribe(ids[i])
			if b.metrics != nil {
				b.metrics.deliveryErrors.Inc()
			}
		}
	}

	if b.metrics != nil {
		b.metrics.notificationsTotal.WithLabelValues(string(n.Type)).Inc()
	}
}

// Close unsubscribes everyone, ending SubscribeFunc goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[core.SubscriberID]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}

	if b.metrics != nil {
		b.metrics.subscribers.Set(0)
	}
}
