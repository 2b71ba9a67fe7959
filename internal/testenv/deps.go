package testenv

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/service/cryptoapi"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
	"github.com/pandodao/ecash-wallet/service/httpclient"
	"github.com/pandodao/ecash-wallet/service/notifier"
	"github.com/pandodao/ecash-wallet/store/memdb"
)

// Deps bundles the shared dependencies of the wallet services.
type Deps struct {
	DB       core.Database
	Client   core.HTTPClient
	Crypto   core.CryptoService
	Worker   *cryptoworker.Worker
	Notifier *notifier.Bus
	Logger   *slog.Logger
	Events   *Recorder
}

func NewDeps(t testing.TB) *Deps {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c := cryptoapi.New()
	bus := notifier.New(nil, logger)
	t.Cleanup(bus.Close)

	rec := &Recorder{}
	bus.SubscribeFunc(rec.record)

	return &Deps{
		DB:       memdb.New(),
		Client:   httpclient.New(httpclient.Config{Timeout: 10 * time.Second}),
		Crypto:   c,
		Worker:   cryptoworker.New(c),
		Notifier: bus,
		Logger:   logger,
		Events:   rec,
	}
}

// Recorder keeps every notification it receives.
type Recorder struct {
	mu   sync.Mutex
	seen []core.Notification
}

func (r *Recorder) record(n core.Notification) {
	r.mu.Lock()
	r.seen = append(r.seen, n)
	r.mu.Unlock()
}

// Has reports whether a notification of type typ arrived.
func (r *Recorder) Has(typ core.NotificationType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.seen {
		if n.Type == typ {
			return true
		}
	}

	return false
}
