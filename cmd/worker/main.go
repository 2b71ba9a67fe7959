package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/pandodao/ecash-wallet/cmd/worker/cmds"
	"github.com/pandodao/ecash-wallet/service/wallet"
	"github.com/pandodao/ecash-wallet/worker/cleaner"
	"github.com/pandodao/ecash-wallet/worker/scheduler"
	"github.com/pandodao/ecash-wallet/worker/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	opt struct {
		config  string
		metrics string
		debug   bool
	}

	version = "0.0.1-src"
	commit  = versioninfo.Short()
)

// With arguments the worker runs them as a command against the wallet
// and exits. Without, it runs the retry loop until interrupted.
func main() {
	flag.StringVar(&opt.config, "config", "config.yaml", "config file path")
	flag.StringVar(&opt.metrics, "metrics", "", "address to serve prometheus metrics on")
	flag.BoolVar(&opt.debug, "debug", false, "debug mode")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	v := initViper()
	logger := initLogger()

	app, cleanup, err := setupApp(v, logger)
	if err != nil {
		logger.Error("setup failed", "err", err)
		return
	}

	defer cleanup()

	if err := app.wallet.FillDefaults(ctx); err != nil {
		logger.Error("wallet.FillDefaults", "err", err)
		return
	}

	if args := flag.Args(); len(args) > 0 {
		if err := app.cmd.Run(ctx, args); err != nil {
			logger.Error("cmd exit", "err", err)
			os.Exit(1)
		}

		return
	}

	logger.Info("ecash wallet worker launched", "version", version, "commit", commit)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.scheduler.Run(ctx)
	})

	g.Go(func() error {
		return app.cleaner.Run(ctx)
	})

	g.Go(func() error {
		return app.syncer.Run(ctx)
	})

	if opt.metrics != "" {
		svr := &http.Server{
			Addr:    opt.metrics,
			Handler: promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}),
		}

		g.Go(func() error {
			if err := svr.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			return svr.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exit", "err", err)
	}
}

type app struct {
	cmd       *cmds.Cmd
	wallet    *wallet.Wallet
	scheduler *scheduler.Scheduler
	cleaner   *cleaner.Cleaner
	syncer    *syncer.Syncer
	registry  *prometheus.Registry
	logger    *slog.Logger
}

func initLogger() *slog.Logger {
	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func initViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(opt.config)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		log.Panicln(err)
	}

	return v
}
