package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/wire"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/service/balance"
	"github.com/pandodao/ecash-wallet/service/cryptoapi"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
	"github.com/pandodao/ecash-wallet/service/exchange"
	"github.com/pandodao/ecash-wallet/service/httpclient"
	"github.com/pandodao/ecash-wallet/service/notifier"
	"github.com/pandodao/ecash-wallet/service/pay"
	"github.com/pandodao/ecash-wallet/service/pending"
	"github.com/pandodao/ecash-wallet/service/refresh"
	"github.com/pandodao/ecash-wallet/service/reserve"
	"github.com/pandodao/ecash-wallet/service/tip"
	"github.com/pandodao/ecash-wallet/service/wallet"
	"github.com/pandodao/ecash-wallet/service/withdraw"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
)

var serviceSet = wire.NewSet(
	provideRegistry,
	wire.Bind(new(prometheus.Registerer), new(*prometheus.Registry)),
	provideNotifier,
	wire.Bind(new(core.Notifier), new(*notifier.Bus)),
	provideHTTPClientConfig,
	httpclient.New,
	cryptoapi.New,
	cryptoworker.New,
	provideExchangeConfig,
	exchange.New,
	wire.Bind(new(core.ExchangeService), new(*exchange.Service)),
	reserve.New,
	wire.Bind(new(core.ReserveService), new(*reserve.Service)),
	withdraw.New,
	wire.Bind(new(core.WithdrawService), new(*withdraw.Service)),
	refresh.New,
	wire.Bind(new(core.RefreshService), new(*refresh.Service)),
	pay.New,
	wire.Bind(new(core.PayService), new(*pay.Service)),
	tip.New,
	wire.Bind(new(core.TipService), new(*tip.Service)),
	balance.New,
	wire.Bind(new(core.BalanceService), new(*balance.Service)),
	pending.New,
	wire.Bind(new(core.PendingService), new(*pending.Service)),
	wire.Struct(new(wallet.Services), "*"),
	provideWalletConfig,
	wallet.New,
	wire.Bind(new(core.WalletService), new(*wallet.Wallet)),
	wire.Bind(new(core.OperationProcessor), new(*wallet.Wallet)),
)

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

func provideNotifier(reg prometheus.Registerer, logger *slog.Logger) (*notifier.Bus, func()) {
	bus := notifier.New(reg, logger)
	return bus, bus.Close
}

func provideHTTPClientConfig(v *viper.Viper) httpclient.Config {
	v.SetDefault("http.timeout", 30*time.Second)

	return httpclient.Config{
		Timeout:   v.GetDuration("http.timeout"),
		UserAgent: fmt.Sprintf("ecash-wallet/%s", version),
	}
}

func provideExchangeConfig(v *viper.Viper) exchange.Config {
	v.SetDefault("exchange.update_interval", time.Hour)

	return exchange.Config{
		UpdateInterval: v.GetDuration("exchange.update_interval"),
	}
}

func provideWalletConfig(v *viper.Viper) wallet.Config {
	v.SetDefault("wallet.currency", "KUDOS")
	v.SetDefault("wallet.fractional_digits", 2)

	return wallet.Config{
		Currency:         v.GetString("wallet.currency"),
		FractionalDigits: v.GetInt("wallet.fractional_digits"),
		DefaultExchanges: v.GetStringSlice("wallet.exchanges"),
	}
}
