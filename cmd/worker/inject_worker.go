package main

import (
	"time"

	"github.com/google/wire"
	"github.com/pandodao/ecash-wallet/worker/cleaner"
	"github.com/pandodao/ecash-wallet/worker/scheduler"
	"github.com/pandodao/ecash-wallet/worker/syncer"
	"github.com/spf13/viper"
)

var workerSet = wire.NewSet(
	provideSchedulerConfig,
	scheduler.New,
	provideCleanerConfig,
	cleaner.New,
	provideSyncerConfig,
	syncer.New,
)

func provideSchedulerConfig(v *viper.Viper) scheduler.Config {
	v.SetDefault("scheduler.default_wait", scheduler.DefaultWait)

	return scheduler.Config{
		DefaultWait: v.GetDuration("scheduler.default_wait"),
	}
}

func provideCleanerConfig(v *viper.Viper) cleaner.Config {
	v.SetDefault("cleaner.interval", time.Hour)
	v.SetDefault("cleaner.retention", 30*24*time.Hour)

	return cleaner.Config{
		Interval:  v.GetDuration("cleaner.interval"),
		Retention: v.GetDuration("cleaner.retention"),
	}
}

func provideSyncerConfig(v *viper.Viper) syncer.Config {
	v.SetDefault("syncer.interval", 6*time.Hour)

	return syncer.Config{
		Interval: v.GetDuration("syncer.interval"),
	}
}
