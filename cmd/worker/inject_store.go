package main

import (
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/wire"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store/badgerdb"
	"github.com/pandodao/ecash-wallet/store/boltdb"
	"github.com/pandodao/ecash-wallet/store/db"
	"github.com/pandodao/ecash-wallet/store/memdb"
	"github.com/pandodao/ecash-wallet/store/property"
	"github.com/pandodao/ecash-wallet/store/sqldb"
	"github.com/spf13/viper"
)

var storeSet = wire.NewSet(
	provideDB,
	property.New,
)

func provideDB(v *viper.Viper, logger *slog.Logger) (core.Database, func(), error) {
	v.SetDefault("db.driver", db.EngineSQLite)
	v.SetDefault("db.dsn", "wallet.db")

	driver := v.GetString("db.driver")
	dsn := v.GetString("db.dsn")

	var (
		conn core.Database
		err  error
	)

	switch driver {
	case "memory":
		conn = memdb.New()
	case "bolt":
		conn, err = boltdb.Open(dsn)
	case "badger":
		conn, err = badgerdb.Open(dsn, logger)
	default:
		for _, replica := range v.GetStringSlice("db.replicas") {
			dsn += ";" + replica
		}

		conn, err = sqldb.Open(driver, dsn)
	}

	if err != nil {
		return nil, nil, err
	}

	return conn, func() { _ = conn.Close() }, nil
}
