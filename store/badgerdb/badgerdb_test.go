package badgerdb

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pandodao/ecash-wallet/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestDatabase(t *testing.T) {
	db, err := Open("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	storetest.Run(t, db)
}

func TestDatabaseOnDisk(t *testing.T) {
	db, err := Open(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	storetest.Run(t, db)
}
