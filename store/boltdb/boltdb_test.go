package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/pandodao/ecash-wallet/store/storetest"
)

func TestDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "wallet.bolt"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	storetest.Run(t, db)
}
