package property

import (
	"context"
	"testing"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store/memdb"
)

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	s := New(memdb.New())

	var applied bool
	if err := s.Get(ctx, core.PropertyCurrencyDefaultsApplied, &applied); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if applied {
		t.Errorf("unset property read as true")
	}

	if err := s.Set(ctx, core.PropertyCurrencyDefaultsApplied, true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Get(ctx, core.PropertyCurrencyDefaultsApplied, &applied); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !applied {
		t.Errorf("property not persisted")
	}
}
