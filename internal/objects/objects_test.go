package objects

import (
	"context"
	"errors"
	"testing"

	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
)

func TestTable_CreateAndCounts(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(kvstore.NewMemoryKV())
	ko7 := kref.NewObjectKRef(7)

	if err := tbl.Create(ctx, ko7, kref.VatID("v2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	owner, err := tbl.Owner(ctx, ko7)
	if err != nil || owner.String() != "v2" {
		t.Fatalf("Owner() = (%v, %v), want (v2, nil)", owner, err)
	}

	c, err := tbl.Counts(ctx, ko7)
	if err != nil || c != (Counts{}) {
		t.Fatalf("Counts() = (%+v, %v), want ({0 0}, nil)", c, err)
	}
}

func TestTable_CreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(kvstore.NewMemoryKV())
	ko1 := kref.NewObjectKRef(1)
	tbl.Create(ctx, ko1, kref.VatID("v1"))

	if err := tbl.Create(ctx, ko1, kref.VatID("v1")); err == nil {
		t.Fatal("Create() on existing kref succeeded, want error")
	}
}

func TestTable_IncrementBothMaintainsInvariant(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(kvstore.NewMemoryKV())
	ko9 := kref.NewObjectKRef(9)
	tbl.Create(ctx, ko9, kref.VatID("v2"))

	c, err := tbl.IncrementBoth(ctx, ko9)
	if err != nil || c != (Counts{Reachable: 1, Recognizable: 1}) {
		t.Fatalf("IncrementBoth() = (%+v, %v), want ({1 1}, nil)", c, err)
	}
	c, err = tbl.IncrementBoth(ctx, ko9)
	if err != nil || c != (Counts{Reachable: 2, Recognizable: 2}) {
		t.Fatalf("IncrementBoth() = (%+v, %v), want ({2 2}, nil)", c, err)
	}
}

func TestTable_DropCascade(t *testing.T) {
	// Mirrors spec.md scenario S2: ko9 owned by v2, imported by v1 and v3.
	ctx := context.Background()
	tbl := NewTable(kvstore.NewMemoryKV())
	ko9 := kref.NewObjectKRef(9)
	tbl.Create(ctx, ko9, kref.VatID("v2"))
	tbl.IncrementBoth(ctx, ko9) // v1 imports
	tbl.IncrementBoth(ctx, ko9) // v3 imports

	c, err := tbl.DecrementReachable(ctx, ko9) // v1 drops
	if err != nil || c != (Counts{Reachable: 1, Recognizable: 2}) {
		t.Fatalf("after v1 drop = (%+v, %v), want ({1 2}, nil)", c, err)
	}

	c, err = tbl.DecrementReachable(ctx, ko9) // v3 drops
	if err != nil || c != (Counts{Reachable: 0, Recognizable: 2}) {
		t.Fatalf("after v3 drop = (%+v, %v), want ({0 2}, nil)", c, err)
	}
}

func TestTable_DecrementReachableBelowZeroFails(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(kvstore.NewMemoryKV())
	ko3 := kref.NewObjectKRef(3)
	tbl.Create(ctx, ko3, kref.VatID("v1"))

	if _, err := tbl.DecrementReachable(ctx, ko3); !errors.Is(err, ErrInvariantViolated) {
		t.Fatalf("err = %v, want ErrInvariantViolated", err)
	}
}

func TestTable_DeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(kvstore.NewMemoryKV())
	ko5 := kref.NewObjectKRef(5)
	tbl.Create(ctx, ko5, kref.VatID("v1"))

	if err := tbl.Delete(ctx, ko5); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if exists, err := tbl.Exists(ctx, ko5); err != nil || exists {
		t.Fatalf("Exists() after Delete = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestTable_OwnerNotFound(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(kvstore.NewMemoryKV())
	if _, err := tbl.Owner(ctx, kref.NewObjectKRef(99)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
