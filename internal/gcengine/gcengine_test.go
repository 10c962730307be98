package gcengine

import (
	"context"
	"testing"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/runqueue"
)

func newTestEngine() (*Engine, *clist.CList, *objects.Table, *promise.Table, *runqueue.RunQueue) {
	kv := kvstore.NewMemoryKV()
	objTable := objects.NewTable(kv)
	promTable := promise.NewTable(kv)
	cl := clist.New(kv, objTable, promTable)
	rq := runqueue.New(kv, runqueue.NewChannelWakeup())
	return New(cl, objTable, promTable, rq), cl, objTable, promTable, rq
}

// TestEngine_S2_DropCascade mirrors spec.md scenario S2: ko9 owned by
// v2, imported by v1 and v3. Dropping v1's import leaves it still
// recognizable/reachable via v3, emitting nothing; dropping v3's import
// too drops reachable to zero and emits one dropExport to v2.
func TestEngine_S2_DropCascade(t *testing.T) {
	ctx := context.Background()
	e, cl, objTable, _, rq := newTestEngine()
	ko9 := kref.NewObjectKRef(9)
	v1, v2, v3 := kref.VatID("v1"), kref.VatID("v2"), kref.VatID("v3")
	objTable.Create(ctx, ko9, v2)

	cl.TranslateRefKtoE(ctx, v1, ko9, true, true)
	cl.TranslateRefKtoE(ctx, v3, ko9, true, true)

	set := NewMaybeFreeSet()
	becameUnreachable, err := cl.ClearReachableFlag(ctx, v1, ko9)
	if err != nil {
		t.Fatalf("ClearReachableFlag(v1): %v", err)
	}
	if becameUnreachable {
		set.Add(ko9)
	}
	if err := e.Harvest(ctx, set); err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if stats, _ := rq.Stats(ctx); stats.GCActions != 0 {
		t.Fatalf("Stats().GCActions = %d after v1 drop alone, want 0", stats.GCActions)
	}

	set = NewMaybeFreeSet()
	becameUnreachable, err = cl.ClearReachableFlag(ctx, v3, ko9)
	if err != nil {
		t.Fatalf("ClearReachableFlag(v3): %v", err)
	}
	if !becameUnreachable {
		t.Fatal("ClearReachableFlag(v3) did not report becameUnreachable")
	}
	set.Add(ko9)
	if err := e.Harvest(ctx, set); err != nil {
		t.Fatalf("Harvest: %v", err)
	}

	item, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item.Kind != runqueue.KindDropExports || item.VatID.String() != "v2" || len(item.KRefs) != 1 || item.KRefs[0] != ko9 {
		t.Fatalf("Dequeue() = %+v, want dropExports(v2, [ko9])", item)
	}
}

func TestEngine_HarvestObject_BothCountsZero_EmitsRetireExportAndRetireImports(t *testing.T) {
	ctx := context.Background()
	e, cl, objTable, _, rq := newTestEngine()
	ko1 := kref.NewObjectKRef(1)
	v1, v2 := kref.VatID("v1"), kref.VatID("v2")
	objTable.Create(ctx, ko1, v2)

	cl.TranslateRefKtoE(ctx, v1, ko1, true, true)
	cl.ClearReachableFlag(ctx, v1, ko1)
	objTable.DecrementRecognizable(ctx, ko1)

	set := NewMaybeFreeSet()
	set.Add(ko1)
	if err := e.Harvest(ctx, set); err != nil {
		t.Fatalf("Harvest: %v", err)
	}

	first, err := rq.Dequeue(ctx)
	if err != nil || first.Kind != runqueue.KindRetireImports || first.VatID.String() != "v1" {
		t.Fatalf("first item = %+v (%v), want retireImports(v1)", first, err)
	}
	second, err := rq.Dequeue(ctx)
	if err != nil || second.Kind != runqueue.KindRetireExports {
		t.Fatalf("second item = %+v (%v), want retireExports", second, err)
	}
}

func TestEngine_HarvestPromise_DeletesWhenResolvedAndZero(t *testing.T) {
	ctx := context.Background()
	e, _, _, promTable, _ := newTestEngine()
	kp1 := kref.NewPromiseKRef(1)
	promTable.Create(ctx, kp1, kref.VatID("v2"))
	promTable.Resolve(ctx, kp1, kref.VatID("v2"), false, kref.CapData{Body: "1"})

	set := NewMaybeFreeSet()
	set.Add(kp1)
	if err := e.Harvest(ctx, set); err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if _, err := promTable.State(ctx, kp1); err == nil {
		t.Fatal("promise still present after Harvest, want deleted")
	}
}

func TestEngine_HarvestPromise_KeepsUnresolvedEvenAtZeroRefcount(t *testing.T) {
	ctx := context.Background()
	e, _, _, promTable, _ := newTestEngine()
	kp2 := kref.NewPromiseKRef(2)
	promTable.Create(ctx, kp2, kref.VatID("v2"))

	set := NewMaybeFreeSet()
	set.Add(kp2)
	if err := e.Harvest(ctx, set); err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if _, err := promTable.State(ctx, kp2); err != nil {
		t.Fatalf("unresolved promise was deleted: %v", err)
	}
}

func TestEngine_FilterBatch_DropExports_DiscardsWhenReachableFlagAlreadyFalse(t *testing.T) {
	ctx := context.Background()
	e, cl, objTable, _, _ := newTestEngine()
	ko3 := kref.NewObjectKRef(3)
	v1, v2 := kref.VatID("v1"), kref.VatID("v2")
	objTable.Create(ctx, ko3, v2)
	cl.TranslateRefKtoE(ctx, v1, ko3, true, true)
	cl.ClearReachableFlag(ctx, v1, ko3)
	cl.TranslateRefKtoE(ctx, v2, ko3, true, true)
	cl.ClearReachableFlag(ctx, v2, ko3)

	live, err := e.FilterBatch(ctx, runqueue.KindDropExports, v2, []kref.KRef{ko3})
	if err != nil {
		t.Fatalf("FilterBatch: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("FilterBatch() = %v, want empty (reachable flag already cleared)", live)
	}
}

func TestEngine_FilterBatch_RetireImports_DiscardsWhenNoCListEntry(t *testing.T) {
	ctx := context.Background()
	e, _, _, _, _ := newTestEngine()
	ko4 := kref.NewObjectKRef(4)

	live, err := e.FilterBatch(ctx, runqueue.KindRetireImports, kref.VatID("v1"), []kref.KRef{ko4})
	if err != nil {
		t.Fatalf("FilterBatch: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("FilterBatch() = %v, want empty (no c-list entry)", live)
	}
}

func TestEngine_FilterBatch_RetireImports_KeepsWhenEntryPresent(t *testing.T) {
	ctx := context.Background()
	e, cl, objTable, _, _ := newTestEngine()
	ko5 := kref.NewObjectKRef(5)
	v1, v2 := kref.VatID("v1"), kref.VatID("v2")
	objTable.Create(ctx, ko5, v2)
	cl.TranslateRefKtoE(ctx, v1, ko5, true, true)

	live, err := e.FilterBatch(ctx, runqueue.KindRetireImports, v1, []kref.KRef{ko5})
	if err != nil {
		t.Fatalf("FilterBatch: %v", err)
	}
	if len(live) != 1 || live[0] != ko5 {
		t.Fatalf("FilterBatch() = %v, want [ko5]", live)
	}
}
