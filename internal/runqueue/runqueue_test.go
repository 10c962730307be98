package runqueue

import (
	"context"
	"testing"
	"time"

	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
)

func newTestQueue() *RunQueue {
	return New(kvstore.NewMemoryKV(), NewChannelWakeup())
}

func TestRunQueue_FIFOOrder(t *testing.T) {
	ctx := context.Background()
	rq := newTestQueue()

	rq.Enqueue(ctx, NewSend(kref.NewObjectKRef(1), "foo", kref.CapData{}, ""))
	rq.Enqueue(ctx, NewSend(kref.NewObjectKRef(2), "bar", kref.CapData{}, ""))

	first, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.Method != "foo" {
		t.Fatalf("first = %+v, want method foo", first)
	}
	second, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if second.Method != "bar" {
		t.Fatalf("second = %+v, want method bar", second)
	}
}

// TestRunQueue_S6_ReapOrdering mirrors spec.md scenario S6: with a
// non-empty run queue, scheduling a reap makes the next dequeue a
// bringOutYourDead, not the regular FIFO head.
func TestRunQueue_S6_ReapOrdering(t *testing.T) {
	ctx := context.Background()
	rq := newTestQueue()
	v4 := kref.VatID("v4")

	rq.Enqueue(ctx, NewSend(kref.NewObjectKRef(1), "foo", kref.CapData{}, ""))
	rq.EnqueueReap(ctx, v4)

	item, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item.Kind != KindBringOutYourDead || item.VatID.String() != "v4" {
		t.Fatalf("Dequeue() = %+v, want bringOutYourDead(v4)", item)
	}

	next, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if next.Kind != KindSend {
		t.Fatalf("Dequeue() after reap = %+v, want the deferred send", next)
	}
}

func TestRunQueue_GCActionOutranksReapAndRegular(t *testing.T) {
	ctx := context.Background()
	rq := newTestQueue()
	v1, v2 := kref.VatID("v1"), kref.VatID("v2")

	rq.Enqueue(ctx, NewSend(kref.NewObjectKRef(1), "foo", kref.CapData{}, ""))
	rq.EnqueueReap(ctx, v1)
	rq.EnqueueGCAction(ctx, KindDropExports, v2, kref.NewObjectKRef(9))

	item, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item.Kind != KindDropExports {
		t.Fatalf("Dequeue() = %+v, want dropExports first", item)
	}
}

func TestRunQueue_GCActionsBatchedByVatAndType(t *testing.T) {
	ctx := context.Background()
	rq := newTestQueue()
	v1 := kref.VatID("v1")

	rq.EnqueueGCAction(ctx, KindDropExports, v1, kref.NewObjectKRef(1))
	rq.EnqueueGCAction(ctx, KindDropExports, v1, kref.NewObjectKRef(2))
	rq.EnqueueGCAction(ctx, KindRetireExports, v1, kref.NewObjectKRef(3))

	item, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item.Kind != KindDropExports || len(item.KRefs) != 2 {
		t.Fatalf("Dequeue() = %+v, want batched dropExports with 2 krefs", item)
	}

	item2, err := rq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item2.Kind != KindRetireExports || len(item2.KRefs) != 1 {
		t.Fatalf("Dequeue() = %+v, want retireExports with 1 kref", item2)
	}
}

func TestRunQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	ctx := context.Background()
	rq := newTestQueue()

	done := make(chan Item, 1)
	go func() {
		item, err := rq.Dequeue(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		done <- item
	}()

	time.Sleep(20 * time.Millisecond)
	rq.Enqueue(ctx, NewNotify(kref.VatID("v1"), kref.NewPromiseKRef(4)))

	select {
	case item := <-done:
		if item.Kind != KindNotify {
			t.Fatalf("item = %+v, want notify", item)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Enqueue")
	}
}

func TestRunQueue_DequeueRespectsContextCancellation(t *testing.T) {
	rq := newTestQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rq.Dequeue(ctx)
	if err == nil {
		t.Fatal("Dequeue on empty queue with cancelled context should error")
	}
}

func TestRunQueue_Stats(t *testing.T) {
	ctx := context.Background()
	rq := newTestQueue()
	rq.Enqueue(ctx, NewSend(kref.NewObjectKRef(1), "foo", kref.CapData{}, ""))
	rq.EnqueueReap(ctx, kref.VatID("v1"))
	rq.EnqueueGCAction(ctx, KindRetireImports, kref.VatID("v2"), kref.NewObjectKRef(5))

	stats, err := rq.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Regular != 1 || stats.Reap != 1 || stats.GCActions != 1 {
		t.Fatalf("Stats() = %+v, want {1 1 1}", stats)
	}
}
