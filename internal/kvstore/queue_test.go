package kvstore

import (
	"context"
	"testing"
)

func TestQueue_EnqueueDequeueOrder(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	q := NewQueue(kv, "run")

	for _, item := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue(%q): %v", item, err)
		}
	}

	length, err := q.Length(ctx)
	if err != nil || length != 3 {
		t.Fatalf("Length() = (%v, %v), want (3, nil)", length, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := q.Dequeue(ctx)
		if err != nil || !ok || got != want {
			t.Fatalf("Dequeue() = (%q, %v, %v), want (%q, true, nil)", got, ok, err, want)
		}
	}

	if _, ok, err := q.Dequeue(ctx); err != nil || ok {
		t.Fatalf("Dequeue() on empty queue = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	q := NewQueue(kv, "run")
	q.Enqueue(ctx, "x")

	v1, ok, err := q.Peek(ctx)
	if err != nil || !ok || v1 != "x" {
		t.Fatalf("Peek() = (%q, %v, %v), want (x, true, nil)", v1, ok, err)
	}
	v2, ok, err := q.Peek(ctx)
	if err != nil || !ok || v2 != "x" {
		t.Fatalf("Peek() again = (%q, %v, %v), want (x, true, nil)", v2, ok, err)
	}

	length, _ := q.Length(ctx)
	if length != 1 {
		t.Fatalf("Length() after Peek = %v, want 1", length)
	}
}

func TestQueue_LengthIsHeadMinusTail(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	q := NewQueue(kv, "run")

	if length, err := q.Length(ctx); err != nil || length != 0 {
		t.Fatalf("Length() on unused queue = (%v, %v), want (0, nil)", length, err)
	}

	q.Enqueue(ctx, "a")
	q.Enqueue(ctx, "b")
	q.Dequeue(ctx)

	length, err := q.Length(ctx)
	if err != nil || length != 1 {
		t.Fatalf("Length() = (%v, %v), want (1, nil)", length, err)
	}
}

func TestQueue_DeleteThenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	q := NewQueue(kv, "gcActions")

	q.Enqueue(ctx, "a")
	q.Enqueue(ctx, "b")
	q.Dequeue(ctx)

	if err := q.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	deleted, err := q.Deleted(ctx)
	if err != nil || !deleted {
		t.Fatalf("Deleted() = (%v, %v), want (true, nil)", deleted, err)
	}

	if err := q.Enqueue(ctx, "c"); err == nil {
		t.Fatal("Enqueue() on deleted queue succeeded, want error")
	}
}

func TestQueue_DeleteRemovesAllEntries(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	q := NewQueue(kv, "run")
	q.Enqueue(ctx, "a")
	q.Enqueue(ctx, "b")

	if err := q.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for _, key := range []string{"queue.run.head", "queue.run.tail", "queue.run.0", "queue.run.1"} {
		if _, ok, _ := kv.Get(ctx, key); ok {
			t.Errorf("key %q still present after Delete", key)
		}
	}
}

func TestQueue_NeverUsedIsNotDeleted(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	q := NewQueue(kv, "run")

	deleted, err := q.Deleted(ctx)
	if err != nil || deleted {
		t.Fatalf("Deleted() on fresh queue = (%v, %v), want (false, nil)", deleted, err)
	}
	if err := q.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("Enqueue() on fresh queue: %v", err)
	}
}
