package kvstore

import (
	"context"
	"testing"
)

func TestCounter_IncStartsAtStart(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c := NewCounter(kv, "next.vatId", 1)

	first, err := c.Inc(ctx)
	if err != nil || first != 1 {
		t.Fatalf("Inc() = (%v, %v), want (1, nil)", first, err)
	}
	second, err := c.Inc(ctx)
	if err != nil || second != 2 {
		t.Fatalf("Inc() = (%v, %v), want (2, nil)", second, err)
	}

	peek, err := c.Peek(ctx)
	if err != nil || peek != 3 {
		t.Fatalf("Peek() = (%v, %v), want (3, nil)", peek, err)
	}
}

func TestCounter_Reset(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c := NewCounter(kv, "next.objectId", 10)

	c.Inc(ctx)
	c.Inc(ctx)
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	v, err := c.Peek(ctx)
	if err != nil || v != 10 {
		t.Fatalf("Peek() after Reset = (%v, %v), want (10, nil)", v, err)
	}
}

func TestCounter_IndependentKeys(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	a := NewCounter(kv, "e.nextObjectId.o1", 0)
	b := NewCounter(kv, "e.nextObjectId.o2", 0)

	a.Inc(ctx)
	a.Inc(ctx)
	b.Inc(ctx)

	av, _ := a.Peek(ctx)
	bv, _ := b.Peek(ctx)
	if av != 2 || bv != 1 {
		t.Fatalf("a=%v b=%v, want a=2 b=1", av, bv)
	}
}
