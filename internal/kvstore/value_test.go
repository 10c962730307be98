package kvstore

import (
	"context"
	"testing"
)

func TestRawValue_Get_InstallsDefaultOnce(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	def := "default"
	rv := NewRawValue(kv, "k", &def)

	v, ok, err := rv.Get(ctx)
	if err != nil || !ok || v != "default" {
		t.Fatalf("Get() = (%q, %v, %v), want (default, true, nil)", v, ok, err)
	}

	stored, _, _ := kv.Get(ctx, "k")
	if stored != "default" {
		t.Errorf("underlying store = %q, want default to be installed", stored)
	}

	rv.Set(ctx, "changed")
	v, ok, err = rv.Get(ctx)
	if err != nil || !ok || v != "changed" {
		t.Fatalf("Get() after Set = (%q, %v, %v), want (changed, true, nil)", v, ok, err)
	}
}

func TestRawValue_Get_NoDefaultStaysAbsent(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	rv := NewRawValue(kv, "k", nil)

	_, ok, err := rv.Get(ctx)
	if err != nil || ok {
		t.Fatalf("Get() = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestRawValue_AlwaysReReads(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	rv := NewRawValue(kv, "k", nil)

	rv.Set(ctx, "a")
	kv.Set(ctx, "k", "mutated-out-of-band")

	v, ok, err := rv.Get(ctx)
	if err != nil || !ok || v != "mutated-out-of-band" {
		t.Fatalf("Get() = (%q, %v, %v), want (mutated-out-of-band, true, nil)", v, ok, err)
	}
}

func TestCachedValue_ServesFromCacheUntilInvalidate(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	cv := NewCachedValue(kv, "k", nil)

	cv.Set(ctx, "a")
	kv.Set(ctx, "k", "mutated-out-of-band")

	v, ok, err := cv.Get(ctx)
	if err != nil || !ok || v != "a" {
		t.Fatalf("Get() before Invalidate = (%q, %v, %v), want (a, true, nil)", v, ok, err)
	}

	cv.Invalidate()
	v, ok, err = cv.Get(ctx)
	if err != nil || !ok || v != "mutated-out-of-band" {
		t.Fatalf("Get() after Invalidate = (%q, %v, %v), want (mutated-out-of-band, true, nil)", v, ok, err)
	}
}

func TestCachedValue_DeleteCachesAbsence(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	cv := NewCachedValue(kv, "k", nil)

	cv.Set(ctx, "a")
	if err := cv.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	kv.Set(ctx, "k", "resurrected-out-of-band")
	_, ok, err := cv.Get(ctx)
	if err != nil || ok {
		t.Fatalf("Get() after Delete = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}
