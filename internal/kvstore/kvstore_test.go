package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ocapkernel/kernel/internal/kernelerr"
)

func TestParseFormatCounterValue(t *testing.T) {
	tests := []uint64{0, 1, 42, 18446744073709551615}
	for _, n := range tests {
		s := FormatCounterValue(n)
		got, err := ParseCounterValue(s)
		if err != nil || got != n {
			t.Errorf("round-trip %d -> %q -> (%d, %v)", n, s, got, err)
		}
	}
}

func TestParseCounterValue_Invalid(t *testing.T) {
	if _, err := ParseCounterValue("not-a-number"); err == nil {
		t.Fatal("ParseCounterValue(not-a-number) succeeded, want error")
	}
}

func TestGetRequiredFrom_NotFoundIsWrapped(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	_, err := GetRequiredFrom(ctx, kv, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want wrapping ErrNotFound", err)
	}
}

type failingKV struct {
	KVStore
}

func (f failingKV) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func TestGetRequiredFrom_StorageErrorIsWrapped(t *testing.T) {
	ctx := context.Background()
	_, err := GetRequiredFrom(ctx, failingKV{}, "k")
	if !errors.Is(err, kernelerr.ErrStorageError) {
		t.Fatalf("err = %v, want wrapping kernelerr.ErrStorageError", err)
	}
}
