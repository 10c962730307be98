// Package kvstore implements the kernel's persistent store (spec §4.1):
// typed projections — cached/raw values, queues, counters, prefix scans —
// over a flat string-to-string KV store. All mutations inside a single
// crank are expected to be applied through one KVStore obtained from
// WithTransaction, so the embedding database commits them atomically.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ocapkernel/kernel/internal/kernelerr"
)

// ErrNotFound is returned by GetRequired when the key is absent.
var ErrNotFound = errors.New("kvstore: key not found")

// KVStore is the untyped key/value contract every typed projection in
// this package is built on. Keys and values are both strings; ordering
// is lexical byte order.
type KVStore interface {
	// Get returns the value and true, or "", false if the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// GetRequired returns ErrNotFound (wrapped) if the key is absent.
	GetRequired(ctx context.Context, key string) (string, error)
	// Set writes key=value, creating or overwriting it.
	Set(ctx context.Context, key, value string) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// GetNextKey returns the smallest key strictly greater than after
	// that has the given prefix, for ordered prefix iteration. ok is
	// false once iteration is exhausted.
	GetNextKey(ctx context.Context, prefix, after string) (key string, ok bool, err error)

	// WithTransaction runs fn with a KVStore whose writes are committed
	// as a single logical transaction if fn returns nil, and rolled back
	// otherwise. Implementations may alias store (in-memory) or open a
	// real DB transaction (Postgres).
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx KVStore) error) error
}

func wrapNotFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}

// GetRequiredFrom is a helper for KVStore implementations' GetRequired:
// it adapts a plain Get into the required-value contract.
func GetRequiredFrom(ctx context.Context, kv KVStore, key string) (string, error) {
	v, ok, err := kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", kernelerr.ErrStorageError, err)
	}
	if !ok {
		return "", wrapNotFound(key)
	}
	return v, nil
}

// ParseCounterValue parses a counter's decimal-string storage form.
func ParseCounterValue(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// FormatCounterValue formats a counter value to its decimal-string storage form.
func FormatCounterValue(n uint64) string {
	return strconv.FormatUint(n, 10)
}
