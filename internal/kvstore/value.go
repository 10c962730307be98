package kvstore

import "context"

// StoredValue is a typed projection over a single key. Raw always
// re-reads from the store; Cached keeps the last known value in memory
// and only re-reads after an explicit Invalidate.
type StoredValue interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, value string) error
	Delete(ctx context.Context) error
}

// RawValue always reads through to the underlying store.
type RawValue struct {
	kv      KVStore
	key     string
	initial *string // installed on first read if the key is absent
}

// NewRawValue returns a StoredValue that never caches. If def is
// non-nil, it is written (once) the first time the key is found absent.
func NewRawValue(kv KVStore, key string, def *string) *RawValue {
	return &RawValue{kv: kv, key: key, initial: def}
}

func (r *RawValue) Get(ctx context.Context) (string, bool, error) {
	v, ok, err := r.kv.Get(ctx, r.key)
	if err != nil {
		return "", false, err
	}
	if ok {
		return v, true, nil
	}
	if r.initial == nil {
		return "", false, nil
	}
	if err := r.kv.Set(ctx, r.key, *r.initial); err != nil {
		return "", false, err
	}
	return *r.initial, true, nil
}

func (r *RawValue) Set(ctx context.Context, value string) error {
	return r.kv.Set(ctx, r.key, value)
}

func (r *RawValue) Delete(ctx context.Context) error {
	return r.kv.Delete(ctx, r.key)
}

// CachedValue keeps the last known value in memory and services reads
// from memory until Invalidate is called (e.g. because another process
// may have mutated the underlying store out of band).
type CachedValue struct {
	raw     *RawValue
	cached  string
	present bool
	valid   bool
}

// NewCachedValue wraps key with an in-memory cache.
func NewCachedValue(kv KVStore, key string, def *string) *CachedValue {
	return &CachedValue{raw: NewRawValue(kv, key, def)}
}

func (c *CachedValue) Get(ctx context.Context) (string, bool, error) {
	if c.valid {
		return c.cached, c.present, nil
	}
	v, ok, err := c.raw.Get(ctx)
	if err != nil {
		return "", false, err
	}
	c.cached, c.present, c.valid = v, ok, true
	return v, ok, nil
}

func (c *CachedValue) Set(ctx context.Context, value string) error {
	if err := c.raw.Set(ctx, value); err != nil {
		return err
	}
	c.cached, c.present, c.valid = value, true, true
	return nil
}

func (c *CachedValue) Delete(ctx context.Context) error {
	if err := c.raw.Delete(ctx); err != nil {
		return err
	}
	c.cached, c.present, c.valid = "", false, true
	return nil
}

// Invalidate forces the next Get to re-read the underlying store.
func (c *CachedValue) Invalidate() {
	c.valid = false
}
