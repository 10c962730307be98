package kvstore

import "context"

// Counter is a monotonically non-decreasing integer stored as its
// decimal string. Used for the kernel's allocator counters
// (nextVatId, nextRemoteId, nextObjectId, nextPromiseId, and the
// per-endpoint e.nextObjectId.<id> / e.nextPromiseId.<id> variants).
type Counter struct {
	kv    KVStore
	key   string
	start uint64
}

// NewCounter returns a Counter at key, initialized to start if absent.
func NewCounter(kv KVStore, key string, start uint64) *Counter {
	return &Counter{kv: kv, key: key, start: start}
}

// Inc returns the counter's prior value and writes prior+1.
func (c *Counter) Inc(ctx context.Context) (uint64, error) {
	cur, err := c.Peek(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.kv.Set(ctx, c.key, FormatCounterValue(cur+1)); err != nil {
		return 0, err
	}
	return cur, nil
}

// Peek returns the counter's current value without incrementing it.
func (c *Counter) Peek(ctx context.Context) (uint64, error) {
	v, ok, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return c.start, nil
	}
	return ParseCounterValue(v)
}

// Reset sets the counter back to its start value.
func (c *Counter) Reset(ctx context.Context) error {
	return c.kv.Set(ctx, c.key, FormatCounterValue(c.start))
}
