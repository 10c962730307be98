package kvstore

import (
	"context"
	"fmt"
)

// Queue is a FIFO persisted as head/tail counters plus one key per
// entry, at "queue.<name>.head", "queue.<name>.tail" and
// "queue.<name>.<pos>" (spec §4.1, §6). Length is always head − tail;
// positions are contiguous; enqueueing into a deleted queue fails.
type Queue struct {
	kv   KVStore
	name string
}

// NewQueue returns a Queue projection named name over kv.
func NewQueue(kv KVStore, name string) *Queue {
	return &Queue{kv: kv, name: name}
}

func (q *Queue) headKey() string       { return fmt.Sprintf("queue.%s.head", q.name) }
func (q *Queue) tailKey() string       { return fmt.Sprintf("queue.%s.tail", q.name) }
func (q *Queue) tombstoneKey() string  { return fmt.Sprintf("queue.%s.deleted", q.name) }
func (q *Queue) entryKey(pos uint64) string {
	return fmt.Sprintf("queue.%s.%d", q.name, pos)
}

// Deleted reports whether Delete has ever been called on this queue.
// A deleted queue's name is retired: Enqueue fails on it permanently.
func (q *Queue) Deleted(ctx context.Context) (bool, error) {
	_, ok, err := q.kv.Get(ctx, q.tombstoneKey())
	return ok, err
}

func (q *Queue) bounds(ctx context.Context) (head, tail uint64, err error) {
	headStr, ok, err := q.kv.Get(ctx, q.headKey())
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, nil
	}
	tailStr, ok, err := q.kv.Get(ctx, q.tailKey())
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("kvstore: queue %q has head but no tail", q.name)
	}
	head, err = ParseCounterValue(headStr)
	if err != nil {
		return 0, 0, err
	}
	tail, err = ParseCounterValue(tailStr)
	if err != nil {
		return 0, 0, err
	}
	return head, tail, nil
}

// Enqueue appends item to the queue's tail. Fails if the queue was
// previously deleted (spec §4.1: "enqueue into a deleted queue fails").
func (q *Queue) Enqueue(ctx context.Context, item string) error {
	if deleted, err := q.Deleted(ctx); err != nil {
		return err
	} else if deleted {
		return fmt.Errorf("kvstore: queue %q was deleted", q.name)
	}
	head, tail, err := q.bounds(ctx)
	if err != nil {
		return err
	}
	if err := q.kv.Set(ctx, q.entryKey(head), item); err != nil {
		return err
	}
	if err := q.kv.Set(ctx, q.headKey(), FormatCounterValue(head+1)); err != nil {
		return err
	}
	// tail defaults to 0 on first use; only write it if it didn't exist.
	if _, ok, err := q.kv.Get(ctx, q.tailKey()); err != nil {
		return err
	} else if !ok {
		if err := q.kv.Set(ctx, q.tailKey(), FormatCounterValue(tail)); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue removes and returns the item at the queue's tail, or ("", false)
// if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (string, bool, error) {
	head, tail, err := q.bounds(ctx)
	if err != nil {
		return "", false, err
	}
	if tail >= head {
		return "", false, nil
	}
	item, err := q.kv.GetRequired(ctx, q.entryKey(tail))
	if err != nil {
		return "", false, err
	}
	if err := q.kv.Delete(ctx, q.entryKey(tail)); err != nil {
		return "", false, err
	}
	if err := q.kv.Set(ctx, q.tailKey(), FormatCounterValue(tail+1)); err != nil {
		return "", false, err
	}
	return item, true, nil
}

// Peek returns the item at the queue's tail without removing it.
func (q *Queue) Peek(ctx context.Context) (string, bool, error) {
	head, tail, err := q.bounds(ctx)
	if err != nil {
		return "", false, err
	}
	if tail >= head {
		return "", false, nil
	}
	item, err := q.kv.GetRequired(ctx, q.entryKey(tail))
	if err != nil {
		return "", false, err
	}
	return item, true, nil
}

// Length returns head − tail.
func (q *Queue) Length(ctx context.Context) (uint64, error) {
	head, tail, err := q.bounds(ctx)
	if err != nil {
		return 0, err
	}
	if head < tail {
		return 0, fmt.Errorf("kvstore: queue %q has head < tail", q.name)
	}
	return head - tail, nil
}

// Delete removes every entry and the head/tail counters, and tombstones
// the queue's name so a subsequent Enqueue fails rather than silently
// starting a fresh queue from position 0 (spec §4.1).
func (q *Queue) Delete(ctx context.Context) error {
	head, tail, err := q.bounds(ctx)
	if err != nil {
		return err
	}
	for pos := tail; pos < head; pos++ {
		if err := q.kv.Delete(ctx, q.entryKey(pos)); err != nil {
			return err
		}
	}
	if err := q.kv.Delete(ctx, q.headKey()); err != nil {
		return err
	}
	if err := q.kv.Delete(ctx, q.tailKey()); err != nil {
		return err
	}
	return q.kv.Set(ctx, q.tombstoneKey(), "1")
}
