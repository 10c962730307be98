package runqueue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
)

const (
	regularQueueName = "run"
	reapQueueName     = "reap"
	gcActionSetPrefix = "gcaction."
)

// gcTypeRank implements spec §4.5's "dropExport < retireExport < retireImport"
// batch ordering.
var gcTypeRank = map[Kind]int{
	KindDropExports:   0,
	KindRetireExports: 1,
	KindRetireImports: 2,
}

// RunQueue is the kernel's persistent, prioritized work queue. A single
// reader calls Dequeue (or blocks in it); writers call Enqueue,
// EnqueueReap, or EnqueueGCAction possibly from other goroutines —
// concurrent writes are serialized by the caller's KV transaction.
// RunQueue holds no lock of its own; the Wakeup implementation guards
// its own subscriber list (spec §5: "Only one reader may suspend at a time").
type RunQueue struct {
	kv     kvstore.KVStore
	wakeup Wakeup
}

// New returns a RunQueue backed by kv, signalling item arrivals through
// wakeup. Pass NewChannelWakeup() for a single-process kernel, or a
// Redis-backed Wakeup to let multiple kernel processes sharing one
// Postgres-backed kv observe each other's enqueues.
func New(kv kvstore.KVStore, wakeup Wakeup) *RunQueue {
	if wakeup == nil {
		wakeup = NewChannelWakeup()
	}
	return &RunQueue{kv: kv, wakeup: wakeup}
}

func (r *RunQueue) regular() *kvstore.Queue { return kvstore.NewQueue(r.kv, regularQueueName) }
func (r *RunQueue) reap() *kvstore.Queue    { return kvstore.NewQueue(r.kv, reapQueueName) }

// Enqueue appends item to the ordinary FIFO and wakes a suspended reader.
func (r *RunQueue) Enqueue(ctx context.Context, item Item) error {
	s, err := encodeItem(item)
	if err != nil {
		return err
	}
	wasEmpty, err := r.isFullyEmpty(ctx)
	if err != nil {
		return err
	}
	if err := r.regular().Enqueue(ctx, s); err != nil {
		return err
	}
	if wasEmpty {
		r.signal(ctx)
	}
	return nil
}

// EnqueueReap schedules vat for a bringOutYourDead poll (spec §4.5's
// reap queue), waking a suspended reader.
func (r *RunQueue) EnqueueReap(ctx context.Context, vat kref.EndpointID) error {
	wasEmpty, err := r.isFullyEmpty(ctx)
	if err != nil {
		return err
	}
	if err := r.reap().Enqueue(ctx, vat.String()); err != nil {
		return err
	}
	if wasEmpty {
		r.signal(ctx)
	}
	return nil
}

// EnqueueGCAction persists a GC action for vat under a sortable key
// "<vatId> <type> <kref>" so the batch survives restart (spec §4.5),
// waking a suspended reader.
func (r *RunQueue) EnqueueGCAction(ctx context.Context, kind Kind, vat kref.EndpointID, k kref.KRef) error {
	rank, ok := gcTypeRank[kind]
	if !ok {
		return fmt.Errorf("runqueue: %q is not a GC action kind", kind)
	}
	wasEmpty, err := r.isFullyEmpty(ctx)
	if err != nil {
		return err
	}
	key := gcActionSetPrefix + fmt.Sprintf("%s %d %s", vat, rank, k)
	if err := r.kv.Set(ctx, key, string(kind)); err != nil {
		return err
	}
	if wasEmpty {
		r.signal(ctx)
	}
	return nil
}

// isFullyEmpty reports whether the regular queue, reap queue, and GC
// action set are all empty, used to decide whether a fresh enqueue must
// wake a suspended reader.
func (r *RunQueue) isFullyEmpty(ctx context.Context) (bool, error) {
	if n, err := r.regular().Length(ctx); err != nil {
		return false, err
	} else if n > 0 {
		return false, nil
	}
	if n, err := r.reap().Length(ctx); err != nil {
		return false, err
	} else if n > 0 {
		return false, nil
	}
	has, err := r.hasPendingGCAction(ctx)
	if err != nil {
		return false, err
	}
	return !has, nil
}

func (r *RunQueue) hasPendingGCAction(ctx context.Context) (bool, error) {
	_, ok, err := r.kv.GetNextKey(ctx, gcActionSetPrefix, gcActionSetPrefix)
	return ok, err
}

// nextGCActionBatch scans the GC action set for the first group —
// smallest vatId, then smallest type rank — and returns every kref in
// that group as one batched item, deleting their stored entries.
func (r *RunQueue) nextGCActionBatch(ctx context.Context) (Item, bool, error) {
	type entry struct {
		key  string
		vat  string
		rank int
		kref kref.KRef
	}
	var entries []entry
	after := gcActionSetPrefix
	for {
		key, ok, err := r.kv.GetNextKey(ctx, gcActionSetPrefix, after)
		if err != nil {
			return Item{}, false, err
		}
		if !ok {
			break
		}
		after = key
		rest := strings.TrimPrefix(key, gcActionSetPrefix)
		parts := strings.SplitN(rest, " ", 3)
		if len(parts) != 3 {
			return Item{}, false, fmt.Errorf("runqueue: malformed gc action key %q", key)
		}
		var rank int
		if _, err := fmt.Sscanf(parts[1], "%d", &rank); err != nil {
			return Item{}, false, fmt.Errorf("runqueue: malformed gc action key %q: %w", key, err)
		}
		entries = append(entries, entry{key: key, vat: parts[0], rank: rank, kref: kref.KRef(parts[2])})
	}
	if len(entries) == 0 {
		return Item{}, false, nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].vat != entries[j].vat {
			return entries[i].vat < entries[j].vat
		}
		if entries[i].rank != entries[j].rank {
			return entries[i].rank < entries[j].rank
		}
		return entries[i].kref < entries[j].kref
	})
	first := entries[0]
	var kindStr string
	if v, ok, err := r.kv.Get(ctx, first.key); err != nil {
		return Item{}, false, err
	} else if !ok {
		return Item{}, false, fmt.Errorf("runqueue: gc action key %q vanished mid-scan", first.key)
	} else {
		kindStr = v
	}

	vatID, err := kref.ParseEndpointID(first.vat)
	if err != nil {
		return Item{}, false, err
	}

	var krefs []kref.KRef
	for _, e := range entries {
		if e.vat != first.vat || e.rank != first.rank {
			continue
		}
		krefs = append(krefs, e.kref)
		if err := r.kv.Delete(ctx, e.key); err != nil {
			return Item{}, false, err
		}
	}
	return NewGCAction(Kind(kindStr), vatID, krefs), true, nil
}

// Dequeue returns the next item per spec §4.3's priority rule — a
// pending GC action, then the next reap item, then the head of the
// ordinary FIFO — or blocks until one arrives or ctx is done.
func (r *RunQueue) Dequeue(ctx context.Context) (Item, error) {
	for {
		item, ok, err := r.tryDequeue(ctx)
		if err != nil {
			return Item{}, err
		}
		if ok {
			return item, nil
		}
		if err := r.suspend(ctx); err != nil {
			return Item{}, err
		}
	}
}

// tryDequeue attempts one non-blocking priority selection, returning
// ok=false if every source is currently empty.
func (r *RunQueue) tryDequeue(ctx context.Context) (Item, bool, error) {
	if item, ok, err := r.nextGCActionBatch(ctx); err != nil {
		return Item{}, false, err
	} else if ok {
		return item, true, nil
	}
	if vatStr, ok, err := r.reap().Dequeue(ctx); err != nil {
		return Item{}, false, err
	} else if ok {
		vat, err := kref.ParseEndpointID(vatStr)
		if err != nil {
			return Item{}, false, err
		}
		return NewBringOutYourDead(vat), true, nil
	}
	if raw, ok, err := r.regular().Dequeue(ctx); err != nil {
		return Item{}, false, err
	} else if ok {
		item, err := decodeItem(raw)
		if err != nil {
			return Item{}, false, err
		}
		return item, true, nil
	}
	return Item{}, false, nil
}

// suspend blocks until the wakeup signal fires or ctx is cancelled.
// Only one reader suspends at a time (spec §5); callers must serialize
// Dequeue calls themselves, matching the kernel's single-reader crank loop.
func (r *RunQueue) suspend(ctx context.Context) error {
	ch := r.wakeup.Subscribe(ctx)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RunQueue) signal(ctx context.Context) {
	// Best-effort: a failed wakeup publish does not lose the item,
	// it only delays a waiting reader until its next poll.
	_ = r.wakeup.Notify(ctx)
}

// Stats reports the current depth of each queue, for inspection and
// metrics (SPEC_FULL.md's `kerneld inspect` subcommand).
type Stats struct {
	Regular   uint64
	Reap      uint64
	GCActions uint64
}

// Stats returns the current depth of each queue source.
func (r *RunQueue) Stats(ctx context.Context) (Stats, error) {
	regular, err := r.regular().Length(ctx)
	if err != nil {
		return Stats{}, err
	}
	reap, err := r.reap().Length(ctx)
	if err != nil {
		return Stats{}, err
	}
	gcCount := uint64(0)
	after := gcActionSetPrefix
	for {
		key, ok, err := r.kv.GetNextKey(ctx, gcActionSetPrefix, after)
		if err != nil {
			return Stats{}, err
		}
		if !ok {
			break
		}
		gcCount++
		after = key
	}
	return Stats{Regular: regular, Reap: reap, GCActions: gcCount}, nil
}
