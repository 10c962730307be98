// Package gcengine implements the kernel's garbage collector (spec
// §4.5): harvesting the maybe-free set at the end of a crank into
// persisted GC actions, and re-validating those actions against
// current state just before delivery so a crash-and-restart or an
// intervening operation never causes a stale action to misfire.
package gcengine

import (
	"context"
	"errors"
	"sync"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/runqueue"
)

// ReapChunkSize bounds how many c-list entries the terminated-vat
// cleanup sweep processes per crank, so one large vat does not starve
// the rest of the run queue (spec §4.5's "chunked so one vat does not
// starve others"; the exact bound is an open question the spec leaves
// to the implementation — see DESIGN.md).
const ReapChunkSize = 64

// Engine is the kernel's GC engine: it owns no state of its own beyond
// its collaborators, all of which are already persisted through kv.
type Engine struct {
	clist    *clist.CList
	objects  *objects.Table
	promises *promise.Table
	runq     *runqueue.RunQueue
}

// New returns an Engine wiring the reference-translation, object, and
// promise tables to the run queue actions get enqueued on.
func New(cl *clist.CList, objTable *objects.Table, promTable *promise.Table, rq *runqueue.RunQueue) *Engine {
	return &Engine{clist: cl, objects: objTable, promises: promTable, runq: rq}
}

// MaybeFreeSet is the RAM-only set of krefs whose refcounts changed
// since it was last harvested (spec §4.5). A kernel runs one vat's
// worker syscalls concurrently with its crank loop's own deliveries
// (internal/vat's ServeLoop dispatches vat-issued syscalls on its own
// goroutine per vat), so this set is written from multiple goroutines
// at once and guards its map with a mutex — unlike the rest of this
// package, which relies on the crank loop's single-reader discipline.
type MaybeFreeSet struct {
	mu    sync.Mutex
	krefs map[kref.KRef]struct{}
}

// NewMaybeFreeSet returns an empty set.
func NewMaybeFreeSet() *MaybeFreeSet {
	return &MaybeFreeSet{krefs: make(map[kref.KRef]struct{})}
}

// Add records k as touched.
func (s *MaybeFreeSet) Add(k kref.KRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.krefs[k] = struct{}{}
}

// Len reports how many distinct krefs are currently recorded.
func (s *MaybeFreeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.krefs)
}

// DrainKrefs returns the touched krefs in no particular order and
// atomically clears the set, so a fresh round of mutations accumulates
// independently of whatever Harvest does with the drained batch.
func (s *MaybeFreeSet) DrainKrefs() []kref.KRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kref.KRef, 0, len(s.krefs))
	for k := range s.krefs {
		out = append(out, k)
	}
	s.krefs = make(map[kref.KRef]struct{})
	return out
}

// Krefs returns the touched krefs in no particular order, without
// clearing the set.
func (s *MaybeFreeSet) Krefs() []kref.KRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kref.KRef, 0, len(s.krefs))
	for k := range s.krefs {
		out = append(out, k)
	}
	return out
}

// Harvest inspects every kref in set and emits GC actions or performs
// promise deletion as warranted by current state (spec §4.5's four
// harvest rules). It is idempotent: a kref whose state no longer
// warrants any action is silently skipped.
func (e *Engine) Harvest(ctx context.Context, set *MaybeFreeSet) error {
	for _, k := range set.Krefs() {
		switch {
		case k.IsObject():
			if err := e.harvestObject(ctx, k); err != nil {
				return err
			}
		case k.IsPromise():
			if err := e.harvestPromise(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// HarvestPending drains set and harvests the drained batch, returning
// how many krefs were processed — the crank loop's end-of-crank step
// (spec §4.3c), reporting a count the caller can feed to metrics.
func (e *Engine) HarvestPending(ctx context.Context, set *MaybeFreeSet) (int, error) {
	krefs := set.DrainKrefs()
	for _, k := range krefs {
		switch {
		case k.IsObject():
			if err := e.harvestObject(ctx, k); err != nil {
				return 0, err
			}
		case k.IsPromise():
			if err := e.harvestPromise(ctx, k); err != nil {
				return 0, err
			}
		}
	}
	return len(krefs), nil
}

func (e *Engine) harvestObject(ctx context.Context, k kref.KRef) error {
	counts, err := e.objects.Counts(ctx, k)
	if errors.Is(err, objects.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner, err := e.objects.Owner(ctx, k)
	if err != nil {
		return err
	}

	if counts.Zero() {
		if err := e.runq.EnqueueGCAction(ctx, runqueue.KindRetireExports, owner, k); err != nil {
			return err
		}
		holders, err := e.clist.ReferencingEndpoints(ctx, k)
		if err != nil {
			return err
		}
		for _, h := range holders {
			if h.String() == owner.String() {
				continue
			}
			if err := e.runq.EnqueueGCAction(ctx, runqueue.KindRetireImports, h, k); err != nil {
				return err
			}
		}
		return nil
	}

	if counts.Reachable == 0 && counts.Recognizable > 0 {
		return e.runq.EnqueueGCAction(ctx, runqueue.KindDropExports, owner, k)
	}
	return nil
}

func (e *Engine) harvestPromise(ctx context.Context, k kref.KRef) error {
	rc, err := e.promises.RefCount(ctx, k)
	if errors.Is(err, promise.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rc != 0 {
		return nil
	}
	state, err := e.promises.State(ctx, k)
	if err != nil {
		return err
	}
	if state == promise.Unresolved {
		return nil
	}
	return e.promises.Delete(ctx, k)
}

// FilterBatch re-validates a stored GC-action batch against current
// state before delivery (spec §4.5's processGCActionSet), dropping any
// kref whose state no longer warrants the action. vat is the
// destination endpoint the batch was addressed to.
func (e *Engine) FilterBatch(ctx context.Context, kind runqueue.Kind, vat kref.EndpointID, krefs []kref.KRef) ([]kref.KRef, error) {
	var live []kref.KRef
	for _, k := range krefs {
		keep, err := e.filterOne(ctx, kind, vat, k)
		if err != nil {
			return nil, err
		}
		if keep {
			live = append(live, k)
		}
	}
	return live, nil
}

func (e *Engine) filterOne(ctx context.Context, kind runqueue.Kind, vat kref.EndpointID, k kref.KRef) (bool, error) {
	hasEntry, err := e.clist.HasCListEntry(ctx, vat, k)
	if err != nil {
		return false, err
	}

	switch kind {
	case runqueue.KindDropExports:
		counts, err := e.objects.Counts(ctx, k)
		if errors.Is(err, objects.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if counts.Reachable > 0 || !hasEntry {
			return false, nil
		}
		reachable, err := e.clist.GetReachableFlag(ctx, vat, k)
		if err != nil {
			return false, err
		}
		return reachable, nil

	case runqueue.KindRetireExports:
		counts, err := e.objects.Counts(ctx, k)
		if errors.Is(err, objects.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if counts.Reachable > 0 || counts.Recognizable > 0 || !hasEntry {
			return false, nil
		}
		return true, nil

	case runqueue.KindRetireImports:
		return hasEntry, nil

	default:
		return false, errors.New("gcengine: unknown GC action kind")
	}
}
