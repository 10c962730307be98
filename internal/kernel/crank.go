// crank.go drives the kernel's single-reader crank loop (spec §4.3,
// §5): dequeue one run-queue item, route it to whichever endpoint
// should receive it, harvest the maybe-free set it touched, and
// advance the terminated-vat cleanup sweep and reap schedule — all
// inside one logical transaction per crank.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/gcengine"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/remote"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/telemetry"
	"github.com/ocapkernel/kernel/internal/vat"
)

// endpointHandle is the small delivery surface the crank loop needs
// from either kind of endpoint, so routing code does not need to
// switch on vat vs. remote itself.
type endpointHandle interface {
	Deliver(ctx context.Context, item runqueue.Item) error
}

type vatHandle struct{ v *vat.Vat }

func (h vatHandle) Deliver(ctx context.Context, item runqueue.Item) error {
	return h.v.Deliver(ctx, item)
}

type remoteHandle struct {
	h  *remote.Handle
	id kref.RemoteID
}

func (r remoteHandle) Deliver(ctx context.Context, item runqueue.Item) error {
	switch item.Kind {
	case runqueue.KindSend:
		return r.h.DeliverSend(ctx, r.id, item)
	case runqueue.KindNotify:
		return r.h.DeliverNotify(ctx, r.id, item)
	case runqueue.KindDropExports:
		return r.h.DeliverDropExports(ctx, r.id, item)
	case runqueue.KindRetireExports:
		return r.h.DeliverRetireExports(ctx, r.id, item)
	case runqueue.KindRetireImports:
		return r.h.DeliverRetireImports(ctx, r.id, item)
	case runqueue.KindBringOutYourDead:
		return r.h.DeliverBringOutYourDead(ctx, r.id)
	default:
		return fmt.Errorf("kernel: remote endpoint cannot deliver item kind %q", item.Kind)
	}
}

// Run drives the crank loop until ctx is cancelled or a crank returns
// a fatal (non-delivery) error — a failure dequeuing or committing,
// as opposed to a failed delivery to one endpoint, which Step handles
// by terminating that endpoint rather than stopping the kernel.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := k.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs exactly one crank: dequeue, route, harvest, and advance
// the background terminated-vat sweep and reap schedule (spec §5).
func (k *Kernel) Step(ctx context.Context) error {
	item, err := k.runq.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("kernel: dequeue: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "kernel.crank",
		telemetry.AttrItemKind.String(string(item.Kind)))
	defer span.End()

	start := time.Now()
	deliverErr := k.kv.WithTransaction(ctx, func(ctx context.Context, tx kvstore.KVStore) error {
		return k.deliver(ctx, item)
	})
	duration := time.Since(start).Milliseconds()
	success := deliverErr == nil

	harvested, harvestErr := k.gc.HarvestPending(ctx, k.maybeFree)
	if harvestErr != nil {
		success = false
	} else if harvested > 0 {
		metrics.Global().RecordGCHarvest(harvested, harvested)
		metrics.RecordPrometheusGCHarvest(harvested, harvested)
	}

	metrics.Global().RecordCrank(string(item.Kind), duration, success)
	metrics.RecordPrometheusCrank(string(item.Kind), duration, success)

	endpoint := ""
	if item.VatID != nil {
		endpoint = item.VatID.String()
	}
	errStr := ""
	if deliverErr != nil {
		errStr = deliverErr.Error()
		telemetry.SetSpanError(span, deliverErr)
	} else if harvestErr != nil {
		errStr = harvestErr.Error()
		telemetry.SetSpanError(span, harvestErr)
	} else {
		telemetry.SetSpanOK(span)
	}
	logging.DefaultCrankLogger().Log(&logging.CrankLog{
		ItemKind:   string(item.Kind),
		Target:     string(item.Target),
		Endpoint:   endpoint,
		DurationMs: duration,
		Success:    success,
		Error:      errStr,
	})

	if deliverErr != nil {
		k.failEndpoint(ctx, item, deliverErr)
	}
	if harvestErr != nil {
		return fmt.Errorf("kernel: harvest: %w", harvestErr)
	}

	if err := k.advanceTerminatedVatSweep(ctx); err != nil {
		return fmt.Errorf("kernel: terminated-vat sweep: %w", err)
	}
	k.maybeScheduleReap(ctx)

	return nil
}

// failEndpoint logs a delivery failure without propagating it to the
// crank loop's caller: a transport or storage error talking to one
// endpoint should not halt every other vat's progress. Vats already
// mark themselves terminated on a fatal delivery failure (see
// vat.Vat.fail); this is the kernel-level record of that.
func (k *Kernel) failEndpoint(ctx context.Context, item runqueue.Item, err error) {
	logging.Op().Error("crank delivery failed", "kind", item.Kind, "endpoint", item.VatID, "error", err)
}

func (k *Kernel) deliver(ctx context.Context, item runqueue.Item) error {
	switch item.Kind {
	case runqueue.KindSend:
		return k.routeSend(ctx, item)
	case runqueue.KindNotify, runqueue.KindBringOutYourDead:
		return k.deliverToEndpoint(ctx, item)
	case runqueue.KindDropExports, runqueue.KindRetireExports, runqueue.KindRetireImports:
		return k.deliverGCAction(ctx, item)
	default:
		return fmt.Errorf("kernel: unknown run-queue item kind %q", item.Kind)
	}
}

func (k *Kernel) deliverToEndpoint(ctx context.Context, item runqueue.Item) error {
	ep, ok := k.endpoint(item.VatID)
	if !ok {
		return nil
	}
	return ep.Deliver(ctx, item)
}

// deliverGCAction re-validates a stored GC-action batch against
// current state (spec §4.5's processGCActionSet) before handing it to
// the endpoint, since runqueue.Dequeue returns the raw, unfiltered
// batch it found in the GC action set.
func (k *Kernel) deliverGCAction(ctx context.Context, item runqueue.Item) error {
	ep, ok := k.endpoint(item.VatID)
	if !ok {
		return nil
	}
	filtered, err := k.gc.FilterBatch(ctx, item.Kind, item.VatID, item.KRefs)
	if err != nil {
		return err
	}
	if len(filtered) == 0 {
		return nil
	}
	item.KRefs = filtered
	return ep.Deliver(ctx, item)
}

// routeSend resolves a send item's target through any chain of
// promise redirection before delivering it (spec §4.3): pipelining
// onto an unresolved promise's message queue, propagating a rejection
// onto the message's own result promise, or chasing a fulfillment to
// the capability it resolved to.
func (k *Kernel) routeSend(ctx context.Context, item runqueue.Item) error {
	target := item.Target
	for target.IsPromise() {
		state, err := k.promises.State(ctx, target)
		if err != nil {
			return err
		}
		switch state {
		case promise.Unresolved:
			if err := k.promises.Enqueue(ctx, target, promise.Message{
				Method: item.Method,
				Args:   item.Args,
				Result: item.Result,
			}); err != nil {
				return err
			}
			k.maybeFree.Add(target)
			return nil

		case promise.Rejected:
			value, _, err := k.promises.Value(ctx, target)
			if err != nil {
				return err
			}
			return k.propagateRejection(ctx, item.Result, value)

		case promise.Fulfilled:
			value, _, err := k.promises.Value(ctx, target)
			if err != nil {
				return err
			}
			if len(value.Slots) == 0 {
				return fmt.Errorf("kernel: send to fulfilled promise %s carries no capability slot", target)
			}
			target = kref.KRef(value.Slots[0])

		default:
			return fmt.Errorf("kernel: promise %s has unknown state %q", target, state)
		}
	}

	owner, err := k.objects.Owner(ctx, target)
	if errors.Is(err, objects.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ep, ok := k.endpoint(owner)
	if !ok {
		return nil
	}
	item.Target = target
	return ep.Deliver(ctx, item)
}

// propagateRejection settles result with value's rejection (spec
// §4.3: "if target promise is rejected, the message's result is
// resolved with the rejection") and notifies every subscriber result
// picked up along the way. result is empty when the send carried no
// result promise of its own, in which case there is nothing to settle.
func (k *Kernel) propagateRejection(ctx context.Context, result kref.KRef, value kref.CapData) error {
	if result == "" {
		return nil
	}
	subs, err := k.promises.KernelResolve(ctx, result, true, value)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := k.runq.Enqueue(ctx, runqueue.NewNotify(sub, result)); err != nil {
			return err
		}
		if _, err := k.promises.IncRefCount(ctx, result); err != nil {
			return err
		}
	}
	k.maybeFree.Add(result)
	return nil
}

// maybeScheduleReap queues one bringOutYourDead poll per live vat
// every reapInterval cranks (spec's scheduleReap, cadence left to the
// implementation — see DESIGN.md). A failed enqueue is logged and
// skipped rather than treated as a crank failure: the next interval
// will try again.
func (k *Kernel) maybeScheduleReap(ctx context.Context) {
	k.reapAt++
	if k.reapAt < reapInterval {
		return
	}
	k.reapAt = 0

	k.mu.Lock()
	ids := make([]kref.VatID, 0, len(k.vats))
	for id := range k.vats {
		ids = append(ids, id)
	}
	k.mu.Unlock()

	for _, id := range ids {
		if err := k.ScheduleReap(ctx, id); err != nil {
			logging.Op().Error("schedule reap failed", "vat", id, "error", err)
		}
	}
}

// advanceTerminatedVatSweep advances the cleanup of at most one
// terminated vat by one bounded chunk (spec §4.5's "chunked so one
// vat does not starve others"), so the crank loop always makes
// progress on cleanup without ever blocking regular traffic behind a
// large vat's teardown.
func (k *Kernel) advanceTerminatedVatSweep(ctx context.Context) error {
	ids, err := k.registry.TerminatedVats(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return k.sweepVatChunk(ctx, ids[0])
}

// sweepVatChunk processes one bounded chunk of a terminated vat's
// remaining cleanup: a page of its c-list entries if any remain,
// otherwise a page of its vatstore, finalizing the vat's removal once
// both are exhausted.
func (k *Kernel) sweepVatChunk(ctx context.Context, id kref.VatID) error {
	cursor := k.sweepCursor[id]
	entries, next, exhausted, err := k.cl.Entries(ctx, id, cursor, gcengine.ReapChunkSize)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := k.sweepEntry(ctx, id, e); err != nil {
			return err
		}
	}
	if !exhausted {
		k.sweepCursor[id] = next
		return nil
	}
	delete(k.sweepCursor, id)

	vsExhausted, err := k.registry.SweepVatstore(ctx, id, gcengine.ReapChunkSize)
	if err != nil {
		return err
	}
	if !vsExhausted {
		return nil
	}

	return k.finalizeTerminatedVat(ctx, id)
}

func (k *Kernel) finalizeTerminatedVat(ctx context.Context, id kref.VatID) error {
	if err := k.registry.RemoveTerminated(ctx, id); err != nil {
		return err
	}
	if err := k.registry.DeleteConfig(ctx, id); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.vats, id)
	k.mu.Unlock()
	metrics.Global().RecordVatTerminated()
	metrics.RecordPrometheusVatTerminated()
	logging.Op().Info("vat cleanup complete", "vat", id)
	return nil
}

// sweepEntry applies spec §4.5's terminated-vat cleanup rule to one
// c-list entry: exports clear reachability, forget both c-list
// directions, and delete the owner record outright; imports clear
// reachability and decrement recognizable-only. Deliberately
// asymmetric with the spec's own literal wording — imports are not
// forgotten from the c-list here, only decremented, since nothing
// else in the dead vat's c-list will ever look them up again and a
// later harvest pass naturally reaps the underlying object once its
// last export-side holder does the same (see DESIGN.md).
func (k *Kernel) sweepEntry(ctx context.Context, id kref.VatID, e clist.Entry) error {
	switch {
	case e.KRef.IsObject():
		return k.sweepObjectEntry(ctx, id, e)
	case e.KRef.IsPromise():
		if _, err := k.promises.DecRefCount(ctx, e.KRef); err != nil {
			return err
		}
		k.maybeFree.Add(e.KRef)
		return nil
	default:
		return nil
	}
}

func (k *Kernel) sweepObjectEntry(ctx context.Context, id kref.VatID, e clist.Entry) error {
	owner, err := k.objects.Owner(ctx, e.KRef)
	if errors.Is(err, objects.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if e.Reachable {
		if _, err := k.cl.ClearReachableFlag(ctx, id, e.KRef); err != nil {
			return err
		}
	}

	if owner.String() == id.String() {
		if err := k.cl.ForgetKref(ctx, id, e.KRef); err != nil {
			return err
		}
		if err := k.objects.Delete(ctx, e.KRef); err != nil {
			return err
		}
		k.maybeFree.Add(e.KRef)
		return nil
	}

	if _, err := k.objects.DecrementRecognizable(ctx, e.KRef); err != nil {
		return err
	}
	k.maybeFree.Add(e.KRef)
	return nil
}
