package vat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/gcengine"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/worker"
)

// rootBootstrapERef is the conventional export eref a freshly launched
// vat presents as its bootstrap object during the capTp-style init
// handshake — the first object a vat ever exports.
const rootBootstrapERef = kref.ERef("o+0")

// Vat is the kernel-side handle to one running vat: its worker
// channel, and the shared reference tables it reads and mutates while
// servicing deliveries and syscalls.
type Vat struct {
	id       kref.VatID
	channel  *worker.Channel
	cl       *clist.CList
	objects  *objects.Table
	promises *promise.Table
	runq     *runqueue.RunQueue
	registry *Registry

	// maybeFree collects krefs whose refcounts this vat's syscalls
	// touch, shared with the kernel's crank loop and every other live
	// vat (internal/vat's ServeLoop runs each vat's syscall dispatch on
	// its own goroutine, concurrently with the crank loop's own
	// deliveries, so this set — not the tables it observes — is what
	// needs its own synchronization; see gcengine.MaybeFreeSet).
	maybeFree *gcengine.MaybeFreeSet

	terminated atomic.Bool
}

// New wraps channel as id's worker connection. maybeFree is the
// kernel's shared per-process maybe-free set (spec §4.5); every vat
// the kernel launches shares the same one so a single harvest pass
// covers every vat's recent refcount mutations.
func New(id kref.VatID, channel *worker.Channel, cl *clist.CList, objTable *objects.Table, promTable *promise.Table, rq *runqueue.RunQueue, reg *Registry, maybeFree *gcengine.MaybeFreeSet) *Vat {
	return &Vat{id: id, channel: channel, cl: cl, objects: objTable, promises: promTable, runq: rq, registry: reg, maybeFree: maybeFree}
}

// ID returns the vat's id.
func (v *Vat) ID() kref.VatID { return v.id }

// Terminated reports whether this vat has been marked fatally failed
// and should receive no further deliveries.
func (v *Vat) Terminated() bool { return v.terminated.Load() }

// Launch runs the vat's bootstrap handshake (spec §4.6): initSupervisor
// with the vat's config, a liveness ping, and a capTp-style bootstrap
// exchange establishing the vat's root object as "o+0" in its own
// c-list.
func (v *Vat) Launch(ctx context.Context, cfg Config) error {
	if _, err := v.channel.Call(ctx, worker.MethodInitSupervisor, cfg); err != nil {
		return fmt.Errorf("vat %s: initSupervisor: %w", v.id, err)
	}
	if err := v.channel.Ping(ctx); err != nil {
		return fmt.Errorf("vat %s: ping: %w", v.id, err)
	}
	if _, err := v.channel.Call(ctx, worker.MethodCapTpInit, map[string]kref.ERef{"bootstrap": rootBootstrapERef}); err != nil {
		return fmt.Errorf("vat %s: capTpInit: %w", v.id, err)
	}
	return nil
}

// ServeLoop drains the vat's worker channel, dispatching its syscalls
// to HandleSyscall, until the channel errs or closes. The returned
// error is always the terminal transport failure (fatal to this vat);
// callers should mark the vat terminated and stop scheduling it.
func (v *Vat) ServeLoop(ctx context.Context) error {
	return v.channel.ServeLoop(func(env worker.Envelope) worker.Envelope {
		return v.HandleSyscall(ctx, env)
	})
}

// Deliver translates a run-queue item addressed to this vat from
// kernel refs to this vat's endpoint refs and calls the matching
// worker method (spec §4.6's K→E deliver translation). A failure here
// is a storage or transport error, not a vat-induced invariant
// violation, and is returned to the caller as-is.
func (v *Vat) Deliver(ctx context.Context, item runqueue.Item) error {
	if v.terminated.Load() {
		return nil
	}
	switch item.Kind {
	case runqueue.KindSend:
		return v.deliverSend(ctx, item)
	case runqueue.KindNotify:
		return v.deliverNotify(ctx, item)
	case runqueue.KindDropExports:
		return v.deliverGCAction(ctx, worker.MethodDropExports, item, false)
	case runqueue.KindRetireExports:
		return v.deliverGCAction(ctx, worker.MethodRetireExports, item, true)
	case runqueue.KindRetireImports:
		return v.deliverGCAction(ctx, worker.MethodRetireImports, item, true)
	case runqueue.KindBringOutYourDead:
		_, err := v.channel.Call(ctx, worker.MethodBringOutYourDead, nil)
		return err
	default:
		return fmt.Errorf("vat: unknown run-queue item kind %q", item.Kind)
	}
}

type deliverMessageParams struct {
	Target kref.ERef    `json:"target"`
	Method string       `json:"method"`
	Args   kref.CapData `json:"args"`
	Result kref.ERef    `json:"result,omitempty"`
}

func (v *Vat) deliverSend(ctx context.Context, item runqueue.Item) error {
	eTarget, eArgs, eResult, err := v.cl.TranslateMessageKtoE(ctx, v.id, item.Target, item.Args, item.Result)
	if err != nil {
		return err
	}
	_, err = v.channel.Call(ctx, worker.MethodDeliver, deliverMessageParams{
		Target: eTarget, Method: item.Method, Args: eArgs, Result: eResult,
	})
	return err
}

type notifyParams struct {
	Promise  kref.ERef    `json:"promise"`
	Rejected bool         `json:"rejected"`
	Value    kref.CapData `json:"value"`
}

func (v *Vat) deliverNotify(ctx context.Context, item runqueue.Item) error {
	state, err := v.promises.State(ctx, item.KPID)
	if err != nil {
		return err
	}
	value, _, err := v.promises.Value(ctx, item.KPID)
	if err != nil {
		return err
	}
	eValue, err := v.translateCapDataKtoE(ctx, value)
	if err != nil {
		return err
	}
	ePromise, err := v.cl.TranslateRefKtoE(ctx, v.id, item.KPID, true, false)
	if err != nil {
		return err
	}
	if _, err := v.channel.Call(ctx, worker.MethodNotify, notifyParams{
		Promise: ePromise, Rejected: state == promise.Rejected, Value: eValue,
	}); err != nil {
		return err
	}
	_, err = v.promises.DecRefCount(ctx, item.KPID)
	if err != nil {
		return err
	}
	v.maybeFree.Add(item.KPID)
	return nil
}

func (v *Vat) translateCapDataKtoE(ctx context.Context, cd kref.CapData) (kref.CapData, error) {
	slots := make([]string, len(cd.Slots))
	for i, s := range cd.Slots {
		eref, err := v.cl.TranslateRefKtoE(ctx, v.id, kref.KRef(s), true, true)
		if err != nil {
			return kref.CapData{}, err
		}
		slots[i] = string(eref)
	}
	return kref.CapData{Body: cd.Body, Slots: slots}, nil
}

type gcActionParams struct {
	Refs []kref.ERef `json:"refs"`
}

// deliverGCAction translates a batched GC-action item's krefs to this
// vat's existing c-list entries (never allocating: by the time a GC
// action is dequeued, the entry must already exist or gcengine.FilterBatch
// would have discarded it) and, for retire kinds, forgets the entry
// once the vat has acknowledged it.
func (v *Vat) deliverGCAction(ctx context.Context, method worker.Method, item runqueue.Item, forget bool) error {
	erefs := make([]kref.ERef, len(item.KRefs))
	for i, k := range item.KRefs {
		eref, err := v.cl.TranslateRefKtoE(ctx, v.id, k, false, false)
		if err != nil {
			return err
		}
		erefs[i] = eref
	}
	if _, err := v.channel.Call(ctx, method, gcActionParams{Refs: erefs}); err != nil {
		return err
	}
	if !forget {
		return nil
	}
	for _, k := range item.KRefs {
		if err := v.cl.ForgetKref(ctx, v.id, k); err != nil {
			return err
		}
	}
	return nil
}

// fail marks the vat terminated and wraps err as the spec §7 fatal
// condition it represents, for HandleSyscall's error replies.
func (v *Vat) fail(ctx context.Context, err error) error {
	v.terminated.Store(true)
	if markErr := v.registry.MarkTerminated(ctx, v.id); markErr != nil {
		return fmt.Errorf("%w (also failed to record termination: %v)", err, markErr)
	}
	return err
}

// HandleSyscall dispatches one vat-initiated request to the matching
// kernel operation (spec §4.6's syscall switch). Errors satisfying
// kernelerr.ErrAlreadyResolved, ErrNotDecider, or ErrInvalidSyscall are
// fatal to the vat (spec §7): the vat is marked terminated and the
// error is still returned to the caller so it sees why.
func (v *Vat) HandleSyscall(ctx context.Context, env worker.Envelope) worker.Envelope {
	result, err := v.dispatch(ctx, worker.Method(env.Method), env.Params)
	if err != nil {
		if isFatal(err) {
			err = v.fail(ctx, err)
		}
		return worker.Envelope{Error: err.Error()}
	}
	return worker.Envelope{Result: result}
}

func isFatal(err error) bool {
	return errors.Is(err, kernelerr.ErrAlreadyResolved) ||
		errors.Is(err, kernelerr.ErrNotDecider) ||
		errors.Is(err, kernelerr.ErrInvalidSyscall)
}
