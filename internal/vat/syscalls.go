package vat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/worker"
)

// The syscall method names a vat supervisor issues back over its
// worker channel (spec §4.6, §6).
const (
	syscallSend                = "send"
	syscallSubscribe           = "subscribe"
	syscallResolve             = "resolve"
	syscallDropImports         = "dropImports"
	syscallRetireImports       = "retireImports"
	syscallRetireExports       = "retireExports"
	syscallAbandonExports      = "abandonExports"
	syscallVatstoreGet         = "vatstoreGet"
	syscallVatstoreSet         = "vatstoreSet"
	syscallVatstoreDelete      = "vatstoreDelete"
	syscallVatstoreGetNextKey  = "vatstoreGetNextKey"
	syscallExit                = "exit"
	syscallCallNow             = "callNow"
)

func (v *Vat) dispatch(ctx context.Context, method worker.Method, params json.RawMessage) (json.RawMessage, error) {
	switch string(method) {
	case syscallSend:
		return v.syscallSend(ctx, params)
	case syscallSubscribe:
		return nil, v.syscallSubscribe(ctx, params)
	case syscallResolve:
		return nil, v.syscallResolve(ctx, params)
	case syscallDropImports:
		return nil, v.syscallDropImports(ctx, params)
	case syscallRetireImports:
		return nil, v.syscallRetireImports(ctx, params)
	case syscallRetireExports:
		return nil, v.syscallRetireExports(ctx, params)
	case syscallAbandonExports:
		return nil, v.syscallAbandonExports(ctx, params)
	case syscallVatstoreGet:
		return v.syscallVatstoreGet(ctx, params)
	case syscallVatstoreSet:
		return nil, v.syscallVatstoreSet(ctx, params)
	case syscallVatstoreDelete:
		return nil, v.syscallVatstoreDelete(ctx, params)
	case syscallVatstoreGetNextKey:
		return v.syscallVatstoreGetNextKey(ctx, params)
	case syscallExit:
		return nil, v.syscallExit(ctx, params)
	case syscallCallNow:
		return nil, fmt.Errorf("vat %s: callNow: the kernel exposes no devices", v.id)
	default:
		return nil, fmt.Errorf("%w: unknown syscall %q", kernelerr.ErrInvalidSyscall, method)
	}
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("%w: malformed params: %v", kernelerr.ErrInvalidSyscall, err)
	}
	return v, nil
}

func encodeResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// send enqueues a message addressed to target on the run queue (spec
// §4.3), translating the vat's endpoint refs into kernel refs first.
func (v *Vat) syscallSend(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	p, err := decodeParams[struct {
		Target kref.ERef    `json:"target"`
		Method string       `json:"method"`
		Args   kref.CapData `json:"args"`
		Result kref.ERef    `json:"result,omitempty"`
	}](params)
	if err != nil {
		return nil, err
	}
	kTarget, kArgs, kResult, err := v.cl.TranslateMessageEtoK(ctx, v.id, p.Target, p.Args, p.Result)
	if err != nil {
		return nil, err
	}
	if err := v.runq.Enqueue(ctx, runqueue.NewSend(kTarget, p.Method, kArgs, kResult)); err != nil {
		return nil, err
	}
	return nil, nil
}

// subscribe registers the vat as a subscriber of an unresolved promise,
// or — if the promise already settled before the subscribe arrived —
// enqueues the notify immediately (spec §4.4).
func (v *Vat) syscallSubscribe(ctx context.Context, params json.RawMessage) error {
	p, err := decodeParams[struct {
		Promise kref.ERef `json:"promise"`
	}](params)
	if err != nil {
		return err
	}
	kpid, err := v.cl.TranslateRefEtoK(ctx, v.id, p.Promise)
	if err != nil {
		return err
	}
	state, err := v.promises.State(ctx, kpid)
	if err != nil {
		return err
	}
	if state == promise.Unresolved {
		return v.promises.AddSubscriber(ctx, kpid, v.id)
	}
	if err := v.runq.Enqueue(ctx, runqueue.NewNotify(v.id, kpid)); err != nil {
		return err
	}
	if _, err := v.promises.IncRefCount(ctx, kpid); err != nil {
		return err
	}
	v.maybeFree.Add(kpid)
	return nil
}

// resolve settles one or more promises the vat decides (spec §4.4,
// §4.6's resolve syscall): each resolution's value slots are
// translated to kernel refs and counted as a fresh reference held by
// the stored resolution value, and one notify is enqueued per cleared
// subscriber.
func (v *Vat) syscallResolve(ctx context.Context, params json.RawMessage) error {
	p, err := decodeParams[struct {
		Resolutions []struct {
			Promise  kref.ERef    `json:"promise"`
			Rejected bool         `json:"rejected"`
			Value    kref.CapData `json:"value"`
		} `json:"resolutions"`
	}](params)
	if err != nil {
		return err
	}
	for _, r := range p.Resolutions {
		kpid, err := v.cl.TranslateRefEtoK(ctx, v.id, r.Promise)
		if err != nil {
			return err
		}
		kSlots := make([]string, len(r.Value.Slots))
		for i, s := range r.Value.Slots {
			kr, err := v.cl.TranslateRefEtoK(ctx, v.id, kref.ERef(s))
			if err != nil {
				return err
			}
			kSlots[i] = string(kr)
			if kr.IsObject() {
				if _, err := v.objects.IncrementRecognizable(ctx, kr); err != nil {
					return err
				}
				v.maybeFree.Add(kr)
			} else if kr.IsPromise() {
				if _, err := v.promises.IncRefCount(ctx, kr); err != nil {
					return err
				}
				v.maybeFree.Add(kr)
			}
		}
		subs, err := v.promises.Resolve(ctx, kpid, v.id, r.Rejected, kref.CapData{Body: r.Value.Body, Slots: kSlots})
		if err != nil {
			return err
		}
		v.maybeFree.Add(kpid)
		for _, sub := range subs {
			if err := v.runq.Enqueue(ctx, runqueue.NewNotify(sub, kpid)); err != nil {
				return err
			}
			if _, err := v.promises.IncRefCount(ctx, kpid); err != nil {
				return err
			}
		}
		v.maybeFree.Add(kpid)

		// Messages pipelined against kpid while it was still unresolved
		// are re-enqueued as ordinary sends against the now-resolved
		// promise; the kernel's send-routing loop chases the resolution
		// (redirecting to the fulfilled value, or propagating a rejection
		// onto each message's own result promise) the same way it would
		// for a send that arrived after resolution.
		flushed, err := v.promises.FlushQueue(ctx, kpid)
		if err != nil {
			return err
		}
		for _, msg := range flushed {
			if err := v.runq.Enqueue(ctx, runqueue.NewSend(kpid, msg.Method, msg.Args, msg.Result)); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropImports clears the reachable flag on a batch of imported object
// refs (spec §4.2, §4.5): it is invalid to drop an export, or a
// promise ref (promises have no reachable/recognizable split).
func (v *Vat) syscallDropImports(ctx context.Context, params json.RawMessage) error {
	refs, err := v.decodeKrefs(ctx, params)
	if err != nil {
		return err
	}
	for _, eref := range refs.erefs {
		if err := v.requireImportObject(eref); err != nil {
			return err
		}
		if _, err := v.cl.ClearReachableFlag(ctx, v.id, refs.krefs[eref]); err != nil {
			return fmt.Errorf("%w: %v", kernelerr.ErrInvalidSyscall, err)
		}
		v.maybeFree.Add(refs.krefs[eref])
	}
	return nil
}

// retireImports forgets a batch of import c-list entries the vat no
// longer needs to distinguish, failing if any is still reachable
// (spec §4.5: retiring a still-reachable entry is an invariant
// violation, fatal to the vat).
func (v *Vat) syscallRetireImports(ctx context.Context, params json.RawMessage) error {
	refs, err := v.decodeKrefs(ctx, params)
	if err != nil {
		return err
	}
	for _, eref := range refs.erefs {
		if err := v.requireImportObject(eref); err != nil {
			return err
		}
		k := refs.krefs[eref]
		if reachable, err := v.cl.GetReachableFlag(ctx, v.id, k); err != nil {
			return err
		} else if reachable {
			return fmt.Errorf("%w: %s retired %s while still reachable", kernelerr.ErrInvalidSyscall, v.id, k)
		}
		if _, err := v.objects.DecrementRecognizable(ctx, k); err != nil {
			return fmt.Errorf("%w: %v", kernelerr.ErrInvalidSyscall, err)
		}
		if err := v.cl.ForgetKref(ctx, v.id, k); err != nil {
			return err
		}
		v.maybeFree.Add(k)
	}
	return nil
}

// retireExports forgets a batch of the vat's own export c-list
// entries, failing if any is still reachable from some importer.
func (v *Vat) syscallRetireExports(ctx context.Context, params json.RawMessage) error {
	refs, err := v.decodeKrefs(ctx, params)
	if err != nil {
		return err
	}
	for _, eref := range refs.erefs {
		if dir, err := eref.Direction(); err != nil || dir != kref.Export {
			return fmt.Errorf("%w: %s retireExports on non-export ref %s", kernelerr.ErrInvalidSyscall, v.id, eref)
		}
		k := refs.krefs[eref]
		counts, err := v.objects.Counts(ctx, k)
		if err != nil {
			return err
		}
		if counts.Reachable > 0 {
			return fmt.Errorf("%w: %s retireExports on reachable %s", kernelerr.ErrInvalidSyscall, v.id, k)
		}
		if err := v.cl.ForgetKref(ctx, v.id, k); err != nil {
			return err
		}
		v.maybeFree.Add(k)
	}
	return nil
}

// abandonExports forgets a batch of the vat's own export c-list
// entries unconditionally, leaving the object recognizable-only to any
// remaining importer (spec §4.6: the vat is giving up its own claim,
// not asserting no one else references it).
func (v *Vat) syscallAbandonExports(ctx context.Context, params json.RawMessage) error {
	refs, err := v.decodeKrefs(ctx, params)
	if err != nil {
		return err
	}
	for _, eref := range refs.erefs {
		if dir, err := eref.Direction(); err != nil || dir != kref.Export {
			return fmt.Errorf("%w: %s abandonExports on non-export ref %s", kernelerr.ErrInvalidSyscall, v.id, eref)
		}
		if err := v.cl.ForgetKref(ctx, v.id, refs.krefs[eref]); err != nil {
			return err
		}
		v.maybeFree.Add(refs.krefs[eref])
	}
	return nil
}

type decodedKrefs struct {
	erefs []kref.ERef
	krefs map[kref.ERef]kref.KRef
}

func (v *Vat) decodeKrefs(ctx context.Context, params json.RawMessage) (decodedKrefs, error) {
	p, err := decodeParams[struct {
		Refs []kref.ERef `json:"refs"`
	}](params)
	if err != nil {
		return decodedKrefs{}, err
	}
	out := decodedKrefs{erefs: p.Refs, krefs: make(map[kref.ERef]kref.KRef, len(p.Refs))}
	for _, eref := range p.Refs {
		k, err := v.cl.TranslateRefEtoK(ctx, v.id, eref)
		if err != nil {
			return decodedKrefs{}, err
		}
		out.krefs[eref] = k
	}
	return out, nil
}

func (v *Vat) requireImportObject(eref kref.ERef) error {
	if !eref.IsObject() {
		return fmt.Errorf("%w: %s is not an object ref", kernelerr.ErrInvalidSyscall, eref)
	}
	dir, err := eref.Direction()
	if err != nil || dir != kref.Import {
		return fmt.Errorf("%w: %s is not an import ref", kernelerr.ErrInvalidSyscall, eref)
	}
	return nil
}

func (v *Vat) syscallVatstoreGet(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	p, err := decodeParams[struct {
		Key string `json:"key"`
	}](params)
	if err != nil {
		return nil, err
	}
	value, ok, err := v.registry.VatstoreGet(ctx, v.id, p.Key)
	if err != nil {
		return nil, err
	}
	return encodeResult(struct {
		Value string `json:"value"`
		Found bool   `json:"found"`
	}{Value: value, Found: ok})
}

func (v *Vat) syscallVatstoreSet(ctx context.Context, params json.RawMessage) error {
	p, err := decodeParams[struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}](params)
	if err != nil {
		return err
	}
	return v.registry.VatstoreSet(ctx, v.id, p.Key, p.Value)
}

func (v *Vat) syscallVatstoreDelete(ctx context.Context, params json.RawMessage) error {
	p, err := decodeParams[struct {
		Key string `json:"key"`
	}](params)
	if err != nil {
		return err
	}
	return v.registry.VatstoreDelete(ctx, v.id, p.Key)
}

func (v *Vat) syscallVatstoreGetNextKey(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	p, err := decodeParams[struct {
		After string `json:"after"`
	}](params)
	if err != nil {
		return nil, err
	}
	key, ok, err := v.registry.VatstoreGetNextKey(ctx, v.id, p.After)
	if err != nil {
		return nil, err
	}
	return encodeResult(struct {
		Key   string `json:"key"`
		Found bool   `json:"found"`
	}{Key: key, Found: ok})
}

// exit marks the vat terminated at its own request — a normal
// shutdown, not a fatal-to-vat invariant violation, so it does not
// flow through HandleSyscall's isFatal path; the kernel orchestration
// layer sweeps its resources on the next terminated-vat cleanup step
// (spec §4.3).
func (v *Vat) syscallExit(ctx context.Context, params json.RawMessage) error {
	v.terminated.Store(true)
	return v.registry.MarkTerminated(ctx, v.id)
}
