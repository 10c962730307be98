// Package promise implements the kernel promise state machine (spec
// §4.4): unresolved promises carry an optional decider, a subscriber
// set, and a FIFO queue of pipelined messages; resolving transitions
// the promise to a terminal fulfilled or rejected state, at which
// point decider and subscribers are cleared and queued messages are
// handed back to the caller for re-delivery against the resolution
// value.
package promise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
)

// ErrNotFound is returned when a kpid names no known promise.
var ErrNotFound = errors.New("promise: not found")

// State is one of the three tagged states a kernel promise can be in.
type State string

const (
	Unresolved State = "unresolved"
	Fulfilled  State = "fulfilled"
	Rejected   State = "rejected"
)

// Message is one pipelined send queued against an unresolved promise
// target, awaiting its resolution (spec §4.3's send delivery rule).
type Message struct {
	Method string       `json:"method"`
	Args   kref.CapData `json:"args"`
	Result kref.KRef    `json:"result,omitempty"`
}

// Table is the kernel promise table, a typed projection over KVStore
// keyed by `<kpid>.state`, `.decider`, `.subscribers`, `.value` and
// `.refCount`, plus a `<kpid>.msgs` message queue.
type Table struct {
	kv kvstore.KVStore
}

// NewTable returns a Table backed by kv.
func NewTable(kv kvstore.KVStore) *Table {
	return &Table{kv: kv}
}

func stateKey(k kref.KRef) string       { return fmt.Sprintf("%s.state", k) }
func deciderKey(k kref.KRef) string     { return fmt.Sprintf("%s.decider", k) }
func subscribersKey(k kref.KRef) string { return fmt.Sprintf("%s.subscribers", k) }
func valueKey(k kref.KRef) string       { return fmt.Sprintf("%s.value", k) }
func refCountKey(k kref.KRef) string    { return fmt.Sprintf("%s.refCount", k) }

func (t *Table) msgQueue(k kref.KRef) *kvstore.Queue {
	return kvstore.NewQueue(t.kv, fmt.Sprintf("%s.msgs", k))
}

// Create allocates a new unresolved promise. decider may be nil if
// the promise has no designated resolver yet.
func (t *Table) Create(ctx context.Context, k kref.KRef, decider kref.EndpointID) error {
	if err := t.kv.Set(ctx, stateKey(k), string(Unresolved)); err != nil {
		return err
	}
	if decider != nil {
		if err := t.kv.Set(ctx, deciderKey(k), decider.String()); err != nil {
			return err
		}
	}
	if err := t.kv.Set(ctx, subscribersKey(k), "[]"); err != nil {
		return err
	}
	return t.kv.Set(ctx, refCountKey(k), "0")
}

// State returns k's current state.
func (t *Table) State(ctx context.Context, k kref.KRef) (State, error) {
	v, ok, err := t.kv.Get(ctx, stateKey(k))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return State(v), nil
}

// Decider returns k's decider, if it still has one.
func (t *Table) Decider(ctx context.Context, k kref.KRef) (kref.EndpointID, bool, error) {
	v, ok, err := t.kv.Get(ctx, deciderKey(k))
	if err != nil || !ok {
		return nil, false, err
	}
	e, err := kref.ParseEndpointID(v)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Subscribers returns k's subscriber set in sorted order.
func (t *Table) Subscribers(ctx context.Context, k kref.KRef) ([]kref.EndpointID, error) {
	v, ok, err := t.kv.Get(ctx, subscribersKey(k))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	var raw []string
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		return nil, fmt.Errorf("promise: malformed subscribers for %s: %w", k, err)
	}
	out := make([]kref.EndpointID, 0, len(raw))
	for _, s := range raw {
		e, err := kref.ParseEndpointID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// AddSubscriber adds endpoint to k's subscriber set (a no-op if
// already present) and increments k's refcount, if k is still
// unresolved; otherwise the caller should enqueue a notify directly
// since there is no pending state left to subscribe to.
func (t *Table) AddSubscriber(ctx context.Context, k kref.KRef, endpoint kref.EndpointID) error {
	state, err := t.State(ctx, k)
	if err != nil {
		return err
	}
	if state != Unresolved {
		return fmt.Errorf("promise: %s is not unresolved", k)
	}
	subs, err := t.Subscribers(ctx, k)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if s.String() == endpoint.String() {
			return nil
		}
	}
	subs = append(subs, endpoint)
	if err := t.writeSubscribers(ctx, k, subs); err != nil {
		return err
	}
	_, err = t.IncRefCount(ctx, k)
	return err
}

func (t *Table) writeSubscribers(ctx context.Context, k kref.KRef, subs []kref.EndpointID) error {
	strs := make([]string, len(subs))
	for i, s := range subs {
		strs[i] = s.String()
	}
	sort.Strings(strs)
	b, err := json.Marshal(strs)
	if err != nil {
		return err
	}
	return t.kv.Set(ctx, subscribersKey(k), string(b))
}

// Value returns k's resolution value, if it has resolved.
func (t *Table) Value(ctx context.Context, k kref.KRef) (kref.CapData, bool, error) {
	v, ok, err := t.kv.Get(ctx, valueKey(k))
	if err != nil || !ok {
		return kref.CapData{}, false, err
	}
	var cd kref.CapData
	if err := json.Unmarshal([]byte(v), &cd); err != nil {
		return kref.CapData{}, false, fmt.Errorf("promise: malformed value for %s: %w", k, err)
	}
	return cd, true, nil
}

// RefCount returns k's current refcount.
func (t *Table) RefCount(ctx context.Context, k kref.KRef) (uint64, error) {
	v, ok, err := t.kv.Get(ctx, refCountKey(k))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return kvstore.ParseCounterValue(v)
}

// IncRefCount increments k's refcount by one and returns the new value.
func (t *Table) IncRefCount(ctx context.Context, k kref.KRef) (uint64, error) {
	n, err := t.RefCount(ctx, k)
	if err != nil {
		return 0, err
	}
	n++
	return n, t.kv.Set(ctx, refCountKey(k), kvstore.FormatCounterValue(n))
}

// DecRefCount decrements k's refcount by one and returns the new value.
func (t *Table) DecRefCount(ctx context.Context, k kref.KRef) (uint64, error) {
	n, err := t.RefCount(ctx, k)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("promise: %s refcount already zero", k)
	}
	n--
	return n, t.kv.Set(ctx, refCountKey(k), kvstore.FormatCounterValue(n))
}

// Enqueue appends a pipelined message to k's message queue and
// increments k's refcount for the new queue slot (spec §4.5: "enqueuing
// a message slot" increments).
func (t *Table) Enqueue(ctx context.Context, k kref.KRef, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.msgQueue(k).Enqueue(ctx, string(b)); err != nil {
		return err
	}
	_, err = t.IncRefCount(ctx, k)
	return err
}

// FlushQueue drains every pending message from k's queue in FIFO
// order, decrementing k's refcount once per drained slot, and returns
// them for re-delivery against the resolution value.
func (t *Table) FlushQueue(ctx context.Context, k kref.KRef) ([]Message, error) {
	q := t.msgQueue(k)
	var out []Message
	for {
		raw, ok, err := q.Dequeue(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("promise: malformed queued message on %s: %w", k, err)
		}
		out = append(out, msg)
		if _, err := t.DecRefCount(ctx, k); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Resolve transitions k from unresolved to fulfilled or rejected,
// clearing its decider and subscriber set. It fails with
// kernelerr.ErrAlreadyResolved if k is not unresolved, or with
// kernelerr.ErrNotDecider if resolver is not k's decider. On success
// it returns the subscriber set that was cleared, so the caller can
// enqueue one notify per subscriber.
func (t *Table) Resolve(ctx context.Context, k kref.KRef, resolver kref.EndpointID, rejected bool, value kref.CapData) ([]kref.EndpointID, error) {
	state, err := t.State(ctx, k)
	if err != nil {
		return nil, err
	}
	if state != Unresolved {
		return nil, fmt.Errorf("%w: %s", kernelerr.ErrAlreadyResolved, k)
	}
	decider, hasDecider, err := t.Decider(ctx, k)
	if err != nil {
		return nil, err
	}
	if !hasDecider || decider.String() != resolver.String() {
		return nil, fmt.Errorf("%w: %s is not the decider of %s", kernelerr.ErrNotDecider, resolver, k)
	}

	subs, err := t.Subscribers(ctx, k)
	if err != nil {
		return nil, err
	}

	newState := Fulfilled
	if rejected {
		newState = Rejected
	}
	if err := t.kv.Set(ctx, stateKey(k), string(newState)); err != nil {
		return nil, err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if err := t.kv.Set(ctx, valueKey(k), string(b)); err != nil {
		return nil, err
	}
	if err := t.kv.Delete(ctx, deciderKey(k)); err != nil {
		return nil, err
	}
	if err := t.kv.Set(ctx, subscribersKey(k), "[]"); err != nil {
		return nil, err
	}
	return subs, nil
}

// KernelResolve settles k exactly as Resolve does, but without
// checking the caller against k's decider: it exists only for the
// kernel's own send-routing loop to propagate a rejection onto a
// pipelined message's result promise (spec §4.3: "if target promise
// is rejected, the message's result is resolved with the rejection"),
// a resolution the kernel performs unilaterally rather than on behalf
// of any vat syscall. It is a no-op, not an error, once k is no longer
// unresolved — the rejection it would have propagated already arrived
// some other way.
func (t *Table) KernelResolve(ctx context.Context, k kref.KRef, rejected bool, value kref.CapData) ([]kref.EndpointID, error) {
	state, err := t.State(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if state != Unresolved {
		return nil, nil
	}
	subs, err := t.Subscribers(ctx, k)
	if err != nil {
		return nil, err
	}
	newState := Fulfilled
	if rejected {
		newState = Rejected
	}
	if err := t.kv.Set(ctx, stateKey(k), string(newState)); err != nil {
		return nil, err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if err := t.kv.Set(ctx, valueKey(k), string(b)); err != nil {
		return nil, err
	}
	if err := t.kv.Delete(ctx, deciderKey(k)); err != nil {
		return nil, err
	}
	if err := t.kv.Set(ctx, subscribersKey(k), "[]"); err != nil {
		return nil, err
	}
	return subs, nil
}

// Delete removes k's state, decider, subscribers, value and refCount
// keys; the keys of its `<kpid>.msgs` queue are left in place. Callers
// must ensure k's refcount has reached zero first.
func (t *Table) Delete(ctx context.Context, k kref.KRef) error {
	for _, key := range []string{stateKey(k), deciderKey(k), subscribersKey(k), valueKey(k), refCountKey(k)} {
		if err := t.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
