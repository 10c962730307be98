// Package objects implements the kernel object table (spec §3, §4.5):
// each kernel object has an owning endpoint and a pair of reference
// counts, reachable and recognizable, with the invariant
// 0 ≤ reachable ≤ recognizable. An object is created on first export
// from an endpoint and destroyed once both counts reach zero and no
// c-list entry refers to it (the caller — internal/clist — is
// responsible for that last check; this package only enforces the
// count invariant and persists the record).
package objects

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
)

// ErrNotFound is returned when a kref names no known object.
var ErrNotFound = errors.New("objects: object not found")

// ErrInvariantViolated is returned when an operation would break
// 0 ≤ reachable ≤ recognizable.
var ErrInvariantViolated = errors.New("objects: refcount invariant violated")

// Counts is a kernel object's pair of reference counts.
type Counts struct {
	Reachable    uint64
	Recognizable uint64
}

// Zero reports whether both counts are zero — the object is a
// candidate for deletion once no c-list entry refers to it.
func (c Counts) Zero() bool { return c.Reachable == 0 && c.Recognizable == 0 }

// Table is the kernel object table, a typed projection over KVStore
// keyed by `<koid>.owner` and `<koid>.refCount`.
type Table struct {
	kv kvstore.KVStore
}

// NewTable returns a Table backed by kv.
func NewTable(kv kvstore.KVStore) *Table {
	return &Table{kv: kv}
}

func ownerKey(k kref.KRef) string    { return fmt.Sprintf("%s.owner", k) }
func refCountKey(k kref.KRef) string { return fmt.Sprintf("%s.refCount", k) }

func formatCounts(c Counts) string {
	return fmt.Sprintf("%d,%d", c.Reachable, c.Recognizable)
}

func parseCounts(s string) (Counts, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return Counts{}, fmt.Errorf("objects: malformed refCount value %q", s)
	}
	reachable, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Counts{}, fmt.Errorf("objects: malformed refCount value %q: %w", s, err)
	}
	recognizable, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Counts{}, fmt.Errorf("objects: malformed refCount value %q: %w", s, err)
	}
	return Counts{Reachable: reachable, Recognizable: recognizable}, nil
}

// Create allocates a new kernel object owned by owner, with both
// counts starting at zero. Fails if the kref already exists.
func (t *Table) Create(ctx context.Context, k kref.KRef, owner kref.EndpointID) error {
	if exists, err := t.Exists(ctx, k); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("objects: %s already exists", k)
	}
	if err := t.kv.Set(ctx, ownerKey(k), owner.String()); err != nil {
		return err
	}
	return t.kv.Set(ctx, refCountKey(k), formatCounts(Counts{}))
}

// Exists reports whether k names a currently-live object.
func (t *Table) Exists(ctx context.Context, k kref.KRef) (bool, error) {
	_, ok, err := t.kv.Get(ctx, ownerKey(k))
	return ok, err
}

// Owner returns the endpoint that exported k.
func (t *Table) Owner(ctx context.Context, k kref.KRef) (kref.EndpointID, error) {
	v, ok, err := t.kv.Get(ctx, ownerKey(k))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return kref.ParseEndpointID(v)
}

// Counts returns k's current reachable/recognizable counts.
func (t *Table) Counts(ctx context.Context, k kref.KRef) (Counts, error) {
	v, ok, err := t.kv.Get(ctx, refCountKey(k))
	if err != nil {
		return Counts{}, err
	}
	if !ok {
		return Counts{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return parseCounts(v)
}

func (t *Table) setCounts(ctx context.Context, k kref.KRef, c Counts) error {
	if c.Reachable > c.Recognizable {
		return fmt.Errorf("%w: %s reachable=%d > recognizable=%d", ErrInvariantViolated, k, c.Reachable, c.Recognizable)
	}
	return t.kv.Set(ctx, refCountKey(k), formatCounts(c))
}

// IncrementBoth increments both reachable and recognizable by one —
// the translation layer's rule for an object entering an endpoint's
// c-list for the first time (spec §4.2 rule 4).
func (t *Table) IncrementBoth(ctx context.Context, k kref.KRef) (Counts, error) {
	c, err := t.Counts(ctx, k)
	if err != nil {
		return Counts{}, err
	}
	c.Reachable++
	c.Recognizable++
	if err := t.setCounts(ctx, k, c); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// IncrementReachable increments reachable alone — a c-list entry's
// reachable flag toggling back on after a prior clear, with the
// object's recognizable count (which never dropped) already covering
// this entry's identity reference.
func (t *Table) IncrementReachable(ctx context.Context, k kref.KRef) (Counts, error) {
	c, err := t.Counts(ctx, k)
	if err != nil {
		return Counts{}, err
	}
	c.Reachable++
	if err := t.setCounts(ctx, k, c); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// IncrementRecognizable increments recognizable alone, for a c-list
// entry that can still distinguish the object's identity without
// being able to send to it (e.g. after its own reachable edge was
// cleared but another still-live import kept the entry around).
func (t *Table) IncrementRecognizable(ctx context.Context, k kref.KRef) (Counts, error) {
	c, err := t.Counts(ctx, k)
	if err != nil {
		return Counts{}, err
	}
	c.Recognizable++
	if err := t.setCounts(ctx, k, c); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// DecrementReachable decrements reachable alone — clearing a c-list
// entry's reachable flag (spec §4.2) without forgetting the entry.
func (t *Table) DecrementReachable(ctx context.Context, k kref.KRef) (Counts, error) {
	c, err := t.Counts(ctx, k)
	if err != nil {
		return Counts{}, err
	}
	if c.Reachable == 0 {
		return Counts{}, fmt.Errorf("%w: %s reachable already zero", ErrInvariantViolated, k)
	}
	c.Reachable--
	if err := t.setCounts(ctx, k, c); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// DecrementRecognizable decrements recognizable alone — forgetting an
// import c-list entry whose reachable flag was already clear.
func (t *Table) DecrementRecognizable(ctx context.Context, k kref.KRef) (Counts, error) {
	c, err := t.Counts(ctx, k)
	if err != nil {
		return Counts{}, err
	}
	if c.Recognizable == 0 {
		return Counts{}, fmt.Errorf("%w: %s recognizable already zero", ErrInvariantViolated, k)
	}
	c.Recognizable--
	if err := t.setCounts(ctx, k, c); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// Delete removes k's owner and refcount records. Callers must ensure
// counts are both zero and no c-list entry refers to k first.
func (t *Table) Delete(ctx context.Context, k kref.KRef) error {
	if err := t.kv.Delete(ctx, ownerKey(k)); err != nil {
		return err
	}
	return t.kv.Delete(ctx, refCountKey(k))
}
