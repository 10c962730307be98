// Package clist implements the kernel's reference translation layer
// (spec §4.2): a bidirectional kref↔eref mapping kept per endpoint, so
// each vat or remote peer has its own private namespace of refs while
// the kernel itself sees one shared kref namespace. Translating a
// kernel ref into an endpoint for the first time allocates a fresh
// eref and updates the kernel object table's reference counts;
// clearing an object's reachable flag and forgetting entries feed the
// garbage collector's maybe-free set.
package clist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
)

// CList is the kernel's full reference-translation table across all
// endpoints, backed by the persistent KV store.
type CList struct {
	kv       kvstore.KVStore
	objects  *objects.Table
	promises *promise.Table
}

// New returns a CList backed by kv, consulting and updating objTable
// for object refcount bookkeeping as entries are allocated and
// forgotten, and promTable to determine a newly-allocated promise
// eref's direction (spec §4.2 rule 3).
func New(kv kvstore.KVStore, objTable *objects.Table, promTable *promise.Table) *CList {
	return &CList{kv: kv, objects: objTable, promises: promTable}
}

func clkKey(e kref.EndpointID, k kref.KRef) string {
	return fmt.Sprintf("clk.%s.%s", e, k)
}

func cleKey(e kref.EndpointID, r kref.ERef) string {
	return fmt.Sprintf("cle.%s.%s", e, r)
}

func objectCounterKey(e kref.EndpointID) string  { return fmt.Sprintf("e.nextObjectId.%s", e) }
func promiseCounterKey(e kref.EndpointID) string { return fmt.Sprintf("e.nextPromiseId.%s", e) }
func refHoldersKey(k kref.KRef) string            { return fmt.Sprintf("refholders.%s", k) }

// encodeClkValue packs the reachable flag as a prefix byte ahead of
// the endpoint-local ref, per spec §6's "clk.<endpointId>.<kref>" row.
func encodeClkValue(r kref.ERef, reachable bool) string {
	if reachable {
		return "1" + string(r)
	}
	return "0" + string(r)
}

func decodeClkValue(v string) (kref.ERef, bool, error) {
	if len(v) < 2 {
		return "", false, fmt.Errorf("clist: malformed clk value %q", v)
	}
	reachable := v[0] == '1'
	eref, err := kref.ParseERef(v[1:])
	if err != nil {
		return "", false, err
	}
	return eref, reachable, nil
}

// TranslateRefEtoK looks up the kref for an eref the endpoint
// presented in a syscall. The entry is required to exist; an unknown
// eref is the InvalidSyscall condition (spec §7), fatal to the vat.
func (c *CList) TranslateRefEtoK(ctx context.Context, endpoint kref.EndpointID, eref kref.ERef) (kref.KRef, error) {
	v, ok, err := c.kv.Get(ctx, cleKey(endpoint, eref))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s has no c-list entry for %s", kernelerr.ErrInvalidSyscall, endpoint, eref)
	}
	return kref.KRef(v), nil
}

// TranslateRefKtoE looks up, or (if allocIfMissing) allocates, the
// eref an endpoint should see for kref. When delivery semantically
// demands reachability (sends and notifications do), reachableDemand
// must be true: an existing object entry's reachable flag is set, and
// the owning object's reachable count is incremented the first time
// this happens.
func (c *CList) TranslateRefKtoE(ctx context.Context, endpoint kref.EndpointID, k kref.KRef, allocIfMissing, reachableDemand bool) (kref.ERef, error) {
	v, ok, err := c.kv.Get(ctx, clkKey(endpoint, k))
	if err != nil {
		return "", err
	}
	if ok {
		eref, reachable, err := decodeClkValue(v)
		if err != nil {
			return "", err
		}
		if reachableDemand && !reachable && k.IsObject() {
			if _, err := c.objects.IncrementReachable(ctx, k); err != nil {
				return "", err
			}
			if err := c.setReachable(ctx, endpoint, k, eref, true); err != nil {
				return "", err
			}
		}
		return eref, nil
	}
	if !allocIfMissing {
		return "", fmt.Errorf("%w: %s has no c-list entry for %s", kernelerr.ErrInvalidSyscall, endpoint, k)
	}
	return c.allocate(ctx, endpoint, k, reachableDemand)
}

// allocate creates a brand-new c-list entry for k in endpoint's
// namespace, following spec §4.2's allocation rules 2-4.
func (c *CList) allocate(ctx context.Context, endpoint kref.EndpointID, k kref.KRef, reachableDemand bool) (kref.ERef, error) {
	var eref kref.ERef
	switch {
	case k.IsObject():
		n, err := c.nextCounter(ctx, objectCounterKey(endpoint))
		if err != nil {
			return "", err
		}
		dir := kref.Import
		if owner, err := c.objects.Owner(ctx, k); err != nil {
			return "", err
		} else if owner.String() == endpoint.String() {
			dir = kref.Export
		}
		eref = kref.NewObjectERef(n, dir)
		if _, err := c.objects.IncrementBoth(ctx, k); err != nil {
			return "", err
		}
	case k.IsPromise():
		n, err := c.nextCounter(ctx, promiseCounterKey(endpoint))
		if err != nil {
			return "", err
		}
		dir := kref.Import
		if c.promises != nil {
			if decider, ok, err := c.promises.Decider(ctx, k); err != nil {
				return "", err
			} else if ok && decider.String() == endpoint.String() {
				dir = kref.Export
			}
		}
		eref = kref.NewPromiseERef(n, dir)
	default:
		return "", fmt.Errorf("clist: %q is neither an object nor a promise kref", k)
	}

	if err := c.kv.Set(ctx, clkKey(endpoint, k), encodeClkValue(eref, reachableDemand)); err != nil {
		return "", err
	}
	if err := c.kv.Set(ctx, cleKey(endpoint, eref), string(k)); err != nil {
		return "", err
	}
	if err := c.addRefHolder(ctx, k, endpoint); err != nil {
		return "", err
	}
	return eref, nil
}

// SeedRootExport installs endpoint's conventional root-object c-list
// entry at index 0 — the "o+0" a freshly launched vat's capTpInit
// bootstrap handshake always names — bypassing the ordinary allocation
// counter, which continues from 1 for every subsequent allocation so
// it never collides with this reserved slot. Used once, by the kernel,
// when it creates a vat's root object ahead of Vat.Launch.
func (c *CList) SeedRootExport(ctx context.Context, endpoint kref.EndpointID, k kref.KRef) (kref.ERef, error) {
	eref := kref.NewObjectERef(0, kref.Export)
	if err := c.kv.Set(ctx, clkKey(endpoint, k), encodeClkValue(eref, true)); err != nil {
		return "", err
	}
	if err := c.kv.Set(ctx, cleKey(endpoint, eref), string(k)); err != nil {
		return "", err
	}
	if _, err := c.objects.IncrementBoth(ctx, k); err != nil {
		return "", err
	}
	if err := c.addRefHolder(ctx, k, endpoint); err != nil {
		return "", err
	}
	return eref, nil
}

// addRefHolder records endpoint as holding a c-list entry for k, so the
// GC engine can find every importer to notify on retireImport (spec
// §4.5). The set is a sorted, deduped JSON array.
func (c *CList) addRefHolder(ctx context.Context, k kref.KRef, endpoint kref.EndpointID) error {
	holders, err := c.ReferencingEndpoints(ctx, k)
	if err != nil {
		return err
	}
	for _, h := range holders {
		if h.String() == endpoint.String() {
			return nil
		}
	}
	holders = append(holders, endpoint)
	return c.writeRefHolders(ctx, k, holders)
}

func (c *CList) removeRefHolder(ctx context.Context, k kref.KRef, endpoint kref.EndpointID) error {
	holders, err := c.ReferencingEndpoints(ctx, k)
	if err != nil {
		return err
	}
	out := holders[:0]
	for _, h := range holders {
		if h.String() != endpoint.String() {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return c.kv.Delete(ctx, refHoldersKey(k))
	}
	return c.writeRefHolders(ctx, k, out)
}

func (c *CList) writeRefHolders(ctx context.Context, k kref.KRef, holders []kref.EndpointID) error {
	strs := make([]string, len(holders))
	for i, h := range holders {
		strs[i] = h.String()
	}
	sort.Strings(strs)
	b, err := json.Marshal(strs)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, refHoldersKey(k), string(b))
}

// ReferencingEndpoints returns every endpoint that currently holds a
// c-list entry for k, in sorted order.
func (c *CList) ReferencingEndpoints(ctx context.Context, k kref.KRef) ([]kref.EndpointID, error) {
	v, ok, err := c.kv.Get(ctx, refHoldersKey(k))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		return nil, fmt.Errorf("clist: malformed refholders for %s: %w", k, err)
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

func (c *CList) nextCounter(ctx context.Context, key string) (uint64, error) {
	counter := kvstore.NewCounter(c.kv, key, 1)
	return counter.Inc(ctx)
}

func (c *CList) setReachable(ctx context.Context, endpoint kref.EndpointID, k kref.KRef, eref kref.ERef, reachable bool) error {
	return c.kv.Set(ctx, clkKey(endpoint, k), encodeClkValue(eref, reachable))
}

// ClearReachableFlag clears an object's reachable flag for the given
// endpoint, decrementing the object's reachable count, and reports
// whether the count reached zero (the caller should add k to the
// maybe-free set in that case).
func (c *CList) ClearReachableFlag(ctx context.Context, endpoint kref.EndpointID, k kref.KRef) (becameUnreachable bool, err error) {
	v, ok, err := c.kv.Get(ctx, clkKey(endpoint, k))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("clist: %s has no c-list entry for %s", endpoint, k)
	}
	eref, reachable, err := decodeClkValue(v)
	if err != nil {
		return false, err
	}
	if !reachable {
		return false, nil
	}
	if err := c.setReachable(ctx, endpoint, k, eref, false); err != nil {
		return false, err
	}
	if !k.IsObject() {
		return false, nil
	}
	counts, err := c.objects.DecrementReachable(ctx, k)
	if err != nil {
		return false, err
	}
	return counts.Reachable == 0, nil
}

// GetReachableFlag reports the current reachable flag for k in endpoint's c-list.
func (c *CList) GetReachableFlag(ctx context.Context, endpoint kref.EndpointID, k kref.KRef) (bool, error) {
	v, ok, err := c.kv.Get(ctx, clkKey(endpoint, k))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("clist: %s has no c-list entry for %s", endpoint, k)
	}
	_, reachable, err := decodeClkValue(v)
	return reachable, err
}

// HasCListEntry reports whether endpoint's c-list has an entry for k.
func (c *CList) HasCListEntry(ctx context.Context, endpoint kref.EndpointID, k kref.KRef) (bool, error) {
	_, ok, err := c.kv.Get(ctx, clkKey(endpoint, k))
	return ok, err
}

// ForgetKref removes both directions of endpoint's c-list entry for k.
func (c *CList) ForgetKref(ctx context.Context, endpoint kref.EndpointID, k kref.KRef) error {
	v, ok, err := c.kv.Get(ctx, clkKey(endpoint, k))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	eref, _, err := decodeClkValue(v)
	if err != nil {
		return err
	}
	if err := c.kv.Delete(ctx, clkKey(endpoint, k)); err != nil {
		return err
	}
	if err := c.kv.Delete(ctx, cleKey(endpoint, eref)); err != nil {
		return err
	}
	return c.removeRefHolder(ctx, k, endpoint)
}

// ForgetEref removes both directions of endpoint's c-list entry for eref.
func (c *CList) ForgetEref(ctx context.Context, endpoint kref.EndpointID, eref kref.ERef) error {
	v, ok, err := c.kv.Get(ctx, cleKey(endpoint, eref))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	k := kref.KRef(v)
	if err := c.kv.Delete(ctx, cleKey(endpoint, eref)); err != nil {
		return err
	}
	if err := c.kv.Delete(ctx, clkKey(endpoint, k)); err != nil {
		return err
	}
	return c.removeRefHolder(ctx, k, endpoint)
}

// Entry is one row of an endpoint's c-list, as surfaced by Entries.
type Entry struct {
	KRef      kref.KRef
	ERef      kref.ERef
	Reachable bool
}

// Entries scans endpoint's c-list for up to limit entries keyed after
// cursor (pass "" to start from the beginning), returning the entries
// found, the cursor to pass on the next call, and whether the scan has
// reached the end. It exists for the kernel's terminated-vat cleanup
// sweep (spec §4.5), which must walk an entire endpoint's c-list in
// bounded chunks so one vat's teardown cannot starve the run queue.
func (c *CList) Entries(ctx context.Context, endpoint kref.EndpointID, cursor string, limit int) (entries []Entry, next string, exhausted bool, err error) {
	prefix := fmt.Sprintf("clk.%s.", endpoint)
	after := cursor
	if after == "" {
		after = prefix
	}
	for len(entries) < limit {
		key, ok, err := c.kv.GetNextKey(ctx, prefix, after)
		if err != nil {
			return nil, "", false, err
		}
		if !ok {
			return entries, "", true, nil
		}
		after = key
		v, ok, err := c.kv.Get(ctx, key)
		if err != nil {
			return nil, "", false, err
		}
		if !ok {
			continue
		}
		eref, reachable, err := decodeClkValue(v)
		if err != nil {
			return nil, "", false, err
		}
		entries = append(entries, Entry{
			KRef:      kref.KRef(strings.TrimPrefix(key, prefix)),
			ERef:      eref,
			Reachable: reachable,
		})
	}
	return entries, after, false, nil
}

// TranslateMessageEtoK translates a send's target, argument slots, and
// optional result ref from endpoint-local to kernel-wide refs.
func (c *CList) TranslateMessageEtoK(ctx context.Context, endpoint kref.EndpointID, target kref.ERef, args kref.CapData, result kref.ERef) (kTarget kref.KRef, kArgs kref.CapData, kResult kref.KRef, err error) {
	kTarget, err = c.TranslateRefEtoK(ctx, endpoint, target)
	if err != nil {
		return "", kref.CapData{}, "", err
	}
	kSlots := make([]string, len(args.Slots))
	for i, s := range args.Slots {
		kr, err := c.TranslateRefEtoK(ctx, endpoint, kref.ERef(s))
		if err != nil {
			return "", kref.CapData{}, "", err
		}
		kSlots[i] = string(kr)
	}
	if result != "" {
		kResult, err = c.TranslateRefEtoK(ctx, endpoint, result)
		if err != nil {
			return "", kref.CapData{}, "", err
		}
	}
	return kTarget, kref.CapData{Body: args.Body, Slots: kSlots}, kResult, nil
}

// TranslateMessageKtoE translates a delivery's target, argument slots,
// and optional result ref from kernel-wide to endpoint-local refs,
// allocating fresh imports as needed and marking sends/notifications
// reachable per spec §4.2.
func (c *CList) TranslateMessageKtoE(ctx context.Context, endpoint kref.EndpointID, target kref.KRef, args kref.CapData, result kref.KRef) (eTarget kref.ERef, eArgs kref.CapData, eResult kref.ERef, err error) {
	eTarget, err = c.TranslateRefKtoE(ctx, endpoint, target, true, true)
	if err != nil {
		return "", kref.CapData{}, "", err
	}
	eSlots := make([]string, len(args.Slots))
	for i, s := range args.Slots {
		er, err := c.TranslateRefKtoE(ctx, endpoint, kref.KRef(s), true, true)
		if err != nil {
			return "", kref.CapData{}, "", err
		}
		eSlots[i] = string(er)
	}
	if result != "" {
		eResult, err = c.TranslateRefKtoE(ctx, endpoint, result, true, false)
		if err != nil {
			return "", kref.CapData{}, "", err
		}
	}
	return eTarget, kref.CapData{Body: args.Body, Slots: eSlots}, eResult, nil
}

