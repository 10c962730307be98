// Package vat implements the kernel's vat lifecycle and syscall
// dispatcher (spec §4.6): allocating vat ids, launching a vat's worker
// process through the capTp-style bootstrap handshake, translating
// crank deliveries from kernel refs to a vat's own endpoint refs, and
// servicing the full syscall vocabulary a running vat issues back
// (send, subscribe, resolve, dropImports, retireImports, retireExports,
// abandonExports, the vatstore family, exit, callNow).
package vat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
)

// Config is one vat's launch configuration (spec §6's "vatConfig.<vatId>"
// record): what bundle to run and how. Operators author these as YAML
// (matching the teacher's preference for human-edited config files over
// hand-built JSON); the registry persists the parsed result as JSON
// alongside the rest of the kernel's string-keyed store.
type Config struct {
	Name        string            `yaml:"name" json:"name"`
	Bundle      string            `yaml:"bundle" json:"bundle"`
	ManagerType string            `yaml:"managerType,omitempty" json:"managerType,omitempty"`
	Parameters  map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// ParseConfigYAML decodes a vat config bundle from its on-disk YAML form.
func ParseConfigYAML(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vat: parse config yaml: %w", err)
	}
	if cfg.Bundle == "" {
		return Config{}, fmt.Errorf("vat: config has no bundle")
	}
	return cfg, nil
}

// Registry is the kernel's vat directory: id allocation, per-vat
// config, the terminated-vats set, and the pinned-objects GC-root set
// (spec §6). It is also the vatstore backing store for the
// vatstoreGet/Set/Delete/GetNextKey syscalls, each vat's private
// substore namespaced "<vatId>.vs.<key>".
type Registry struct {
	kv kvstore.KVStore
}

// NewRegistry returns a Registry backed by kv.
func NewRegistry(kv kvstore.KVStore) *Registry {
	return &Registry{kv: kv}
}

const (
	nextVatIDKey      = "nextVatId"
	terminatedVatsKey = "terminatedVats"
	pinnedObjectsKey  = "pinnedObjects"
)

func vatConfigKey(id kref.VatID) string { return fmt.Sprintf("vatConfig.%s", id) }

func vatstoreKey(id kref.VatID, key string) string { return fmt.Sprintf("%s.vs.%s", id, key) }
func vatstorePrefix(id kref.VatID) string          { return fmt.Sprintf("%s.vs.", id) }

// AllocateVatID returns the next unused vat id ("v1", "v2", ...).
func (r *Registry) AllocateVatID(ctx context.Context) (kref.VatID, error) {
	n, err := kvstore.NewCounter(r.kv, nextVatIDKey, 1).Inc(ctx)
	if err != nil {
		return "", err
	}
	return kref.VatID(fmt.Sprintf("v%d", n)), nil
}

// Exists reports whether id has a stored config, i.e. was created and
// never deleted.
func (r *Registry) Exists(ctx context.Context, id kref.VatID) (bool, error) {
	_, ok, err := r.kv.Get(ctx, vatConfigKey(id))
	return ok, err
}

// CreateConfig stores cfg for id. Fails with kernelerr.ErrVatAlreadyExists
// if a config for id is already on record.
func (r *Registry) CreateConfig(ctx context.Context, id kref.VatID, cfg Config) error {
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", kernelerr.ErrVatAlreadyExists, id)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, vatConfigKey(id), string(b))
}

// Config returns id's stored launch config. Fails with
// kernelerr.ErrVatNotFound if id was never created.
func (r *Registry) Config(ctx context.Context, id kref.VatID) (Config, error) {
	v, ok, err := r.kv.Get(ctx, vatConfigKey(id))
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", kernelerr.ErrVatNotFound, id)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(v), &cfg); err != nil {
		return Config{}, fmt.Errorf("vat: malformed config for %s: %w", id, err)
	}
	return cfg, nil
}

// DeleteConfig removes id's config record, freeing the id's vatConfig
// slot (removing the config does not return the id to AllocateVatID's
// counter).
func (r *Registry) DeleteConfig(ctx context.Context, id kref.VatID) error {
	return r.kv.Delete(ctx, vatConfigKey(id))
}

func (r *Registry) readSortedSet(ctx context.Context, key string) ([]string, error) {
	v, ok, err := r.kv.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("vat: malformed set at %q: %w", key, err)
	}
	return out, nil
}

func (r *Registry) writeSortedSet(ctx context.Context, key string, items []string) error {
	sort.Strings(items)
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, key, string(b))
}

func addToSet(ctx context.Context, r *Registry, key, item string) error {
	items, err := r.readSortedSet(ctx, key)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it == item {
			return nil
		}
	}
	items = append(items, item)
	return r.writeSortedSet(ctx, key, items)
}

// MarkTerminated records id in the terminated-vats set (spec §6,
// "terminatedVats"). A terminated vat receives no further crank
// deliveries; the kernel orchestration layer is responsible for
// sweeping its remaining c-list entries and objects.
func (r *Registry) MarkTerminated(ctx context.Context, id kref.VatID) error {
	return addToSet(ctx, r, terminatedVatsKey, string(id))
}

// IsTerminated reports whether id has been marked terminated.
func (r *Registry) IsTerminated(ctx context.Context, id kref.VatID) (bool, error) {
	items, err := r.readSortedSet(ctx, terminatedVatsKey)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it == string(id) {
			return true, nil
		}
	}
	return false, nil
}

// TerminatedVats returns every vat id marked terminated, in sorted order.
func (r *Registry) TerminatedVats(ctx context.Context) ([]kref.VatID, error) {
	items, err := r.readSortedSet(ctx, terminatedVatsKey)
	if err != nil {
		return nil, err
	}
	out := make([]kref.VatID, len(items))
	for i, it := range items {
		out[i] = kref.VatID(it)
	}
	return out, nil
}

// RemoveTerminated removes id from the terminated-vats set, once the
// kernel's terminated-vat cleanup sweep (spec §4.5) has fully
// processed its c-list entries and vatstore.
func (r *Registry) RemoveTerminated(ctx context.Context, id kref.VatID) error {
	items, err := r.readSortedSet(ctx, terminatedVatsKey)
	if err != nil {
		return err
	}
	out := items[:0]
	for _, it := range items {
		if it != string(id) {
			out = append(out, it)
		}
	}
	return r.writeSortedSet(ctx, terminatedVatsKey, out)
}

// SweepVatstore deletes up to limit of id's remaining vatstore entries
// (keys prefixed "<vatId>.vs.", spec §4.5's "delete all keys with
// prefix <vatId>."), reporting whether the substore is now empty. Used
// by the kernel's terminated-vat cleanup sweep to clear a dead vat's
// private store in bounded chunks, so one vat's teardown cannot starve
// the crank loop.
func (r *Registry) SweepVatstore(ctx context.Context, id kref.VatID, limit int) (exhausted bool, err error) {
	prefix := vatstorePrefix(id)
	for i := 0; i < limit; i++ {
		key, ok, err := r.kv.GetNextKey(ctx, prefix, prefix)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if err := r.kv.Delete(ctx, key); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Pin adds k to the kernel's pinned-objects set (spec §6,
// "pinnedObjects"), e.g. a vat's bootstrap export. The set is recorded
// and reported by Pinned only: the GC engine does not consult it, so a
// pinned object is still harvested by its reachable/recognizable counts.
func (r *Registry) Pin(ctx context.Context, k kref.KRef) error {
	return addToSet(ctx, r, pinnedObjectsKey, string(k))
}

// Unpin removes k from the pinned-objects set.
func (r *Registry) Unpin(ctx context.Context, k kref.KRef) error {
	items, err := r.readSortedSet(ctx, pinnedObjectsKey)
	if err != nil {
		return err
	}
	out := items[:0]
	for _, it := range items {
		if it != string(k) {
			out = append(out, it)
		}
	}
	return r.writeSortedSet(ctx, pinnedObjectsKey, out)
}

// Pinned reports whether k is currently pinned.
func (r *Registry) Pinned(ctx context.Context, k kref.KRef) (bool, error) {
	items, err := r.readSortedSet(ctx, pinnedObjectsKey)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it == string(k) {
			return true, nil
		}
	}
	return false, nil
}

// VatstoreGet reads key from id's private substore.
func (r *Registry) VatstoreGet(ctx context.Context, id kref.VatID, key string) (string, bool, error) {
	return r.kv.Get(ctx, vatstoreKey(id, key))
}

// VatstoreSet writes key=value into id's private substore.
func (r *Registry) VatstoreSet(ctx context.Context, id kref.VatID, key, value string) error {
	return r.kv.Set(ctx, vatstoreKey(id, key), value)
}

// VatstoreDelete removes key from id's private substore.
func (r *Registry) VatstoreDelete(ctx context.Context, id kref.VatID, key string) error {
	return r.kv.Delete(ctx, vatstoreKey(id, key))
}

// VatstoreGetNextKey returns the smallest substore key strictly greater
// than after, with the "<vatId>.vs." prefix stripped back off, for the
// vatstoreGetNextKey syscall's iteration contract.
func (r *Registry) VatstoreGetNextKey(ctx context.Context, id kref.VatID, after string) (string, bool, error) {
	prefix := vatstorePrefix(id)
	full, ok, err := r.kv.GetNextKey(ctx, prefix, prefix+after)
	if err != nil || !ok {
		return "", false, err
	}
	return full[len(prefix):], true, nil
}
