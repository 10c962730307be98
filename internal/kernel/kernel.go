// Package kernel wires together the reference-translation, object,
// promise, garbage-collection, and run-queue layers into the running
// ocap kernel described by spec §4: it allocates vat and remote peer
// ids, launches and tears down their connections, and drives the
// single-reader crank loop that is the kernel's one and only writer
// (spec §5).
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/gcengine"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/remote"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/vat"
	"github.com/ocapkernel/kernel/internal/worker"
)

// Top-level allocator counter keys (spec §6's KV schema table): vat ids
// live in vat.Registry under its own nextVatId counter; the remaining
// three allocators are the kernel's own.
const (
	nextRemoteIDKey  = "nextRemoteId"
	nextObjectIDKey  = "nextObjectId"
	nextPromiseIDKey = "nextPromiseId"
)

// Kernel is the top-level ocap kernel: every table the crank loop
// reads and mutates, plus the set of vats and remote peers currently
// attached.
type Kernel struct {
	kv       kvstore.KVStore
	objects  *objects.Table
	promises *promise.Table
	cl       *clist.CList
	gc       *gcengine.Engine
	runq     *runqueue.RunQueue
	registry *vat.Registry

	// maybeFree is shared across every vat.Vat and remote.Handle this
	// kernel owns, so one harvest pass at the end of a crank covers
	// every endpoint's refcount mutations (spec §4.5).
	maybeFree *gcengine.MaybeFreeSet

	mu      sync.Mutex
	vats    map[kref.VatID]*vat.Vat
	remotes map[kref.RemoteID]*remote.Handle

	// sweepCursor remembers, per terminated vat, where the last
	// terminated-vat cleanup step (spec §4.5) left off scanning its
	// c-list, so the sweep can resume across crank boundaries instead
	// of restarting from the beginning each time.
	sweepCursor map[kref.VatID]string

	// reapAt counts cranks since the last cooperative reap sweep
	// (spec's scheduleReap); the kernel schedules one bringOutYourDead
	// per live vat every reapInterval cranks. Spec leaves the exact
	// cadence to the implementation (see DESIGN.md) — it only mandates
	// reap-before-regular priority once a reap is scheduled.
	reapAt int
}

// reapInterval is how many cranks elapse between cooperative reap
// sweeps of every live vat.
const reapInterval = 256

// New returns a Kernel backed by kv, using wakeup to signal the run
// queue's suspended reader (pass nil for a single-process
// ChannelWakeup). The kernel starts with no vats or remote peers
// attached; call LaunchVat and AttachRemote to populate it.
func New(kv kvstore.KVStore, wakeup runqueue.Wakeup) *Kernel {
	objTable := objects.NewTable(kv)
	promTable := promise.NewTable(kv)
	cl := clist.New(kv, objTable, promTable)
	rq := runqueue.New(kv, wakeup)
	return &Kernel{
		kv:          kv,
		objects:     objTable,
		promises:    promTable,
		cl:          cl,
		gc:          gcengine.New(cl, objTable, promTable, rq),
		runq:        rq,
		registry:    vat.NewRegistry(kv),
		maybeFree:   gcengine.NewMaybeFreeSet(),
		vats:        make(map[kref.VatID]*vat.Vat),
		remotes:     make(map[kref.RemoteID]*remote.Handle),
		sweepCursor: make(map[kref.VatID]string),
	}
}

// NewFromConfig builds a Kernel's storage and run-queue wakeup layers
// from cfg (spec §6): an in-memory or Postgres-backed KV store, and a
// local or Redis-backed cross-process wakeup. It does not attach any
// remote peer listener — cmd/kerneld wires that separately once it has
// a gRPC server to register against.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Kernel, error) {
	kv, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("kernel: build store: %w", err)
	}
	wakeup, err := newWakeup(cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("kernel: build wakeup: %w", err)
	}
	return New(kv, wakeup), nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (kvstore.KVStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return kvstore.NewMemoryKV(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := kvstore.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		return kvstore.NewPostgresKV(pool), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func newWakeup(cfg config.QueueConfig) (runqueue.Wakeup, error) {
	switch cfg.Backend {
	case "", "local":
		return runqueue.NewChannelWakeup(), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return runqueue.NewRedisWakeup(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func (k *Kernel) allocateObjectKRef(ctx context.Context) (kref.KRef, error) {
	n, err := kvstore.NewCounter(k.kv, nextObjectIDKey, 1).Inc(ctx)
	if err != nil {
		return "", err
	}
	return kref.NewObjectKRef(n), nil
}

// AllocatePromiseKRef allocates a fresh top-level kernel promise ref
// (spec §6's "nextPromiseId"). No production syscall path creates a
// promise on a vat's behalf yet — see DESIGN.md's note on kernel
// object/promise auto-vivification — so today the only caller is a
// kernel-internal component that itself decides a promise's outcome
// (e.g. a devices-style built-in, should one ever be added).
func (k *Kernel) AllocatePromiseKRef(ctx context.Context) (kref.KRef, error) {
	n, err := kvstore.NewCounter(k.kv, nextPromiseIDKey, 1).Inc(ctx)
	if err != nil {
		return "", err
	}
	return kref.NewPromiseKRef(n), nil
}

// AllocateRemoteID returns the next unused kernel-chosen remote peer
// id ("r1", "r2", ...), for AttachRemote callers that let the kernel
// pick rather than supplying an operator-configured id.
func (k *Kernel) AllocateRemoteID(ctx context.Context) (kref.RemoteID, error) {
	n, err := kvstore.NewCounter(k.kv, nextRemoteIDKey, 1).Inc(ctx)
	if err != nil {
		return "", err
	}
	return kref.RemoteID(fmt.Sprintf("r%d", n)), nil
}

// LaunchVat allocates a fresh vat id, records cfg, creates the vat's
// root bootstrap object, and runs its capTp-style launch handshake
// over channel (spec §4.6). The returned Vat is already registered
// with the kernel and ready to receive crank deliveries and service
// syscalls via ServeLoop.
func (k *Kernel) LaunchVat(ctx context.Context, cfg vat.Config, channel *worker.Channel) (*vat.Vat, error) {
	id, err := k.registry.AllocateVatID(ctx)
	if err != nil {
		return nil, err
	}
	if err := k.registry.CreateConfig(ctx, id, cfg); err != nil {
		return nil, err
	}
	root, err := k.allocateObjectKRef(ctx)
	if err != nil {
		return nil, err
	}
	if err := k.objects.Create(ctx, root, id); err != nil {
		return nil, err
	}
	if _, err := k.cl.SeedRootExport(ctx, id, root); err != nil {
		return nil, err
	}
	// Record the bootstrap export in the pinned-objects set; the GC
	// engine does not consult that set (see vat.Registry.Pin).
	if err := k.registry.Pin(ctx, root); err != nil {
		return nil, err
	}

	v := vat.New(id, channel, k.cl, k.objects, k.promises, k.runq, k.registry, k.maybeFree)
	if err := v.Launch(ctx, cfg); err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.vats[id] = v
	k.mu.Unlock()

	metrics.Global().RecordVatLaunched()
	metrics.RecordPrometheusVatLaunched()
	logAttached("vat", id.String())
	return v, nil
}

// Vat returns the kernel's handle to a live vat, if any.
func (k *Kernel) Vat(id kref.VatID) (*vat.Vat, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.vats[id]
	return v, ok
}

// AttachRemote registers a connection to peer kernels (spec §4.7): it
// builds a remote.Handle that identifies this kernel as self on the
// peer protocol and sends through sender, and records it under self.
// It allocates no remote id of its own.
func (k *Kernel) AttachRemote(ctx context.Context, self kref.RemoteID, sender remote.Sender) (*remote.Handle, error) {
	h := remote.New(self, sender, k.cl, k.objects, k.promises, k.runq, k.maybeFree)
	k.mu.Lock()
	k.remotes[self] = h
	k.mu.Unlock()
	metrics.Global().RecordRemoteAttached()
	metrics.RecordPrometheusRemoteAttached()
	logAttached("remote", self.String())
	return h, nil
}

// Remote returns the kernel's handle to an attached peer, if any.
func (k *Kernel) Remote(id kref.RemoteID) (*remote.Handle, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	h, ok := k.remotes[id]
	return h, ok
}

// endpoint resolves id to whichever of vats or remotes currently holds
// it, satisfying the small delivery surface the crank loop needs from
// either kind of endpoint (spec's EndpointHandle polymorphism).
func (k *Kernel) endpoint(id kref.EndpointID) (endpointHandle, bool) {
	switch e := id.(type) {
	case kref.VatID:
		v, ok := k.Vat(e)
		if !ok {
			return nil, false
		}
		return vatHandle{v}, true
	case kref.RemoteID:
		h, ok := k.Remote(e)
		if !ok {
			return nil, false
		}
		return remoteHandle{h, e}, true
	default:
		return nil, false
	}
}

// Reset wipes every key the kernel's collaborators have ever written,
// returning the store to its pristine, pre-boot state (SPEC_FULL.md's
// `kerneld reset` administrative operation). It is not safe to call
// while any vat or remote is attached to this Kernel instance — those
// in-memory handles would keep referring to now-deleted state.
func (k *Kernel) Reset(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.vats) > 0 || len(k.remotes) > 0 {
		return fmt.Errorf("kernel: Reset called with %d vat(s) and %d remote(s) still attached", len(k.vats), len(k.remotes))
	}
	switch store := k.kv.(type) {
	case *kvstore.MemoryKV:
		for _, key := range store.SortedKeys("") {
			if err := store.Delete(ctx, key); err != nil {
				return err
			}
		}
	case *kvstore.PostgresKV:
		if err := store.Truncate(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("kernel: Reset is not supported for this store backend")
	}
	k.sweepCursor = make(map[kref.VatID]string)
	k.reapAt = 0
	return nil
}

// Stats aggregates the kernel's run queue depth and live endpoint
// counts for SPEC_FULL.md's `kerneld inspect` subcommand.
type Stats struct {
	RunQueue    runqueue.Stats
	VatCount    int
	RemoteCount int
}

// Stats returns the kernel's current inspection snapshot.
func (k *Kernel) Stats(ctx context.Context) (Stats, error) {
	qs, err := k.runq.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return Stats{RunQueue: qs, VatCount: len(k.vats), RemoteCount: len(k.remotes)}, nil
}

// ScheduleReap queues a cooperative bringOutYourDead poll for id
// (spec's scheduleReap), ahead of the regular FIFO but behind any
// pending GC action batch.
func (k *Kernel) ScheduleReap(ctx context.Context, id kref.EndpointID) error {
	return k.runq.EnqueueReap(ctx, id)
}

// logAttached logs a crank-loop lifecycle event through the same
// operator-facing logger the rest of the kernel uses.
func logAttached(kind, id string) {
	logging.Op().Info("attached", "kind", kind, "id", id)
}
