// Package remote implements the kernel's remote peer handle (spec
// §4.7): the same delivery contract a vat gets, but serialised over
// the duplex peer protocol instead of the worker channel, plus OCAP
// URL issuance and redemption across kernel-to-kernel connections.
// kref.RemoteID already satisfies kref.EndpointID, so every
// translation in internal/clist applies to a peer exactly as it does
// to a vat; this package only adds the wire envelope and the
// redemption rendezvous on top.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/gcengine"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/runqueue"
)

// redeemTimeout is spec §4.7's fixed redemption timeout.
const redeemTimeout = 30 * time.Second

// Sender delivers a raw peer-protocol JSON envelope to a connected
// peer, over whatever transport backs the connection.
type Sender interface {
	Send(ctx context.Context, peer kref.RemoteID, raw []byte) error
}

// Handle is the kernel's peer-connection manager. One Handle serves
// every peer the kernel currently talks to; callers route
// Deliver*/HandleIncoming calls by kref.RemoteID.
type Handle struct {
	self   kref.RemoteID
	sender Sender

	cl       *clist.CList
	objects  *objects.Table
	promises *promise.Table
	runq     *runqueue.RunQueue

	// maybeFree is the kernel's shared maybe-free set (spec §4.5), the
	// same instance every vat.Vat records into — a peer's inbound GC
	// acknowledgements touch the same refcounts a vat's syscalls do, so
	// they must feed the same harvest pass.
	maybeFree *gcengine.MaybeFreeSet

	mu      sync.Mutex
	pending map[string]pendingRedemption
}

type pendingRedemption struct {
	peer  kref.RemoteID
	reply chan redeemReply
}

type redeemReply struct {
	eref kref.ERef
	err  string
}

// New returns a Handle identifying this kernel as self on the peer
// protocol, sending outbound peer messages through sender. maybeFree
// is the kernel's shared maybe-free set, the same one passed to every
// vat.Vat the kernel launches.
func New(self kref.RemoteID, sender Sender, cl *clist.CList, objTable *objects.Table, promTable *promise.Table, rq *runqueue.RunQueue, maybeFree *gcengine.MaybeFreeSet) *Handle {
	return &Handle{
		self: self, sender: sender,
		cl: cl, objects: objTable, promises: promTable, runq: rq,
		maybeFree: maybeFree,
		pending:   make(map[string]pendingRedemption),
	}
}

// peerEnvelope is the wire shape of the peer duplex (spec §6): a
// method tag plus its positional params.
type peerEnvelope struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func rawOf(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("remote: unmarshalable wire value %T: %v", v, err))
	}
	return b
}

// ---- Outbound deliveries (kernel -> peer), mirroring vat.Vat.Deliver ----

type deliverMessageWire struct {
	Target string       `json:"target"`
	Method string       `json:"method"`
	Args   kref.CapData `json:"args"`
	Result string       `json:"result,omitempty"`
}

type deliverNotifyWire struct {
	Promise  string       `json:"promise"`
	Rejected bool         `json:"rejected"`
	Value    kref.CapData `json:"value"`
}

type deliverGCWire struct {
	Refs []string `json:"refs"`
}

func (h *Handle) sendDeliver(ctx context.Context, peer kref.RemoteID, kind string, payload any) error {
	env := peerEnvelope{Method: "deliver", Params: []json.RawMessage{rawOf(kind), rawOf(payload)}}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.sender.Send(ctx, peer, raw)
}

// DeliverSend translates a run-queue send item to peer's erefs and
// forwards it as a "message" delivery.
func (h *Handle) DeliverSend(ctx context.Context, peer kref.RemoteID, item runqueue.Item) error {
	eTarget, eArgs, eResult, err := h.cl.TranslateMessageKtoE(ctx, peer, item.Target, item.Args, item.Result)
	if err != nil {
		return err
	}
	return h.sendDeliver(ctx, peer, "message", deliverMessageWire{
		Target: string(eTarget), Method: item.Method, Args: eArgs, Result: string(eResult),
	})
}

// DeliverNotify translates a resolved promise's value to peer's erefs
// and forwards it as a "notify" delivery.
func (h *Handle) DeliverNotify(ctx context.Context, peer kref.RemoteID, item runqueue.Item) error {
	state, err := h.promises.State(ctx, item.KPID)
	if err != nil {
		return err
	}
	value, _, err := h.promises.Value(ctx, item.KPID)
	if err != nil {
		return err
	}
	eValue, err := h.translateCapDataKtoE(ctx, peer, value)
	if err != nil {
		return err
	}
	ePromise, err := h.cl.TranslateRefKtoE(ctx, peer, item.KPID, true, false)
	if err != nil {
		return err
	}
	if err := h.sendDeliver(ctx, peer, "notify", deliverNotifyWire{
		Promise: string(ePromise), Rejected: state == promise.Rejected, Value: eValue,
	}); err != nil {
		return err
	}
	_, err = h.promises.DecRefCount(ctx, item.KPID)
	if err != nil {
		return err
	}
	h.maybeFree.Add(item.KPID)
	return nil
}

func (h *Handle) translateCapDataKtoE(ctx context.Context, peer kref.RemoteID, cd kref.CapData) (kref.CapData, error) {
	slots := make([]string, len(cd.Slots))
	for i, s := range cd.Slots {
		eref, err := h.cl.TranslateRefKtoE(ctx, peer, kref.KRef(s), true, true)
		if err != nil {
			return kref.CapData{}, err
		}
		slots[i] = string(eref)
	}
	return kref.CapData{Body: cd.Body, Slots: slots}, nil
}

// deliverGCAction translates a batched GC-action item's krefs to
// peer's existing c-list entries and, for retire kinds, forgets the
// entry once the peer acknowledges — mirroring vat.Vat.deliverGCAction.
func (h *Handle) deliverGCAction(ctx context.Context, peer kref.RemoteID, kind string, item runqueue.Item, forget bool) error {
	refs := make([]string, len(item.KRefs))
	for i, k := range item.KRefs {
		eref, err := h.cl.TranslateRefKtoE(ctx, peer, k, false, false)
		if err != nil {
			return err
		}
		refs[i] = string(eref)
	}
	if err := h.sendDeliver(ctx, peer, kind, deliverGCWire{Refs: refs}); err != nil {
		return err
	}
	if !forget {
		return nil
	}
	for _, k := range item.KRefs {
		if err := h.cl.ForgetKref(ctx, peer, k); err != nil {
			return err
		}
	}
	return nil
}

// DeliverDropExports forwards a dropExports GC action to peer.
func (h *Handle) DeliverDropExports(ctx context.Context, peer kref.RemoteID, item runqueue.Item) error {
	return h.deliverGCAction(ctx, peer, "dropExports", item, false)
}

// DeliverRetireExports forwards a retireExports GC action to peer.
func (h *Handle) DeliverRetireExports(ctx context.Context, peer kref.RemoteID, item runqueue.Item) error {
	return h.deliverGCAction(ctx, peer, "retireExports", item, true)
}

// DeliverRetireImports forwards a retireImports GC action to peer.
func (h *Handle) DeliverRetireImports(ctx context.Context, peer kref.RemoteID, item runqueue.Item) error {
	return h.deliverGCAction(ctx, peer, "retireImports", item, true)
}

// DeliverBringOutYourDead asks peer to reap.
func (h *Handle) DeliverBringOutYourDead(ctx context.Context, peer kref.RemoteID) error {
	return h.sendDeliver(ctx, peer, "bringOutYourDead", struct{}{})
}

// ---- Inbound (peer -> kernel) ----

// HandleIncoming parses and routes one inbound peer-protocol envelope.
// "deliver" messages are translated peer-eref to kernel-kref exactly
// as a vat's syscalls are and routed identically (spec §4.7);
// "redeemURL" answers a peer's lookup against our own object table;
// "redeemURLReply" completes one of our own pending redemptions.
func (h *Handle) HandleIncoming(ctx context.Context, peer kref.RemoteID, raw []byte) error {
	var env peerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("remote: malformed peer envelope from %s: %w", peer, err)
	}
	switch env.Method {
	case "deliver":
		return h.handleDeliver(ctx, peer, env.Params)
	case "redeemURL":
		return h.handleRedeemURLRequest(ctx, peer, env.Params)
	case "redeemURLReply":
		return h.handleRedeemURLReply(env.Params)
	default:
		return fmt.Errorf("remote: unknown peer method %q from %s", env.Method, peer)
	}
}

func (h *Handle) handleDeliver(ctx context.Context, peer kref.RemoteID, params []json.RawMessage) error {
	if len(params) != 2 {
		return fmt.Errorf("remote: malformed deliver params from %s", peer)
	}
	var kind string
	if err := json.Unmarshal(params[0], &kind); err != nil {
		return err
	}
	switch kind {
	case "message":
		var w deliverMessageWire
		if err := json.Unmarshal(params[1], &w); err != nil {
			return err
		}
		kTarget, kArgs, kResult, err := h.cl.TranslateMessageEtoK(ctx, peer, kref.ERef(w.Target), w.Args, kref.ERef(w.Result))
		if err != nil {
			return err
		}
		return h.runq.Enqueue(ctx, runqueue.NewSend(kTarget, w.Method, kArgs, kResult))
	case "notify":
		var w deliverNotifyWire
		if err := json.Unmarshal(params[1], &w); err != nil {
			return err
		}
		return h.handleNotify(ctx, peer, w)
	case "dropExports":
		var w deliverGCWire
		if err := json.Unmarshal(params[1], &w); err != nil {
			return err
		}
		return h.handleDropExports(ctx, peer, w)
	case "retireExports":
		var w deliverGCWire
		if err := json.Unmarshal(params[1], &w); err != nil {
			return err
		}
		return h.handleRetireExports(ctx, peer, w)
	case "retireImports":
		var w deliverGCWire
		if err := json.Unmarshal(params[1], &w); err != nil {
			return err
		}
		return h.handleRetireImports(ctx, peer, w)
	case "bringOutYourDead":
		return nil
	default:
		return fmt.Errorf("remote: unknown deliver kind %q from %s", kind, peer)
	}
}

// handleNotify resolves the local copy of a promise peer decides,
// exactly as a vat's resolve syscall would, then re-enqueues one
// notify per subscriber.
func (h *Handle) handleNotify(ctx context.Context, peer kref.RemoteID, w deliverNotifyWire) error {
	kpid, err := h.cl.TranslateRefEtoK(ctx, peer, kref.ERef(w.Promise))
	if err != nil {
		return err
	}
	slots := make([]string, len(w.Value.Slots))
	for i, s := range w.Value.Slots {
		kr, err := h.cl.TranslateRefEtoK(ctx, peer, kref.ERef(s))
		if err != nil {
			return err
		}
		slots[i] = string(kr)
	}
	subs, err := h.promises.Resolve(ctx, kpid, peer, w.Rejected, kref.CapData{Body: w.Value.Body, Slots: slots})
	if err != nil {
		return err
	}
	h.maybeFree.Add(kpid)
	for _, sub := range subs {
		if err := h.runq.Enqueue(ctx, runqueue.NewNotify(sub, kpid)); err != nil {
			return err
		}
		if _, err := h.promises.IncRefCount(ctx, kpid); err != nil {
			return err
		}
		h.maybeFree.Add(kpid)
	}
	return nil
}

// handleDropExports mirrors a vat's dropImports syscall: peer is
// telling us it dropped its imports of objects we export to it.
func (h *Handle) handleDropExports(ctx context.Context, peer kref.RemoteID, w deliverGCWire) error {
	for _, eref := range w.Refs {
		k, err := h.cl.TranslateRefEtoK(ctx, peer, kref.ERef(eref))
		if err != nil {
			return err
		}
		if _, err := h.cl.ClearReachableFlag(ctx, peer, k); err != nil {
			return err
		}
		h.maybeFree.Add(k)
	}
	return nil
}

// handleRetireExports mirrors a vat's retireImports syscall: peer is
// telling us it permanently retired its (already unreachable) imports
// of objects we export to it.
func (h *Handle) handleRetireExports(ctx context.Context, peer kref.RemoteID, w deliverGCWire) error {
	for _, eref := range w.Refs {
		k, err := h.cl.TranslateRefEtoK(ctx, peer, kref.ERef(eref))
		if err != nil {
			return err
		}
		if reachable, err := h.cl.GetReachableFlag(ctx, peer, k); err != nil {
			return err
		} else if reachable {
			return fmt.Errorf("%w: peer %s retired still-reachable %s", kernelerr.ErrInvalidSyscall, peer, k)
		}
		if _, err := h.objects.DecrementRecognizable(ctx, k); err != nil {
			return err
		}
		if err := h.cl.ForgetKref(ctx, peer, k); err != nil {
			return err
		}
		h.maybeFree.Add(k)
	}
	return nil
}

// handleRetireImports mirrors a vat's retireExports syscall: peer is
// telling us it retired objects it exported to us, now that no import
// anywhere still reaches them.
func (h *Handle) handleRetireImports(ctx context.Context, peer kref.RemoteID, w deliverGCWire) error {
	for _, eref := range w.Refs {
		k, err := h.cl.TranslateRefEtoK(ctx, peer, kref.ERef(eref))
		if err != nil {
			return err
		}
		counts, err := h.objects.Counts(ctx, k)
		if err != nil {
			return err
		}
		if counts.Reachable != 0 {
			return fmt.Errorf("%w: peer %s retired still-reachable export %s", kernelerr.ErrInvalidSyscall, peer, k)
		}
		if err := h.cl.ForgetKref(ctx, peer, k); err != nil {
			return err
		}
		h.maybeFree.Add(k)
	}
	return nil
}

// ---- OCAP URL issuance and redemption (spec §4.7, scenarios S4/S5) ----

// IssueURL mints a URL naming k, exported by this kernel.
func (h *Handle) IssueURL(k kref.KRef) (string, error) {
	if !k.IsObject() {
		return "", fmt.Errorf("remote: %s is not an object, cannot issue an ocap URL for it", k)
	}
	return ocapURL{OID: string(k), Host: string(h.self)}.String(), nil
}

// RedeemLocalURL redeems url against this kernel's own object table,
// failing if url does not name this kernel as host (spec scenario S5).
func (h *Handle) RedeemLocalURL(ctx context.Context, url string) (kref.KRef, error) {
	u, err := parseOcapURL(url)
	if err != nil {
		return "", err
	}
	if u.Host != string(h.self) {
		return "", fmt.Errorf("%w: ocapURL from a host that's not me", kernelerr.ErrBadOcapURL)
	}
	k := kref.KRef(u.OID)
	if !k.Valid() {
		return "", fmt.Errorf("%w: bad ocap URL", kernelerr.ErrBadOcapURL)
	}
	if exists, err := h.objects.Exists(ctx, k); err != nil {
		return "", err
	} else if !exists {
		return "", fmt.Errorf("%w: no such object %s", kernelerr.ErrBadOcapURL, k)
	}
	return k, nil
}

// RedeemURL redeems url, resolving locally if it names this kernel and
// otherwise sending a redeemURL request to the named peer and awaiting
// its reply (or the 30-second timeout) as an eref translated into our
// own c-list as an import.
func (h *Handle) RedeemURL(ctx context.Context, peer kref.RemoteID, url string) (kref.ERef, error) {
	u, err := parseOcapURL(url)
	if err != nil {
		return "", err
	}
	if u.Host == string(h.self) {
		k, err := h.RedeemLocalURL(ctx, url)
		if err != nil {
			return "", err
		}
		return h.cl.TranslateRefKtoE(ctx, h.self, k, true, true)
	}

	replyKey := uuid.NewString()
	reply := make(chan redeemReply, 1)
	h.mu.Lock()
	h.pending[replyKey] = pendingRedemption{peer: peer, reply: reply}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, replyKey)
		h.mu.Unlock()
	}()

	env := peerEnvelope{Method: "redeemURL", Params: []json.RawMessage{rawOf(url), rawOf(replyKey)}}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if err := h.sender.Send(ctx, peer, raw); err != nil {
		return "", err
	}

	timer := time.NewTimer(redeemTimeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		if r.err != "" {
			return "", fmt.Errorf("%w: %s", kernelerr.ErrRemoteRedeemFailed, r.err)
		}
		return r.eref, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: redemption of %s timed out", kernelerr.ErrRemoteGaveUp, url)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// handleRedeemURLRequest answers a peer's redeemURL request against
// our own object table, replying with the peer's newly allocated
// import eref or an error message.
func (h *Handle) handleRedeemURLRequest(ctx context.Context, peer kref.RemoteID, params []json.RawMessage) error {
	if len(params) != 2 {
		return fmt.Errorf("remote: malformed redeemURL params from %s", peer)
	}
	var url, replyKey string
	if err := json.Unmarshal(params[0], &url); err != nil {
		return err
	}
	if err := json.Unmarshal(params[1], &replyKey); err != nil {
		return err
	}

	k, redeemErr := h.RedeemLocalURL(ctx, url)
	var eref kref.ERef
	errMsg := ""
	if redeemErr != nil {
		errMsg = redeemErr.Error()
	} else {
		var err error
		eref, err = h.cl.TranslateRefKtoE(ctx, peer, k, true, true)
		if err != nil {
			return err
		}
	}

	env := peerEnvelope{Method: "redeemURLReply", Params: []json.RawMessage{
		rawOf(errMsg == ""), rawOf(replyKey), rawOf(map[string]string{"eref": string(eref), "error": errMsg}),
	}}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.sender.Send(ctx, peer, raw)
}

func (h *Handle) handleRedeemURLReply(params []json.RawMessage) error {
	if len(params) != 3 {
		return fmt.Errorf("remote: malformed redeemURLReply params")
	}
	var success bool
	var replyKey string
	var result struct {
		ERef  string `json:"eref"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(params[0], &success); err != nil {
		return err
	}
	if err := json.Unmarshal(params[1], &replyKey); err != nil {
		return err
	}
	if err := json.Unmarshal(params[2], &result); err != nil {
		return err
	}

	h.mu.Lock()
	p, ok := h.pending[replyKey]
	delete(h.pending, replyKey)
	h.mu.Unlock()
	if !ok {
		return nil // late or already-given-up reply
	}
	if !success {
		p.reply <- redeemReply{err: result.Error}
		return nil
	}
	p.reply <- redeemReply{eref: kref.ERef(result.ERef)}
	return nil
}

// GiveUp rejects every outstanding redemption addressed to peer with
// kernelerr.ErrRemoteGaveUp (spec §4.7: "outstanding requests are
// rejected on give-up or shutdown").
func (h *Handle) GiveUp(peer kref.RemoteID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, p := range h.pending {
		if p.peer != peer {
			continue
		}
		p.reply <- redeemReply{err: kernelerr.ErrRemoteGaveUp.Error()}
		delete(h.pending, key)
	}
}
