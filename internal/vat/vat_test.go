package vat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/gcengine"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/kvstore"
	"github.com/ocapkernel/kernel/internal/objects"
	"github.com/ocapkernel/kernel/internal/promise"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/worker"
)

type testHarness struct {
	vat       *Vat
	vatSide   *worker.Transport
	cl        *clist.CList
	objects   *objects.Table
	promises  *promise.Table
	runq      *runqueue.RunQueue
	registry  *Registry
	maybeFree *gcengine.MaybeFreeSet
}

// newTestHarness wires a Vat to an in-memory worker loopback; tests
// that need a vat-side peer start stubSupervisor or their own reader.
func newTestHarness(t *testing.T, id kref.VatID) *testHarness {
	t.Helper()
	kv := kvstore.NewMemoryKV()
	objTable := objects.NewTable(kv)
	promTable := promise.NewTable(kv)
	cl := clist.New(kv, objTable, promTable)
	rq := runqueue.New(kv, runqueue.NewChannelWakeup())
	reg := NewRegistry(kv)
	maybeFree := gcengine.NewMaybeFreeSet()

	kernelSide, vatSide := worker.NewLoopback()
	ch := worker.NewChannel(string(id), kernelSide)
	v := New(id, ch, cl, objTable, promTable, rq, reg, maybeFree)
	return &testHarness{vat: v, vatSide: vatSide, cl: cl, objects: objTable, promises: promTable, runq: rq, registry: reg, maybeFree: maybeFree}
}

// stubSupervisor replies "pong" to ping and "ok" to every other
// request it receives until the transport closes.
func stubSupervisor(vatSide *worker.Transport) {
	go func() {
		for {
			env, err := vatSide.Receive()
			if err != nil {
				return
			}
			reply := "ok"
			if env.Method == worker.MethodPing {
				reply = "pong"
			}
			result, _ := json.Marshal(reply)
			vatSide.Send(worker.Envelope{ID: env.ID, Result: result})
		}
	}()
}

func TestVat_LaunchHandshake(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	stubSupervisor(h.vatSide)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.vat.Launch(ctx, Config{Name: "chat", Bundle: "bundle://chat"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
}

func TestVat_DeliverSend_TranslatesKtoE(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	ctx := context.Background()

	ko1 := kref.NewObjectKRef(1)
	h.objects.Create(ctx, ko1, kref.VatID("v2"))

	received := make(chan worker.Envelope, 1)
	go func() {
		env, err := h.vatSide.Receive()
		if err != nil {
			return
		}
		received <- env
		result, _ := json.Marshal("ok")
		h.vatSide.Send(worker.Envelope{ID: env.ID, Result: result})
	}()

	item := runqueue.NewSend(ko1, "greet", kref.CapData{Body: `"hi"`}, "")
	if err := h.vat.Deliver(ctx, item); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case env := <-received:
		if env.Method != worker.MethodDeliver {
			t.Fatalf("delivered method = %q, want deliver", env.Method)
		}
		var p deliverMessageParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if p.Target != "o-1" || p.Method != "greet" {
			t.Fatalf("params = %+v, want target o-1 method greet", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no deliver request received")
	}

	counts, err := h.objects.Counts(ctx, ko1)
	if err != nil || counts != (objects.Counts{Reachable: 1, Recognizable: 1}) {
		t.Fatalf("Counts() = (%+v, %v), want ({1 1}, nil)", counts, err)
	}
}

func TestVat_DeliverBringOutYourDead(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	stubSupervisor(h.vatSide)

	if err := h.vat.Deliver(context.Background(), runqueue.NewBringOutYourDead(kref.VatID("v1"))); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestVat_HandleSyscall_Send_EnqueuesOnRunQueue(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	ctx := context.Background()

	ko1 := kref.NewObjectKRef(1)
	h.objects.Create(ctx, ko1, kref.VatID("v2"))
	eref, err := h.cl.TranslateRefKtoE(ctx, kref.VatID("v1"), ko1, true, true)
	if err != nil {
		t.Fatalf("TranslateRefKtoE: %v", err)
	}

	params, _ := json.Marshal(map[string]any{
		"target": eref,
		"method": "ping",
		"args":   kref.CapData{Body: "null"},
	})
	resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("send"), Params: params})
	if resp.Error != "" {
		t.Fatalf("HandleSyscall error = %q", resp.Error)
	}

	item, err := h.runq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item.Kind != runqueue.KindSend || item.Target != ko1 || item.Method != "ping" {
		t.Fatalf("Dequeue() = %+v, want send(ko1, ping)", item)
	}
}

func TestVat_HandleSyscall_SubscribeThenResolve_EnqueuesNotify(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	ctx := context.Background()

	kp1 := kref.NewPromiseKRef(1)
	v2 := kref.VatID("v2")
	h.promises.Create(ctx, kp1, v2)

	subEref, err := h.cl.TranslateRefKtoE(ctx, kref.VatID("v1"), kp1, true, false)
	if err != nil {
		t.Fatalf("TranslateRefKtoE: %v", err)
	}
	subParams, _ := json.Marshal(map[string]any{"promise": subEref})
	if resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("subscribe"), Params: subParams}); resp.Error != "" {
		t.Fatalf("subscribe error = %q", resp.Error)
	}

	resolveEref, err := h.cl.TranslateRefKtoE(ctx, v2, kp1, true, false)
	if err != nil {
		t.Fatalf("TranslateRefKtoE (v2): %v", err)
	}

	// Resolve must be issued by the vat that holds the decider role (v2),
	// wired to the same shared tables h.vat (v1) uses. Resolve never
	// touches the worker channel, so a channel with no live transport
	// is fine here.
	v2Vat := New(v2, worker.NewChannel(string(v2), nil), h.cl, h.objects, h.promises, h.runq, h.registry, h.maybeFree)

	resolveParams, _ := json.Marshal(map[string]any{
		"resolutions": []map[string]any{
			{"promise": resolveEref, "rejected": false, "value": kref.CapData{Body: `"done"`}},
		},
	})
	if resp := v2Vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("resolve"), Params: resolveParams}); resp.Error != "" {
		t.Fatalf("resolve error = %q", resp.Error)
	}

	item, err := h.runq.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item.Kind != runqueue.KindNotify || item.KPID != kp1 || item.VatID.String() != "v1" {
		t.Fatalf("Dequeue() = %+v, want notify(v1, kp1)", item)
	}
}

func TestVat_HandleSyscall_RetireImports_WhileReachable_IsFatal(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	ctx := context.Background()

	ko1 := kref.NewObjectKRef(1)
	h.objects.Create(ctx, ko1, kref.VatID("v2"))
	eref, err := h.cl.TranslateRefKtoE(ctx, kref.VatID("v1"), ko1, true, true)
	if err != nil {
		t.Fatalf("TranslateRefKtoE: %v", err)
	}

	params, _ := json.Marshal(map[string]any{"refs": []kref.ERef{eref}})
	resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("retireImports"), Params: params})
	if resp.Error == "" {
		t.Fatal("HandleSyscall() returned no error, want invalid-syscall failure")
	}
	if !h.vat.Terminated() {
		t.Fatal("vat not marked terminated after fatal syscall")
	}
	terminated, err := h.registry.IsTerminated(ctx, kref.VatID("v1"))
	if err != nil || !terminated {
		t.Fatalf("IsTerminated() = (%v, %v), want (true, nil)", terminated, err)
	}
}

func TestVat_HandleSyscall_DropImportsThenRetireImports(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	ctx := context.Background()

	ko1 := kref.NewObjectKRef(1)
	h.objects.Create(ctx, ko1, kref.VatID("v2"))
	eref, err := h.cl.TranslateRefKtoE(ctx, kref.VatID("v1"), ko1, true, true)
	if err != nil {
		t.Fatalf("TranslateRefKtoE: %v", err)
	}

	dropParams, _ := json.Marshal(map[string]any{"refs": []kref.ERef{eref}})
	if resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("dropImports"), Params: dropParams}); resp.Error != "" {
		t.Fatalf("dropImports error = %q", resp.Error)
	}

	retireParams, _ := json.Marshal(map[string]any{"refs": []kref.ERef{eref}})
	resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("retireImports"), Params: retireParams})
	if resp.Error != "" {
		t.Fatalf("retireImports error = %q", resp.Error)
	}
	if has, err := h.cl.HasCListEntry(ctx, kref.VatID("v1"), ko1); err != nil || has {
		t.Fatalf("HasCListEntry() = (%v, %v), want (false, nil)", has, err)
	}
}

func TestVat_HandleSyscall_VatstoreRoundTrip(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	ctx := context.Background()

	setParams, _ := json.Marshal(map[string]string{"key": "counter", "value": "1"})
	if resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("vatstoreSet"), Params: setParams}); resp.Error != "" {
		t.Fatalf("vatstoreSet error = %q", resp.Error)
	}

	getParams, _ := json.Marshal(map[string]string{"key": "counter"})
	resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("vatstoreGet"), Params: getParams})
	if resp.Error != "" {
		t.Fatalf("vatstoreGet error = %q", resp.Error)
	}
	var got struct {
		Value string `json:"value"`
		Found bool   `json:"found"`
	}
	if err := json.Unmarshal(resp.Result, &got); err != nil || !got.Found || got.Value != "1" {
		t.Fatalf("vatstoreGet result = %+v (%v), want {1 true}", got, err)
	}

	delParams, _ := json.Marshal(map[string]string{"key": "counter"})
	if resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("vatstoreDelete"), Params: delParams}); resp.Error != "" {
		t.Fatalf("vatstoreDelete error = %q", resp.Error)
	}
	resp = h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("vatstoreGet"), Params: getParams})
	json.Unmarshal(resp.Result, &got)
	if got.Found {
		t.Fatal("vatstoreGet found a deleted key")
	}
}

func TestVat_HandleSyscall_Exit_MarksTerminated(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()
	ctx := context.Background()

	resp := h.vat.HandleSyscall(ctx, worker.Envelope{Method: worker.Method("exit")})
	if resp.Error != "" {
		t.Fatalf("exit error = %q", resp.Error)
	}
	if !h.vat.Terminated() {
		t.Fatal("vat not marked terminated after exit")
	}
}

func TestVat_HandleSyscall_UnknownMethod_IsFatal(t *testing.T) {
	h := newTestHarness(t, kref.VatID("v1"))
	defer h.vatSide.Close()

	resp := h.vat.HandleSyscall(context.Background(), worker.Envelope{Method: worker.Method("bogus")})
	if resp.Error == "" {
		t.Fatal("HandleSyscall() returned no error for unknown method")
	}
	if !h.vat.Terminated() {
		t.Fatal("vat not marked terminated after invalid syscall")
	}
}

func TestRegistry_CreateConfig_DuplicateFails(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemoryKV())
	id := kref.VatID("v1")
	if err := reg.CreateConfig(ctx, id, Config{Name: "a", Bundle: "bundle://a"}); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	err := reg.CreateConfig(ctx, id, Config{Name: "b", Bundle: "bundle://b"})
	if err == nil {
		t.Fatal("CreateConfig() on existing id returned no error")
	}
	if !isErrVatAlreadyExists(err) {
		t.Fatalf("CreateConfig() err = %v, want ErrVatAlreadyExists", err)
	}
}

func TestRegistry_Config_UnknownVatFails(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemoryKV())
	_, err := reg.Config(ctx, kref.VatID("v9"))
	if !isErrVatNotFound(err) {
		t.Fatalf("Config() err = %v, want ErrVatNotFound", err)
	}
}

func TestRegistry_PinUnpin(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemoryKV())
	ko1 := kref.NewObjectKRef(1)
	if err := reg.Pin(ctx, ko1); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if pinned, err := reg.Pinned(ctx, ko1); err != nil || !pinned {
		t.Fatalf("Pinned() = (%v, %v), want (true, nil)", pinned, err)
	}
	if err := reg.Unpin(ctx, ko1); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if pinned, err := reg.Pinned(ctx, ko1); err != nil || pinned {
		t.Fatalf("Pinned() after Unpin = (%v, %v), want (false, nil)", pinned, err)
	}
}

func TestRegistry_VatstoreGetNextKey(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(kvstore.NewMemoryKV())
	id := kref.VatID("v1")
	reg.VatstoreSet(ctx, id, "a", "1")
	reg.VatstoreSet(ctx, id, "b", "2")

	key, ok, err := reg.VatstoreGetNextKey(ctx, id, "")
	if err != nil || !ok || key != "a" {
		t.Fatalf("VatstoreGetNextKey(\"\") = (%q, %v, %v), want (a, true, nil)", key, ok, err)
	}
	key, ok, err = reg.VatstoreGetNextKey(ctx, id, "a")
	if err != nil || !ok || key != "b" {
		t.Fatalf("VatstoreGetNextKey(a) = (%q, %v, %v), want (b, true, nil)", key, ok, err)
	}
	_, ok, err = reg.VatstoreGetNextKey(ctx, id, "b")
	if err != nil || ok {
		t.Fatalf("VatstoreGetNextKey(b) = (_, %v, %v), want (false, nil)", ok, err)
	}
}

func isErrVatAlreadyExists(err error) bool { return errors.Is(err, kernelerr.ErrVatAlreadyExists) }
func isErrVatNotFound(err error) bool      { return errors.Is(err, kernelerr.ErrVatNotFound) }
