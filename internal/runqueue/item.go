// Package runqueue implements the kernel's single-writer, single-reader
// run queue and its priority ordering (spec §4.3): a pending GC action
// batch drains before the next bringOutYourDead, which drains before
// the head of the ordinary FIFO, which suspends the reader when the
// queue is empty. Items are persisted through internal/kvstore so a
// crash mid-crank leaves the queue recoverable; wakeup signalling
// between a writer and a suspended reader follows the teacher's
// internal/queue.Notifier pattern.
package runqueue

import (
	"encoding/json"
	"fmt"

	"github.com/ocapkernel/kernel/internal/kref"
)

// Kind identifies one of the six run-queue item shapes (spec §4.3).
type Kind string

const (
	KindSend             Kind = "send"
	KindNotify           Kind = "notify"
	KindDropExports      Kind = "dropExports"
	KindRetireExports    Kind = "retireExports"
	KindRetireImports    Kind = "retireImports"
	KindBringOutYourDead Kind = "bringOutYourDead"
)

// Item is one unit of work dequeued by the crank loop.
//
// Send carries a target kref and a message; Notify carries the vat to
// notify and the promise it concerns; the three GC kinds carry a
// batch of krefs for one owning vat (spec §4.5's "one batched RunQueue
// item per group"); BringOutYourDead carries only the vat.
type Item struct {
	Kind  Kind            `json:"kind"`
	VatID kref.EndpointID `json:"-"`
	KPID  kref.KRef       `json:"kpid,omitempty"`

	// Send fields.
	Target  kref.KRef    `json:"target,omitempty"`
	Method  string       `json:"method,omitempty"`
	Args    kref.CapData `json:"args,omitempty"`
	Result  kref.KRef    `json:"result,omitempty"`

	// GC-action batch fields.
	KRefs []kref.KRef `json:"krefs,omitempty"`
}

// marshalItem is the JSON-safe wire shape actually persisted; kref.EndpointID
// is an interface so it cannot round-trip through encoding/json directly.
type marshalItem struct {
	Kind   Kind         `json:"kind"`
	VatID  string       `json:"vatId,omitempty"`
	KPID   kref.KRef    `json:"kpid,omitempty"`
	Target kref.KRef    `json:"target,omitempty"`
	Method string       `json:"method,omitempty"`
	Args   kref.CapData `json:"args,omitempty"`
	Result kref.KRef    `json:"result,omitempty"`
	KRefs  []kref.KRef  `json:"krefs,omitempty"`
}

func encodeItem(it Item) (string, error) {
	m := marshalItem{
		Kind:   it.Kind,
		KPID:   it.KPID,
		Target: it.Target,
		Method: it.Method,
		Args:   it.Args,
		Result: it.Result,
		KRefs:  it.KRefs,
	}
	if it.VatID != nil {
		m.VatID = it.VatID.String()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("runqueue: encode item: %w", err)
	}
	return string(b), nil
}

func decodeItem(s string) (Item, error) {
	var m marshalItem
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Item{}, fmt.Errorf("runqueue: decode item %q: %w", s, err)
	}
	it := Item{
		Kind:   m.Kind,
		KPID:   m.KPID,
		Target: m.Target,
		Method: m.Method,
		Args:   m.Args,
		Result: m.Result,
		KRefs:  m.KRefs,
	}
	if m.VatID != "" {
		endpoint, err := kref.ParseEndpointID(m.VatID)
		if err != nil {
			return Item{}, err
		}
		it.VatID = endpoint
	}
	return it, nil
}

// NewSend builds a send item.
func NewSend(target kref.KRef, method string, args kref.CapData, result kref.KRef) Item {
	return Item{Kind: KindSend, Target: target, Method: method, Args: args, Result: result}
}

// NewNotify builds a notify item addressed to vat about kpid.
func NewNotify(vat kref.EndpointID, kpid kref.KRef) Item {
	return Item{Kind: KindNotify, VatID: vat, KPID: kpid}
}

// NewGCAction builds a batched GC-action item (dropExports, retireExports,
// or retireImports) for one owning vat.
func NewGCAction(kind Kind, vat kref.EndpointID, krefs []kref.KRef) Item {
	return Item{Kind: kind, VatID: vat, KRefs: krefs}
}

// NewBringOutYourDead builds a reap item for vat.
func NewBringOutYourDead(vat kref.EndpointID) Item {
	return Item{Kind: KindBringOutYourDead, VatID: vat}
}
