// Package worker implements the kernel's worker channel contract (spec
// §6): a bidirectional stream of typed, length-prefixed JSON messages
// between the kernel and a vat's supervisor process, with requests and
// replies correlated by a monotonically increasing "<vatId>:<n>" id.
// The wire framing is grounded on the teacher's vsock protocol
// (internal/firecracker/vsock.go): a 4-byte big-endian length prefix
// followed by a JSON-encoded envelope.
package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ocapkernel/kernel/internal/kernelerr"
)

// Method names the worker channel contract supports (spec §6).
type Method string

const (
	MethodPing           Method = "ping"
	MethodInitSupervisor Method = "initSupervisor"
	MethodCapTpInit      Method = "capTpInit"
	MethodDeliver        Method = "deliver"
	MethodNotify         Method = "notify"
	MethodDropExports    Method = "dropExports"
	MethodRetireExports  Method = "retireExports"
	MethodRetireImports  Method = "retireImports"
	MethodBringOutYourDead Method = "bringOutYourDead"
	MethodVatstoreGet    Method = "vatstoreGet"
	MethodVatstoreSet    Method = "vatstoreSet"
	MethodVatstoreDelete Method = "vatstoreDelete"
	MethodVatstoreNext   Method = "vatstoreGetNextKey"
)

// maxMessageBytes guards against a corrupt or hostile length prefix,
// matching the teacher's maxVsockMessageBytes cap in vsock.go.
const maxMessageBytes = 16 << 20

// Envelope is one message exchanged over a worker channel: either a
// request (ID set, Method set) or its correlated reply (same ID,
// Method empty, Result or Error set).
type Envelope struct {
	ID     string          `json:"id"`
	Method Method          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Transport is the length-prefixed JSON framing over a raw
// bidirectional stream — a vsock connection in production, an
// in-memory pipe in tests.
type Transport struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewTransport wraps an established connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// Send writes one length-prefixed envelope.
func (t *Transport) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = t.conn.Write(buf)
	return err
}

// Receive reads the next length-prefixed envelope, blocking until one
// arrives or the connection errors/closes.
func (t *Transport) Receive() (Envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, lenBuf); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", kernelerr.ErrStreamReadError, err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxMessageBytes {
		return Envelope{}, fmt.Errorf("%w: message of %d bytes exceeds limit", kernelerr.ErrStreamReadError, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(t.conn, data); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", kernelerr.ErrStreamReadError, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", kernelerr.ErrStreamReadError, err)
	}
	return env, nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error { return t.conn.Close() }

// Channel is the kernel-facing handle to one vat's worker connection:
// it assigns correlation ids, sends requests, and dispatches replies
// and unsolicited requests (syscalls from the vat) to the caller.
type Channel struct {
	vatID     string
	transport *Transport
	nextID    atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Envelope
}

// NewChannel wraps transport as vatID's worker channel.
func NewChannel(vatID string, transport *Transport) *Channel {
	return &Channel{
		vatID:     vatID,
		transport: transport,
		pending:   make(map[string]chan Envelope),
	}
}

func (c *Channel) newID() string {
	n := c.nextID.Add(1)
	return fmt.Sprintf("%s:%d", c.vatID, n)
}

// Call sends a request and blocks for its correlated reply, or until
// ctx is done.
func (c *Channel) Call(ctx context.Context, method Method, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	id := c.newID()
	reply := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	sent := make(chan error, 1)
	go func() {
		sent <- c.transport.Send(Envelope{ID: id, Method: method, Params: raw})
	}()
	select {
	case err := <-sent:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", kernelerr.ErrStreamReadError, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case env := <-reply:
		if env.Error != "" {
			return nil, errors.New(env.Error)
		}
		return env.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServeLoop reads envelopes until the transport errors or closes,
// routing replies to their waiting Call and unsolicited requests
// (vat-initiated syscalls) to onRequest. It returns the terminal
// read error, always wrapped as kernelerr.ErrStreamReadError, which
// the caller (internal/vat) treats as fatal to this vat.
func (c *Channel) ServeLoop(onRequest func(Envelope) Envelope) error {
	for {
		env, err := c.transport.Receive()
		if err != nil {
			return err
		}
		if env.Method == "" {
			c.mu.Lock()
			reply, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				reply <- env
			}
			continue
		}
		resp := onRequest(env)
		resp.ID = env.ID
		if err := c.transport.Send(resp); err != nil {
			return fmt.Errorf("%w: %v", kernelerr.ErrStreamReadError, err)
		}
	}
}

// Ping issues the contract's minimal liveness check.
func (c *Channel) Ping(ctx context.Context) error {
	result, err := c.Call(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil || s != "pong" {
		return fmt.Errorf("worker: ping reply = %q, want \"pong\"", result)
	}
	return nil
}
