//go:build linux

// Vsock-based worker transport, grounded on the teacher's
// internal/firecracker.dialVsock (mdlayher/vsock dial against a
// guest CID/port), gated to Linux since AF_VSOCK is a Linux-only
// address family.
package worker

import (
	"fmt"

	"github.com/mdlayher/vsock"
)

// DialVsock connects to a vat supervisor listening on the given guest
// CID and port and returns a Transport ready for NewChannel.
func DialVsock(cid, port uint32) (*Transport, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("worker: vsock dial cid=%d port=%d: %w", cid, port, err)
	}
	return NewTransport(conn), nil
}
