//go:build !linux

package worker

import "fmt"

// DialVsock is a non-Linux fallback: AF_VSOCK is a Linux-only address
// family, so a kernel process built for any other platform cannot dial
// a vat's guest supervisor over vsock at all. On Linux, the real
// implementation in vsock_linux.go is used instead.
func DialVsock(cid, port uint32) (*Transport, error) {
	return nil, fmt.Errorf("worker: vsock transport is only available on linux (cid=%d port=%d)", cid, port)
}
