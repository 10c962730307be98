// Package kernelerr holds the kernel's sentinel error taxonomy (spec §7).
// Callers use errors.Is against these values; the policy of which errors
// are fatal to a single vat versus surfaced to the caller versus fatal to
// the whole crank lives with the caller, not with the error type.
package kernelerr

import "errors"

var (
	// ErrVatNotFound is returned when an operation names an unknown vat.
	// Surfaced to the caller.
	ErrVatNotFound = errors.New("vat not found")

	// ErrVatAlreadyExists is returned when creating a vat with an id
	// already in use. Surfaced to the caller.
	ErrVatAlreadyExists = errors.New("vat already exists")

	// ErrAlreadyResolved is returned by resolvePromises when the named
	// promise is not unresolved. Fatal to the offending vat.
	ErrAlreadyResolved = errors.New("promise already resolved")

	// ErrNotDecider is returned when an endpoint other than a promise's
	// decider attempts to resolve it. Fatal to the offending vat.
	ErrNotDecider = errors.New("endpoint is not the promise's decider")

	// ErrInvalidSyscall is returned when a vat syscall violates a
	// c-list or reference invariant (wrong direction, unknown kref,
	// still-reachable retire). Fatal to the offending vat.
	ErrInvalidSyscall = errors.New("invalid syscall")

	// ErrStreamReadError wraps a worker-transport read failure. Fatal
	// to the affected vat.
	ErrStreamReadError = errors.New("worker stream read error")

	// ErrBadOcapURL is returned when a URL fails ocap: URL syntax
	// validation. Surfaced to the requesting kernel client.
	ErrBadOcapURL = errors.New("bad ocap URL")

	// ErrRemoteRedeemFailed is returned when a peer rejects a redeemURL
	// request. Surfaced to the requesting kernel client.
	ErrRemoteRedeemFailed = errors.New("remote redeem failed")

	// ErrRemoteGaveUp is returned to all outstanding redemptions for a
	// peer when that peer is given up on (timeout or shutdown).
	ErrRemoteGaveUp = errors.New("remote kernel gave up")

	// ErrStorageError wraps a persistent-store failure. Never swallowed;
	// fatal to the crank currently in progress.
	ErrStorageError = errors.New("storage error")
)
