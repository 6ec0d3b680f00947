package peersession

import "errors"

// Sentinel error kinds for the failure modes a session can report.
// Wrapped with context via fmt.Errorf("...: %w", ...) at the call
// sites that produce them.
var (
	// ErrConnect means the transport could not be established within
	// the 5s channel-ready budget.
	ErrConnect = errors.New("peersession: connect failed")
	// ErrHandshakeTimeout means the caller's context expired before the
	// handshake reached READY_DONE. RequestAddresses also returns it when
	// the context expires during an address-exchange round trip.
	ErrHandshakeTimeout = errors.New("peersession: handshake timed out")
	// ErrProtocol means the stream closed or misbehaved before
	// READY_DONE.
	ErrProtocol = errors.New("peersession: protocol error")
	// ErrStreamClosed means the stream ended unexpectedly during an
	// address-exchange round trip.
	ErrStreamClosed = errors.New("peersession: stream closed")
)
